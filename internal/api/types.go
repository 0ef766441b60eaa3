package api

import (
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/activity"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/lifecycle"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
)

type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ReserveRequestDTO struct {
	WalletAddress string `json:"walletAddress"`
	Amount        string `json:"amount"`
}

// ReserveResponseDTO echoes the lot normalization so the caller can show the
// shortfall before the user signs. The shortfall never leaves the wallet;
// only the rounded amount is reserved.
type ReserveResponseDTO struct {
	Job           BridgeJobDTO `json:"job"`
	Lots          int64        `json:"lots"`
	NeedsRounding bool         `json:"needsRounding"`
	Shortfall     string       `json:"shortfall"`
}

type BridgeJobDTO struct {
	ID              string          `json:"id"`
	WalletAddress   string          `json:"walletAddress"`
	SourceChain     string          `json:"sourceChain"`
	DestChain       string          `json:"destChain"`
	AmountRequested string          `json:"amountRequested"`
	AmountRounded   string          `json:"amountRounded"`
	Shortfall       string          `json:"shortfall"`
	Status          string          `json:"status"`
	Stage           lifecycle.Stage `json:"stage"`
	Progress        int             `json:"progress"`
	SourceTxHash    string          `json:"sourceTxHash,omitempty"`
	DestTxHash      string          `json:"destTxHash,omitempty"`
	AgentReference  string          `json:"agentReference,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	Stale           bool            `json:"stale"`
	Delayed         bool            `json:"delayed"`
	CreatedAt       int64           `json:"createdAt"`
	UpdatedAt       int64           `json:"updatedAt"`
}

// PaymentNoticeDTO is the client's report that the ledger payment for a job
// left the wallet. Confirmed additionally reports ledger finality.
type PaymentNoticeDTO struct {
	TxHash    string `json:"txHash"`
	Confirmed bool   `json:"confirmed"`
}

type WithdrawalRequestDTO struct {
	PositionID string `json:"positionId"`
	Type       string `json:"type"`
	Amount     string `json:"amount,omitempty"`
}

type WithdrawalDTO struct {
	ID              string          `json:"id"`
	WalletAddress   string          `json:"walletAddress"`
	VaultID         string          `json:"vaultId"`
	PositionID      string          `json:"positionId,omitempty"`
	Type            string          `json:"type"`
	Amount          string          `json:"amount"`
	Asset           string          `json:"asset"`
	Status          string          `json:"status"`
	Stage           lifecycle.Stage `json:"stage"`
	Progress        int             `json:"progress"`
	TxHash          string          `json:"txHash,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	Stale           bool            `json:"stale"`
	RequestedAt     int64           `json:"requestedAt"`
	ProcessedAt     *int64          `json:"processedAt,omitempty"`
}

type PositionsResponseDTO struct {
	WalletAddress       string                `json:"walletAddress"`
	Positions           []*positions.Position `json:"positions"`
	TotalValue          string                `json:"totalValue"`
	TotalRewards        string                `json:"totalRewards"`
	OnChainTotalBalance string                `json:"onChainTotalBalance"`
	OnChainVerified     bool                  `json:"onChainVerified"`
	ReconciledAt        int64                 `json:"reconciledAt"`
}

type PriceDTO struct {
	Asset  string `json:"asset"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Cached bool   `json:"cached"`
}

type ActivityResponseDTO struct {
	WalletAddress string          `json:"walletAddress"`
	Items         []activity.Item `json:"items"`
	Stale         bool            `json:"stale"`
	GeneratedAt   int64           `json:"generatedAt"`
}

func toBridgeJobDTO(job *bridge.Job, stale bool) BridgeJobDTO {
	stage := lifecycle.DepositStageForJob(job.Status)
	return BridgeJobDTO{
		ID:              job.ID,
		WalletAddress:   job.WalletAddress,
		SourceChain:     string(job.SourceChain),
		DestChain:       string(job.DestChain),
		AmountRequested: job.AmountRequested.String(),
		AmountRounded:   job.AmountRounded.String(),
		Shortfall:       job.Shortfall.String(),
		Status:          string(job.Status),
		Stage:           stage,
		Progress:        lifecycle.DepositProgressForStage(stage),
		SourceTxHash:    job.SourceTxHash,
		DestTxHash:      job.DestTxHash,
		AgentReference:  job.AgentReference,
		ErrorMessage:    job.ErrorMessage,
		Stale:           stale,
		CreatedAt:       job.CreatedAt.Unix(),
		UpdatedAt:       job.UpdatedAt.Unix(),
	}
}

func toWithdrawalDTO(req *positions.WithdrawalRequest) WithdrawalDTO {
	stage := lifecycle.WithdrawalStageForStatus(req.Status)
	if req.Status == positions.WithdrawalStatusRejected || req.Status == positions.WithdrawalStatusFailed {
		stage = lifecycle.StageError
	}

	dto := WithdrawalDTO{
		ID:              req.ID,
		WalletAddress:   req.WalletAddress,
		VaultID:         req.VaultID,
		PositionID:      req.PositionID,
		Type:            string(req.Type),
		Amount:          req.Amount.String(),
		Asset:           req.Asset,
		Status:          string(req.Status),
		Stage:           stage,
		Progress:        lifecycle.WithdrawalProgressForStage(stage),
		TxHash:          req.TxHash,
		RejectionReason: req.RejectionReason,
		RequestedAt:     req.RequestedAt.Unix(),
	}
	if req.ProcessedAt != nil {
		ts := req.ProcessedAt.Unix()
		dto.ProcessedAt = &ts
	}
	return dto
}

func toPositionsDTO(summary *positions.Summary) PositionsResponseDTO {
	return PositionsResponseDTO{
		WalletAddress:       summary.WalletAddress,
		Positions:           summary.Positions,
		TotalValue:          summary.TotalValue.String(),
		TotalRewards:        summary.TotalRewards.String(),
		OnChainTotalBalance: summary.OnChainTotalBalance.String(),
		OnChainVerified:     summary.OnChainVerified,
		ReconciledAt:        summary.ReconciledAt.Unix(),
	}
}

func toActivityDTO(view *activity.View) ActivityResponseDTO {
	items := view.Items
	if items == nil {
		items = []activity.Item{}
	}
	return ActivityResponseDTO{
		WalletAddress: view.WalletAddress,
		Items:         items,
		Stale:         view.Stale,
		GeneratedAt:   view.GeneratedAt.Unix(),
	}
}

// activityEvent is the payload published on the activity channel whenever a
// wallet's jobs or withdrawals change.
type activityEvent struct {
	Wallet string `json:"wallet"`
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	At     int64  `json:"at"`
}

func newActivityEvent(wallet, kind, id string) activityEvent {
	return activityEvent{Wallet: wallet, Kind: kind, ID: id, At: time.Now().Unix()}
}
