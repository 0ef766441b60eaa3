package bridge

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// ChainID identifies one leg of a bridge transfer.
type ChainID string

const (
	ChainIDXRPL  ChainID = "xrpl"
	ChainIDFlare ChainID = "flare"
)

// JobStatus is the bridge backend's authoritative view of a transfer attempt.
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusReserving       JobStatus = "reserving"
	JobStatusAwaitingPayment JobStatus = "awaiting_payment"
	JobStatusPaid            JobStatus = "paid"
	JobStatusMinting         JobStatus = "minting"
	JobStatusMinted          JobStatus = "minted"
	JobStatusFailed          JobStatus = "failed"
	JobStatusExpired         JobStatus = "expired"
	JobStatusCancelled       JobStatus = "cancelled"
)

// Terminal reports whether no further status change can occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusMinted, JobStatusFailed, JobStatusExpired, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one cross-chain transfer attempt. AmountRounded is the requested
// amount after lot-size normalization; the difference is carried in Shortfall
// and is never silently dropped.
type Job struct {
	ID              string          `json:"id"`
	WalletAddress   string          `json:"walletAddress"`
	SourceChain     ChainID         `json:"sourceChain"`
	DestChain       ChainID         `json:"destChain"`
	AmountRequested decimal.Decimal `json:"amountRequested"`
	AmountRounded   decimal.Decimal `json:"amountRounded"`
	Shortfall       decimal.Decimal `json:"shortfall"`
	Status          JobStatus       `json:"status"`
	SourceTxHash    string          `json:"sourceTxHash,omitempty"`
	DestTxHash      string          `json:"destTxHash,omitempty"`
	AgentReference  string          `json:"agentReference,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ReserveRequest asks the bridge to reserve agent collateral for a deposit.
// Amount is the lot-rounded amount in ledger units.
type ReserveRequest struct {
	WalletAddress string
	Amount        decimal.Decimal
}
