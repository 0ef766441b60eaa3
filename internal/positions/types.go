package positions

import (
	"bytes"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrWalletRequired        = errors.New("wallet address required")
	ErrReconciliationTimeout = errors.New("reconciliation timed out")
)

// Verification is the tri-state outcome of comparing a recorded position
// against its on-chain balance. NotApplicable covers both assets that cannot
// be independently verified and passes where the on-chain read failed. It is
// a deliberate three-variant type, serialized as JSON true/false/null.
type Verification int

const (
	VerificationNotApplicable Verification = iota
	VerificationVerified
	VerificationMismatched
)

var (
	jsonTrue  = []byte("true")
	jsonFalse = []byte("false")
	jsonNull  = []byte("null")
)

func (v Verification) MarshalJSON() ([]byte, error) {
	switch v {
	case VerificationVerified:
		return jsonTrue, nil
	case VerificationMismatched:
		return jsonFalse, nil
	default:
		return jsonNull, nil
	}
}

func (v *Verification) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, jsonTrue):
		*v = VerificationVerified
	case bytes.Equal(data, jsonFalse):
		*v = VerificationMismatched
	default:
		*v = VerificationNotApplicable
	}
	return nil
}

func (v Verification) String() string {
	switch v {
	case VerificationVerified:
		return "verified"
	case VerificationMismatched:
		return "mismatched"
	default:
		return "not_applicable"
	}
}

// PositionStatus tracks a settled stake's lifecycle in the vault.
type PositionStatus string

const (
	PositionStatusActive    PositionStatus = "active"
	PositionStatusWithdrawn PositionStatus = "withdrawn"
)

// Position is a settled, vault-recorded stake. OnChainBalance is fetched
// independently each reconciliation pass; Discrepancy is the signed delta
// (recorded - on-chain) and is non-nil exactly when Verification is
// Mismatched.
type Position struct {
	ID             string           `json:"id"`
	WalletAddress  string           `json:"walletAddress"`
	VaultID        string           `json:"vaultId"`
	SourceJobID    string           `json:"sourceJobId,omitempty"`
	Asset          string           `json:"asset"`
	Amount         decimal.Decimal  `json:"amount"`
	Rewards        decimal.Decimal  `json:"rewards"`
	Status         PositionStatus   `json:"status"`
	OnChainBalance decimal.Decimal  `json:"onChainBalance"`
	Verification   Verification     `json:"balanceVerified"`
	Discrepancy    *decimal.Decimal `json:"discrepancy,omitempty"`
	USDValue       decimal.Decimal  `json:"usdValue"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// bridgeMintedAssets lists the assets whose vault balance can be read back
// from the contract chain. Ledger-native holdings and non-bridge vaults have
// no on-chain counterpart to compare against.
var bridgeMintedAssets = map[string]bool{
	"FXRP": true,
}

// Verifiable reports whether the position supports independent on-chain
// balance verification.
func (p *Position) Verifiable() bool {
	return p.VaultID != "" && bridgeMintedAssets[p.Asset]
}

// WithdrawalType distinguishes draining a position from trimming it.
type WithdrawalType string

const (
	WithdrawalTypePartial WithdrawalType = "partial"
	WithdrawalTypeFull    WithdrawalType = "full"
)

// WithdrawalStatus is the redemption request lifecycle. RejectionReason is set
// iff status is rejected; TxHash only once the payout is broadcast.
type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusApproved   WithdrawalStatus = "approved"
	WithdrawalStatusRejected   WithdrawalStatus = "rejected"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
)

// Terminal reports whether the request can no longer change.
func (s WithdrawalStatus) Terminal() bool {
	switch s {
	case WithdrawalStatusRejected, WithdrawalStatusCompleted, WithdrawalStatusFailed:
		return true
	}
	return false
}

// WithdrawalRequest is one redemption attempt.
type WithdrawalRequest struct {
	ID              string           `json:"id"`
	WalletAddress   string           `json:"walletAddress"`
	VaultID         string           `json:"vaultId"`
	PositionID      string           `json:"positionId,omitempty"`
	Type            WithdrawalType   `json:"type"`
	Amount          decimal.Decimal  `json:"amount"`
	Asset           string           `json:"asset"`
	Status          WithdrawalStatus `json:"status"`
	TxHash          string           `json:"txHash,omitempty"`
	RejectionReason string           `json:"rejectionReason,omitempty"`
	RequestedAt     time.Time        `json:"requestedAt"`
	ProcessedAt     *time.Time       `json:"processedAt,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Summary is one reconciliation pass over a wallet's positions.
type Summary struct {
	WalletAddress       string          `json:"walletAddress"`
	Positions           []*Position     `json:"positions"`
	TotalValue          decimal.Decimal `json:"totalValue"`
	TotalRewards        decimal.Decimal `json:"totalRewards"`
	OnChainTotalBalance decimal.Decimal `json:"onChainTotalBalance"`
	OnChainVerified     bool            `json:"onChainVerified"`
	ReconciledAt        time.Time       `json:"reconciledAt"`
}
