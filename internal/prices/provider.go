package prices

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Source supplies USD prices for ledger and vault assets. Prices may be stale
// or unavailable; callers that value portfolios must treat a failed lookup as
// "price 0", never as a hard error.
type Source interface {
	// GetPrice returns the latest USD price for a provider-specific symbol
	// (e.g., "XRPUSDT").
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Name returns the provider identifier.
	Name() string

	// Health returns current provider health status.
	Health() SourceHealth
}

// SourceHealth represents the current status of a price source.
type SourceHealth struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
}
