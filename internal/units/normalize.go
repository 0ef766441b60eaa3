package units

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// LedgerDecimals is the precision of the ledger's base unit (XRP drops).
const LedgerDecimals = 6

// NormalizeResult describes the lot-size rounding applied to a requested amount.
type NormalizeResult struct {
	RoundedAmount decimal.Decimal
	Lots          int64
	NeedsRounding bool
	Shortfall     decimal.Decimal
}

// Normalize rounds a requested deposit amount down to a whole multiple of the
// bridge lot size. One lot is lotSizeUBA base units at mintingDecimals
// precision, so lot value = lotSizeUBA * 10^-mintingDecimals whole tokens.
// Shortfall = requested - rounded and is always >= 0. Rounding a
// previously-rounded amount is a no-op.
func Normalize(requested decimal.Decimal, lotSizeUBA int64, mintingDecimals int32) (NormalizeResult, error) {
	if lotSizeUBA <= 0 {
		return NormalizeResult{}, fmt.Errorf("%w: lot size must be positive", ErrInvalidAmount)
	}
	if mintingDecimals < 0 {
		return NormalizeResult{}, fmt.Errorf("%w: minting decimals must be non-negative", ErrInvalidAmount)
	}
	if requested.LessThanOrEqual(decimal.Zero) {
		return NormalizeResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	lotValue := decimal.New(lotSizeUBA, -mintingDecimals)

	lots := requested.Div(lotValue).Floor()
	rounded := lots.Mul(lotValue)
	shortfall := requested.Sub(rounded)

	lotCount := lots.IntPart()

	return NormalizeResult{
		RoundedAmount: rounded,
		Lots:          lotCount,
		NeedsRounding: shortfall.GreaterThan(decimal.Zero),
		Shortfall:     shortfall,
	}, nil
}

// ParseAmount parses a decimal string amount, rejecting non-numeric or
// non-positive input with ErrInvalidAmount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not numeric", ErrInvalidAmount, raw)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return amount, nil
}

// DropsToXRP converts ledger base units (drops) to whole XRP.
func DropsToXRP(drops int64) decimal.Decimal {
	return decimal.New(drops, -LedgerDecimals)
}

// XRPToDrops converts whole XRP to ledger base units, truncating extra precision.
func XRPToDrops(xrp decimal.Decimal) int64 {
	return xrp.Shift(LedgerDecimals).Truncate(0).IntPart()
}
