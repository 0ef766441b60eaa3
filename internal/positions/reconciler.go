package positions

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/chain"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/metrics"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
)

// Lister is the slice of the persistence layer the reconciler reads from.
type Lister interface {
	ListPositionsByWallet(ctx context.Context, wallet string) ([]*Position, error)
}

// Reconciler compares recorded positions against independently read on-chain
// balances. Tolerance is the full width of the acceptance window centered on
// the recorded amount: a position is verified when the signed delta keeps the
// on-chain balance inside that window, mismatched once twice the absolute
// delta reaches the tolerance.
type Reconciler struct {
	lister    Lister
	chain     chain.Reader
	prices    prices.Source
	registry  *prices.Registry
	tolerance decimal.Decimal
	timeout   time.Duration
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
}

func NewReconciler(
	lister Lister,
	chainReader chain.Reader,
	priceSource prices.Source,
	registry *prices.Registry,
	tolerance decimal.Decimal,
	timeout time.Duration,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
) *Reconciler {
	return &Reconciler{
		lister:    lister,
		chain:     chainReader,
		prices:    priceSource,
		registry:  registry,
		tolerance: tolerance,
		timeout:   timeout,
		logger:    logger,
		metrics:   m,
	}
}

// Reconcile verifies every position recorded for wallet against the chain.
// A failed read for one position degrades that position to an inconclusive
// verification and never aborts the batch. The whole call is bounded by the
// configured timeout and returns ErrReconciliationTimeout when exceeded, so
// callers keep their previous known-good summary.
func (r *Reconciler) Reconcile(ctx context.Context, wallet string) (*Summary, error) {
	if wallet == "" {
		return nil, ErrWalletRequired
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	recorded, err := r.lister.ListPositionsByWallet(ctx, wallet)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrReconciliationTimeout
		}
		return nil, err
	}

	summary := &Summary{
		WalletAddress:   wallet,
		OnChainVerified: true,
		ReconciledAt:    time.Now(),
	}

	mismatches := 0
	for _, pos := range recorded {
		if ctx.Err() != nil {
			return nil, ErrReconciliationTimeout
		}
		if pos.Status != PositionStatusActive {
			continue
		}

		r.verify(ctx, pos)
		r.price(ctx, pos)

		switch pos.Verification {
		case VerificationMismatched:
			mismatches++
			summary.OnChainVerified = false
		case VerificationNotApplicable:
			summary.OnChainVerified = false
		}

		summary.Positions = append(summary.Positions, pos)
		summary.TotalValue = summary.TotalValue.Add(pos.USDValue)
		summary.TotalRewards = summary.TotalRewards.Add(pos.Rewards)
		summary.OnChainTotalBalance = summary.OnChainTotalBalance.Add(pos.OnChainBalance)
	}

	if len(summary.Positions) == 0 {
		summary.OnChainVerified = false
	}

	r.metrics.RecordReconcile(ctx, mismatches)
	if r.logger != nil {
		r.logger.Debugw("Reconciled wallet positions",
			"wallet", wallet,
			"positions", len(summary.Positions),
			"mismatches", mismatches,
		)
	}
	return summary, nil
}

// verify fills OnChainBalance, Verification and Discrepancy on pos.
func (r *Reconciler) verify(ctx context.Context, pos *Position) {
	if !pos.Verifiable() {
		pos.OnChainBalance = decimal.Zero
		pos.Verification = VerificationNotApplicable
		pos.Discrepancy = nil
		return
	}

	onchain, err := r.chain.GetPosition(ctx, pos.WalletAddress, pos.VaultID)
	if err != nil {
		if r.logger != nil {
			r.logger.Warnw("On-chain read failed; verification inconclusive",
				"wallet", pos.WalletAddress,
				"vault", pos.VaultID,
				"error", err,
			)
		}
		pos.OnChainBalance = decimal.Zero
		pos.Verification = VerificationNotApplicable
		pos.Discrepancy = nil
		return
	}

	pos.OnChainBalance = onchain.Amount
	diff := pos.Amount.Sub(onchain.Amount)

	// Inside the window when 2*|diff| < tolerance. An exact match is verified
	// even with a zero-width window, so a mismatch always carries a non-zero
	// discrepancy.
	if !diff.IsZero() && diff.Abs().Mul(decimal.NewFromInt(2)).Cmp(r.tolerance) >= 0 {
		pos.Verification = VerificationMismatched
		d := diff
		pos.Discrepancy = &d
		return
	}
	pos.Verification = VerificationVerified
	pos.Discrepancy = nil
}

// price fills USDValue; a failed lookup degrades the value to zero.
func (r *Reconciler) price(ctx context.Context, pos *Position) {
	pos.USDValue = decimal.Zero
	if r.prices == nil || r.registry == nil {
		return
	}

	symbol, err := r.registry.GetProviderSymbol(pos.Asset)
	if err != nil {
		return
	}
	price, err := r.prices.GetPrice(ctx, symbol)
	if err != nil {
		if r.logger != nil {
			r.logger.Warnw("Price lookup failed; valuing at zero",
				"asset", pos.Asset,
				"error", err,
			)
		}
		return
	}
	pos.USDValue = pos.Amount.Mul(price)
}
