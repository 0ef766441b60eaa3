package positions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/chain"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
)

type staticLister struct {
	positions []*Position
	err       error
	delay     time.Duration
}

func (l *staticLister) ListPositionsByWallet(ctx context.Context, _ string) ([]*Position, error) {
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.positions, l.err
}

type staticPrices struct {
	price decimal.Decimal
	err   error
}

func (s *staticPrices) GetPrice(context.Context, string) (decimal.Decimal, error) {
	return s.price, s.err
}
func (s *staticPrices) Name() string                { return "static" }
func (s *staticPrices) Health() prices.SourceHealth { return prices.SourceHealth{Healthy: true} }

func activePosition(id, wallet, vault string, amount string) *Position {
	return &Position{
		ID:            id,
		WalletAddress: wallet,
		VaultID:       vault,
		Asset:         "FXRP",
		Amount:        decimal.RequireFromString(amount),
		Status:        PositionStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func newTestReconciler(lister Lister, reader chain.Reader, src prices.Source, tolerance string, timeout time.Duration) *Reconciler {
	return NewReconciler(
		lister,
		reader,
		src,
		prices.NewRegistry(),
		decimal.RequireFromString(tolerance),
		timeout,
		nil,
		nil,
	)
}

func TestReconcileFlagsSmallDrift(t *testing.T) {
	pos := activePosition("pos-1", "rWallet", "vault-1", "100.000000")
	reader := chain.NewMockReader()
	reader.SetPosition("vault-1", "rWallet", chain.VaultPosition{
		Amount: decimal.RequireFromString("99.999950"),
	})

	rec := newTestReconciler(&staticLister{positions: []*Position{pos}}, reader, &staticPrices{price: decimal.RequireFromString("0.5")}, "0.0001", time.Second)

	summary, err := rec.Reconcile(context.Background(), "rWallet")
	require.NoError(t, err)
	require.Len(t, summary.Positions, 1)

	got := summary.Positions[0]
	assert.Equal(t, VerificationMismatched, got.Verification)
	require.NotNil(t, got.Discrepancy)
	assert.True(t, got.Discrepancy.Equal(decimal.RequireFromString("0.00005")),
		"discrepancy was %s", got.Discrepancy)
	assert.False(t, summary.OnChainVerified)
}

func TestReconcileVerifiesExactBalance(t *testing.T) {
	pos := activePosition("pos-1", "rWallet", "vault-1", "100")
	reader := chain.NewMockReader()
	reader.SetPosition("vault-1", "rWallet", chain.VaultPosition{
		Amount: decimal.RequireFromString("100"),
	})

	rec := newTestReconciler(&staticLister{positions: []*Position{pos}}, reader, &staticPrices{price: decimal.RequireFromString("0.5")}, "0.0001", time.Second)

	summary, err := rec.Reconcile(context.Background(), "rWallet")
	require.NoError(t, err)

	got := summary.Positions[0]
	assert.Equal(t, VerificationVerified, got.Verification)
	assert.Nil(t, got.Discrepancy)
	assert.True(t, summary.OnChainVerified)
	assert.True(t, summary.TotalValue.Equal(decimal.RequireFromString("50")))
}

func TestReconcileExactMatchVerifiedWithZeroTolerance(t *testing.T) {
	pos := activePosition("pos-1", "rWallet", "vault-1", "100")
	reader := chain.NewMockReader()
	reader.SetPosition("vault-1", "rWallet", chain.VaultPosition{
		Amount: decimal.RequireFromString("100"),
	})

	rec := newTestReconciler(&staticLister{positions: []*Position{pos}}, reader, &staticPrices{price: decimal.RequireFromString("1")}, "0", time.Second)

	summary, err := rec.Reconcile(context.Background(), "rWallet")
	require.NoError(t, err)

	got := summary.Positions[0]
	assert.Equal(t, VerificationVerified, got.Verification,
		"a zero-width window must still verify an exact match")
	assert.Nil(t, got.Discrepancy)
}

func TestReconcileNonBridgeAssetNotApplicable(t *testing.T) {
	pos := activePosition("pos-1", "rWallet", "vault-1", "100")
	pos.Asset = "XRP"

	// No chain entry: a ledger-native holding is never read back.
	rec := newTestReconciler(&staticLister{positions: []*Position{pos}}, chain.NewMockReader(), &staticPrices{price: decimal.RequireFromString("1")}, "0.0001", time.Second)

	summary, err := rec.Reconcile(context.Background(), "rWallet")
	require.NoError(t, err)

	got := summary.Positions[0]
	assert.Equal(t, VerificationNotApplicable, got.Verification)
	assert.Nil(t, got.Discrepancy)
	assert.False(t, summary.OnChainVerified)
}

func TestReconcileReadFailureDegradesOnePosition(t *testing.T) {
	good := activePosition("pos-1", "rWallet", "vault-1", "10")
	bad := activePosition("pos-2", "rWallet", "vault-2", "20")

	reader := chain.NewMockReader()
	reader.SetPosition("vault-1", "rWallet", chain.VaultPosition{
		Amount: decimal.RequireFromString("10"),
	})
	// vault-2 has no entry: the read fails with not found.

	rec := newTestReconciler(&staticLister{positions: []*Position{good, bad}}, reader, &staticPrices{price: decimal.RequireFromString("1")}, "0.0001", time.Second)

	summary, err := rec.Reconcile(context.Background(), "rWallet")
	require.NoError(t, err, "one failed read must not abort the batch")
	require.Len(t, summary.Positions, 2)

	assert.Equal(t, VerificationVerified, summary.Positions[0].Verification)
	assert.Equal(t, VerificationNotApplicable, summary.Positions[1].Verification)
	assert.Nil(t, summary.Positions[1].Discrepancy)
	assert.False(t, summary.OnChainVerified)
}

func TestReconcilePriceFailureValuesAtZero(t *testing.T) {
	pos := activePosition("pos-1", "rWallet", "vault-1", "100")
	reader := chain.NewMockReader()
	reader.SetPosition("vault-1", "rWallet", chain.VaultPosition{
		Amount: decimal.RequireFromString("100"),
	})

	rec := newTestReconciler(&staticLister{positions: []*Position{pos}}, reader, &staticPrices{err: errors.New("provider down")}, "0.0001", time.Second)

	summary, err := rec.Reconcile(context.Background(), "rWallet")
	require.NoError(t, err)
	assert.True(t, summary.Positions[0].USDValue.IsZero())
	assert.Equal(t, VerificationVerified, summary.Positions[0].Verification,
		"price failure must not affect verification")
}

func TestReconcileRequiresWallet(t *testing.T) {
	rec := newTestReconciler(&staticLister{}, chain.NewMockReader(), &staticPrices{}, "0.0001", time.Second)

	_, err := rec.Reconcile(context.Background(), "")
	assert.ErrorIs(t, err, ErrWalletRequired)
}

func TestReconcileTimesOut(t *testing.T) {
	lister := &staticLister{delay: 200 * time.Millisecond}
	rec := newTestReconciler(lister, chain.NewMockReader(), &staticPrices{}, "0.0001", 20*time.Millisecond)

	_, err := rec.Reconcile(context.Background(), "rWallet")
	assert.ErrorIs(t, err, ErrReconciliationTimeout)
}

func TestReconcileSkipsWithdrawnPositions(t *testing.T) {
	withdrawn := activePosition("pos-1", "rWallet", "vault-1", "50")
	withdrawn.Status = PositionStatusWithdrawn

	rec := newTestReconciler(&staticLister{positions: []*Position{withdrawn}}, chain.NewMockReader(), &staticPrices{}, "0.0001", time.Second)

	summary, err := rec.Reconcile(context.Background(), "rWallet")
	require.NoError(t, err)
	assert.Empty(t, summary.Positions)
}
