package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/ledger"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/repository"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/store"
)

type syncEnv struct {
	sync   *JobSync
	repo   *repository.Memory
	bridge *bridge.MockClient
	ledger *ledger.MockReader
	clock  *scheduler.FakeClock
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	clock := scheduler.NewFakeClock(time.Now())
	repo := repository.NewMemory()
	client := bridge.NewMockClient(false)
	ledgerReader := ledger.NewMockReader()
	poller := bridge.NewPoller(client, clock, logger, nil, bridge.PollerConfig{
		Interval:    time.Second,
		MaxFailures: 3,
	})
	cache := store.NewMemoryCache(logger)

	return &syncEnv{
		sync:   NewJobSync(repo, poller, ledgerReader, cache, clock, logger, "vault-1"),
		repo:   repo,
		bridge: client,
		ledger: ledgerReader,
		clock:  clock,
	}
}

func (e *syncEnv) reserveJob(t *testing.T, wallet string, amount decimal.Decimal) *bridge.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.bridge.Reserve(ctx, bridge.ReserveRequest{WalletAddress: wallet, Amount: amount})
	require.NoError(t, err)
	require.NoError(t, e.repo.SaveJob(ctx, job))
	return job
}

func TestSweepSettlesMintedJob(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	job := env.reserveJob(t, "rWallet1", decimal.RequireFromString("23.45"))
	require.NoError(t, env.bridge.SetStatus(job.ID, bridge.JobStatusMinted, ""))

	require.NoError(t, env.sync.Sweep(ctx))

	stored, err := env.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, bridge.JobStatusMinted, stored.Status)

	settled, err := env.repo.ListPositionsByWallet(ctx, "rWallet1")
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, job.ID, settled[0].SourceJobID)
	assert.Equal(t, "FXRP", settled[0].Asset)
	assert.Equal(t, "vault-1", settled[0].VaultID)
	assert.True(t, settled[0].Amount.Equal(job.AmountRounded))
}

func TestSweepSettleIsIdempotent(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	job := env.reserveJob(t, "rWallet1", decimal.RequireFromString("10"))
	require.NoError(t, env.bridge.SetStatus(job.ID, bridge.JobStatusMinted, ""))
	require.NoError(t, env.sync.Sweep(ctx))

	// Roll the stored copy back so the job looks open again.
	stored, err := env.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	stored.Status = bridge.JobStatusMinting
	stored.UpdatedAt = stored.UpdatedAt.Add(-time.Minute)
	require.NoError(t, env.repo.SaveJob(ctx, stored))

	require.NoError(t, env.sync.Sweep(ctx))

	settled, err := env.repo.ListPositionsByWallet(ctx, "rWallet1")
	require.NoError(t, err)
	assert.Len(t, settled, 1)
}

func TestSweepPreservesRequestedAmount(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	job := env.reserveJob(t, "rWallet1", decimal.RequireFromString("23.45"))

	// The persisted record carries the pre-rounding request.
	job.AmountRequested = decimal.RequireFromString("23.4567")
	job.Shortfall = decimal.RequireFromString("0.0067")
	require.NoError(t, env.repo.SaveJob(ctx, job))

	require.NoError(t, env.bridge.SetStatus(job.ID, bridge.JobStatusMinting, ""))
	require.NoError(t, env.sync.Sweep(ctx))

	stored, err := env.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, bridge.JobStatusMinting, stored.Status)
	assert.True(t, stored.AmountRequested.Equal(decimal.RequireFromString("23.4567")))
	assert.True(t, stored.Shortfall.Equal(decimal.RequireFromString("0.0067")))
}

func TestSweepConfirmsValidatedPayout(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	req := &positions.WithdrawalRequest{
		ID:            "wd-1",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		Type:          positions.WithdrawalTypeFull,
		Amount:        decimal.RequireFromString("50"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusProcessing,
		TxHash:        "payout-abc",
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))
	env.ledger.SetTransaction("payout-abc", ledger.TxStatusValidated)

	require.NoError(t, env.sync.Sweep(ctx))

	stored, err := env.repo.GetWithdrawal(ctx, "wd-1")
	require.NoError(t, err)
	assert.Equal(t, positions.WithdrawalStatusCompleted, stored.Status)
	require.NotNil(t, stored.ProcessedAt)
}

func TestSweepMarksFailedPayout(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	req := &positions.WithdrawalRequest{
		ID:            "wd-2",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		Type:          positions.WithdrawalTypePartial,
		Amount:        decimal.RequireFromString("5"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusProcessing,
		TxHash:        "payout-bad",
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))
	env.ledger.SetTransaction("payout-bad", ledger.TxStatusFailed)

	require.NoError(t, env.sync.Sweep(ctx))

	stored, err := env.repo.GetWithdrawal(ctx, "wd-2")
	require.NoError(t, err)
	assert.Equal(t, positions.WithdrawalStatusFailed, stored.Status)
	assert.Equal(t, "ledger payout transaction failed", stored.RejectionReason)
}

func TestSweepLeavesPendingPayoutAlone(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	req := &positions.WithdrawalRequest{
		ID:            "wd-3",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		Type:          positions.WithdrawalTypeFull,
		Amount:        decimal.RequireFromString("1"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusProcessing,
		TxHash:        "payout-pending",
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))

	require.NoError(t, env.sync.Sweep(ctx))

	stored, err := env.repo.GetWithdrawal(ctx, "wd-3")
	require.NoError(t, err)
	assert.Equal(t, positions.WithdrawalStatusProcessing, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
}

func (e *syncEnv) seedPosition(t *testing.T, id, wallet, amount string) *positions.Position {
	t.Helper()
	pos := &positions.Position{
		ID:            id,
		WalletAddress: wallet,
		VaultID:       "vault-1",
		Asset:         "FXRP",
		Amount:        decimal.RequireFromString(amount),
		Status:        positions.PositionStatusActive,
		CreatedAt:     e.clock.Now(),
		UpdatedAt:     e.clock.Now(),
	}
	require.NoError(t, e.repo.UpsertPosition(context.Background(), pos))
	return pos
}

func TestSweepSupersedesPositionOnFullWithdrawal(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	env.seedPosition(t, "pos-1", "rWallet1", "50")
	req := &positions.WithdrawalRequest{
		ID:            "wd-5",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		PositionID:    "pos-1",
		Type:          positions.WithdrawalTypeFull,
		Amount:        decimal.RequireFromString("50"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusProcessing,
		TxHash:        "payout-full",
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))
	env.ledger.SetTransaction("payout-full", ledger.TxStatusValidated)

	require.NoError(t, env.sync.Sweep(ctx))

	pos, err := env.repo.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, positions.PositionStatusWithdrawn, pos.Status)
	assert.True(t, pos.Amount.IsZero())
}

func TestSweepReducesPositionOnPartialWithdrawal(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	env.seedPosition(t, "pos-2", "rWallet1", "50")
	req := &positions.WithdrawalRequest{
		ID:            "wd-6",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		PositionID:    "pos-2",
		Type:          positions.WithdrawalTypePartial,
		Amount:        decimal.RequireFromString("20"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusProcessing,
		TxHash:        "payout-partial",
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))
	env.ledger.SetTransaction("payout-partial", ledger.TxStatusValidated)

	require.NoError(t, env.sync.Sweep(ctx))

	pos, err := env.repo.GetPosition(ctx, "pos-2")
	require.NoError(t, err)
	assert.Equal(t, positions.PositionStatusActive, pos.Status)
	assert.True(t, pos.Amount.Equal(decimal.RequireFromString("30")))
}

func TestSweepPartialDrainMarksPositionWithdrawn(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	env.seedPosition(t, "pos-3", "rWallet1", "20")
	req := &positions.WithdrawalRequest{
		ID:            "wd-7",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		PositionID:    "pos-3",
		Type:          positions.WithdrawalTypePartial,
		Amount:        decimal.RequireFromString("20"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusProcessing,
		TxHash:        "payout-drain",
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))
	env.ledger.SetTransaction("payout-drain", ledger.TxStatusValidated)

	require.NoError(t, env.sync.Sweep(ctx))

	pos, err := env.repo.GetPosition(ctx, "pos-3")
	require.NoError(t, err)
	assert.Equal(t, positions.PositionStatusWithdrawn, pos.Status)
	assert.True(t, pos.Amount.IsZero())
}

func TestSweepFailedPayoutLeavesPositionIntact(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	env.seedPosition(t, "pos-4", "rWallet1", "50")
	req := &positions.WithdrawalRequest{
		ID:            "wd-8",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		PositionID:    "pos-4",
		Type:          positions.WithdrawalTypeFull,
		Amount:        decimal.RequireFromString("50"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusProcessing,
		TxHash:        "payout-reject",
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))
	env.ledger.SetTransaction("payout-reject", ledger.TxStatusFailed)

	require.NoError(t, env.sync.Sweep(ctx))

	pos, err := env.repo.GetPosition(ctx, "pos-4")
	require.NoError(t, err)
	assert.Equal(t, positions.PositionStatusActive, pos.Status)
	assert.True(t, pos.Amount.Equal(decimal.RequireFromString("50")))
}

func TestSweepSkipsWithdrawalWithoutTxHash(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	req := &positions.WithdrawalRequest{
		ID:            "wd-4",
		WalletAddress: "rWallet1",
		VaultID:       "vault-1",
		Type:          positions.WithdrawalTypeFull,
		Amount:        decimal.RequireFromString("2"),
		Asset:         "FXRP",
		Status:        positions.WithdrawalStatusPending,
		RequestedAt:   env.clock.Now(),
		UpdatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.repo.CreateWithdrawal(ctx, req))

	require.NoError(t, env.sync.Sweep(ctx))

	stored, err := env.repo.GetWithdrawal(ctx, "wd-4")
	require.NoError(t, err)
	assert.Equal(t, positions.WithdrawalStatusPending, stored.Status)
}
