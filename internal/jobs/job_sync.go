package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/ledger"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/repository"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/store"
)

// JobSync keeps persisted state converging with the outside world while no
// client is connected. Each pass it refreshes every open bridge job, settles
// minted jobs into vault positions, and confirms ledger payout finality for
// in-flight withdrawals. The bridge stays authoritative for job status; the
// ledger is authoritative only for the payout leg.
type JobSync struct {
	repo    repository.Store
	poller  *bridge.Poller
	ledger  ledger.Reader
	cache   *store.Cache
	clock   scheduler.Clock
	logger  *zap.SugaredLogger
	vaultID string
}

func NewJobSync(
	repo repository.Store,
	poller *bridge.Poller,
	ledgerReader ledger.Reader,
	cache *store.Cache,
	clock scheduler.Clock,
	logger *zap.SugaredLogger,
	vaultID string,
) *JobSync {
	return &JobSync{
		repo:    repo,
		poller:  poller,
		ledger:  ledgerReader,
		cache:   cache,
		clock:   clock,
		logger:  logger,
		vaultID: vaultID,
	}
}

// Run blocks until ctx is cancelled.
func (s *JobSync) Run(ctx context.Context, interval time.Duration) {
	scheduler.Repeat(ctx, s.clock, interval, "job-sync", s.logger, s.Sweep)
}

// Sweep performs one pass. A failure on one job never aborts the pass.
func (s *JobSync) Sweep(ctx context.Context) error {
	open, err := s.repo.ListOpenJobs(ctx)
	if err != nil {
		return err
	}

	for _, stored := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.syncJob(ctx, stored)
	}

	return s.confirmWithdrawals(ctx)
}

func (s *JobSync) syncJob(ctx context.Context, stored *bridge.Job) {
	fresh, err := s.poller.Fetch(ctx, stored.ID)
	if err != nil {
		s.logger.Warnw("Job refresh failed", "jobId", stored.ID, "error", err)
		return
	}
	if fresh.UpdatedAt.Before(stored.UpdatedAt) {
		return
	}

	// The bridge does not know the pre-rounding request.
	fresh.AmountRequested = stored.AmountRequested
	fresh.Shortfall = stored.Shortfall

	changed := fresh.Status != stored.Status ||
		fresh.SourceTxHash != stored.SourceTxHash ||
		fresh.DestTxHash != stored.DestTxHash
	if changed {
		if err := s.repo.SaveJob(ctx, fresh); err != nil {
			s.logger.Errorw("Failed to persist refreshed job", "jobId", fresh.ID, "error", err)
			return
		}
		s.publish(ctx, fresh.WalletAddress, "job", fresh.ID)
	}

	if fresh.Status == bridge.JobStatusMinted {
		s.settle(ctx, fresh)
	}
}

// settle records the vault position for a minted job. The position amount is
// the rounded amount; the shortfall never left the user's ledger wallet.
func (s *JobSync) settle(ctx context.Context, job *bridge.Job) {
	existing, err := s.repo.ListPositionsByWallet(ctx, job.WalletAddress)
	if err != nil {
		s.logger.Errorw("Failed to check settled positions", "jobId", job.ID, "error", err)
		return
	}
	for _, pos := range existing {
		if pos.SourceJobID == job.ID {
			return // already settled
		}
	}

	now := s.clock.Now()
	pos := &positions.Position{
		ID:            uuid.NewString(),
		WalletAddress: job.WalletAddress,
		VaultID:       s.vaultID,
		SourceJobID:   job.ID,
		Asset:         "FXRP",
		Amount:        job.AmountRounded,
		Status:        positions.PositionStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.UpsertPosition(ctx, pos); err != nil {
		s.logger.Errorw("Failed to settle position", "jobId", job.ID, "error", err)
		return
	}

	s.logger.Infow("Minted job settled into position",
		"jobId", job.ID,
		"positionId", pos.ID,
		"amount", pos.Amount,
	)
	s.publish(ctx, job.WalletAddress, "position", pos.ID)
}

// confirmWithdrawals promotes processing withdrawals whose ledger payout has
// reached finality. Only the ledger leg is ours to confirm; earlier status
// transitions come from the bridge agent.
func (s *JobSync) confirmWithdrawals(ctx context.Context) error {
	open, err := s.repo.ListOpenWithdrawals(ctx)
	if err != nil {
		return err
	}
	for _, req := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.confirmOne(ctx, req)
	}
	return nil
}

func (s *JobSync) confirmOne(ctx context.Context, req *positions.WithdrawalRequest) {
	if req.Status != positions.WithdrawalStatusProcessing || req.TxHash == "" {
		return
	}

	status, err := s.ledger.GetTransaction(ctx, req.TxHash)
	if err != nil {
		s.logger.Warnw("Payout status check failed", "withdrawalId", req.ID, "error", err)
		return
	}

	now := s.clock.Now()
	switch status {
	case ledger.TxStatusValidated:
		req.Status = positions.WithdrawalStatusCompleted
		req.ProcessedAt = &now
	case ledger.TxStatusFailed:
		req.Status = positions.WithdrawalStatusFailed
		req.RejectionReason = "ledger payout transaction failed"
		req.ProcessedAt = &now
	default:
		return
	}
	req.UpdatedAt = now

	if err := s.repo.SaveWithdrawal(ctx, req); err != nil {
		s.logger.Errorw("Failed to persist withdrawal confirmation", "withdrawalId", req.ID, "error", err)
		return
	}
	s.logger.Infow("Withdrawal payout confirmed",
		"withdrawalId", req.ID,
		"status", req.Status,
		"txHash", req.TxHash,
	)
	s.publish(ctx, req.WalletAddress, "withdrawal", req.ID)

	if req.Status == positions.WithdrawalStatusCompleted {
		s.supersedePosition(ctx, req)
	}
}

// supersedePosition applies a completed withdrawal to its linked position.
// A full withdrawal marks the position withdrawn; a partial one reduces the
// principal. The position record is kept, not deleted, so reconciliation
// stops comparing a drained vault balance against a stale recorded amount.
func (s *JobSync) supersedePosition(ctx context.Context, req *positions.WithdrawalRequest) {
	if req.PositionID == "" {
		return
	}
	pos, err := s.repo.GetPosition(ctx, req.PositionID)
	if err != nil {
		s.logger.Errorw("Failed to load position for completed withdrawal",
			"withdrawalId", req.ID, "positionId", req.PositionID, "error", err)
		return
	}
	if pos.Status == positions.PositionStatusWithdrawn {
		return
	}

	switch req.Type {
	case positions.WithdrawalTypeFull:
		pos.Amount = decimal.Zero
		pos.Status = positions.PositionStatusWithdrawn
	default:
		pos.Amount = pos.Amount.Sub(req.Amount)
		if !pos.Amount.IsPositive() {
			pos.Amount = decimal.Zero
			pos.Status = positions.PositionStatusWithdrawn
		}
	}
	pos.UpdatedAt = s.clock.Now()

	if err := s.repo.UpsertPosition(ctx, pos); err != nil {
		s.logger.Errorw("Failed to supersede position",
			"withdrawalId", req.ID, "positionId", pos.ID, "error", err)
		return
	}
	s.logger.Infow("Position superseded by withdrawal",
		"withdrawalId", req.ID,
		"positionId", pos.ID,
		"status", pos.Status,
		"remaining", pos.Amount,
	)
	s.publish(ctx, pos.WalletAddress, "position", pos.ID)
}

func (s *JobSync) publish(ctx context.Context, wallet, kind, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateWallet(ctx, wallet); err != nil {
		s.logger.Warnw("Cache invalidation failed", "wallet", wallet, "error", err)
	}
	event := map[string]interface{}{
		"wallet": wallet,
		"kind":   kind,
		"id":     id,
		"at":     s.clock.Now().Unix(),
	}
	if err := s.cache.Publish(ctx, store.ChannelActivity, event); err != nil {
		s.logger.Warnw("Activity publish failed", "wallet", wallet, "error", err)
	}
}
