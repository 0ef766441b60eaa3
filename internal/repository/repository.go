package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("record not found")

// Store is the persistence surface for bridge jobs, vault positions and
// withdrawal requests. Postgres in production, NewMemory in tests and dev.
type Store interface {
	SaveJob(ctx context.Context, job *bridge.Job) error
	GetJob(ctx context.Context, jobID string) (*bridge.Job, error)
	ListJobsByWallet(ctx context.Context, wallet string) ([]*bridge.Job, error)
	ListOpenJobs(ctx context.Context) ([]*bridge.Job, error)

	UpsertPosition(ctx context.Context, pos *positions.Position) error
	GetPosition(ctx context.Context, id string) (*positions.Position, error)
	ListPositionsByWallet(ctx context.Context, wallet string) ([]*positions.Position, error)

	CreateWithdrawal(ctx context.Context, req *positions.WithdrawalRequest) error
	SaveWithdrawal(ctx context.Context, req *positions.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (*positions.WithdrawalRequest, error)
	ListWithdrawalsByWallet(ctx context.Context, wallet string) ([]*positions.WithdrawalRequest, error)
	ListOpenWithdrawals(ctx context.Context) ([]*positions.WithdrawalRequest, error)

	Ping(ctx context.Context) error
}

type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Bridge jobs

func (r *Repository) SaveJob(ctx context.Context, job *bridge.Job) error {
	query := `
		INSERT INTO bridge_jobs (id, wallet_address, source_chain, dest_chain,
			amount_requested, amount_rounded, shortfall, status,
			source_tx_hash, dest_tx_hash, agent_reference, error_message,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			source_tx_hash = EXCLUDED.source_tx_hash,
			dest_tx_hash = EXCLUDED.dest_tx_hash,
			agent_reference = EXCLUDED.agent_reference,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.WalletAddress,
		string(job.SourceChain),
		string(job.DestChain),
		job.AmountRequested,
		job.AmountRounded,
		job.Shortfall,
		string(job.Status),
		job.SourceTxHash,
		job.DestTxHash,
		job.AgentReference,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save bridge job: %w", err)
	}
	return nil
}

const jobColumns = `id, wallet_address, source_chain, dest_chain,
	amount_requested, amount_rounded, shortfall, status,
	source_tx_hash, dest_tx_hash, agent_reference, error_message,
	created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*bridge.Job, error) {
	var job bridge.Job
	var sourceChain, destChain, status string

	err := row.Scan(
		&job.ID,
		&job.WalletAddress,
		&sourceChain,
		&destChain,
		&job.AmountRequested,
		&job.AmountRounded,
		&job.Shortfall,
		&status,
		&job.SourceTxHash,
		&job.DestTxHash,
		&job.AgentReference,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.SourceChain = bridge.ChainID(sourceChain)
	job.DestChain = bridge.ChainID(destChain)
	job.Status = bridge.JobStatus(status)
	return &job, nil
}

func (r *Repository) GetJob(ctx context.Context, jobID string) (*bridge.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM bridge_jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bridge job: %w", err)
	}
	return job, nil
}

func (r *Repository) ListJobsByWallet(ctx context.Context, wallet string) ([]*bridge.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM bridge_jobs WHERE wallet_address = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query bridge jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*bridge.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridge job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

// ListOpenJobs returns every job that has not reached a terminal status, for
// poller recovery after a restart.
func (r *Repository) ListOpenJobs(ctx context.Context) ([]*bridge.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM bridge_jobs
		WHERE status NOT IN ('minted', 'failed', 'expired', 'cancelled')
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*bridge.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridge job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

// Positions

func (r *Repository) UpsertPosition(ctx context.Context, pos *positions.Position) error {
	query := `
		INSERT INTO positions (id, wallet_address, vault_id, source_job_id, asset,
			amount, rewards, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			rewards = EXCLUDED.rewards,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		pos.ID,
		pos.WalletAddress,
		pos.VaultID,
		pos.SourceJobID,
		pos.Asset,
		pos.Amount,
		pos.Rewards,
		string(pos.Status),
		pos.CreatedAt,
		pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

const positionColumns = `id, wallet_address, vault_id, source_job_id, asset,
	amount, rewards, status, created_at, updated_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (*positions.Position, error) {
	var pos positions.Position
	var status string

	err := row.Scan(
		&pos.ID,
		&pos.WalletAddress,
		&pos.VaultID,
		&pos.SourceJobID,
		&pos.Asset,
		&pos.Amount,
		&pos.Rewards,
		&status,
		&pos.CreatedAt,
		&pos.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pos.Status = positions.PositionStatus(status)
	return &pos, nil
}

func (r *Repository) GetPosition(ctx context.Context, id string) (*positions.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	pos, err := scanPosition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return pos, nil
}

func (r *Repository) ListPositionsByWallet(ctx context.Context, wallet string) ([]*positions.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE wallet_address = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var list []*positions.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		list = append(list, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return list, nil
}

// Withdrawals

func (r *Repository) CreateWithdrawal(ctx context.Context, req *positions.WithdrawalRequest) error {
	query := `
		INSERT INTO withdrawal_requests (id, wallet_address, vault_id, position_id,
			type, amount, asset, status, tx_hash, rejection_reason,
			requested_at, processed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		req.ID,
		req.WalletAddress,
		req.VaultID,
		req.PositionID,
		string(req.Type),
		req.Amount,
		req.Asset,
		string(req.Status),
		req.TxHash,
		req.RejectionReason,
		req.RequestedAt,
		req.ProcessedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal request: %w", err)
	}
	return nil
}

func (r *Repository) SaveWithdrawal(ctx context.Context, req *positions.WithdrawalRequest) error {
	query := `
		UPDATE withdrawal_requests SET
			status = $2,
			tx_hash = $3,
			rejection_reason = $4,
			processed_at = $5,
			updated_at = $6
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		req.ID,
		string(req.Status),
		req.TxHash,
		req.RejectionReason,
		req.ProcessedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const withdrawalColumns = `id, wallet_address, vault_id, position_id,
	type, amount, asset, status, tx_hash, rejection_reason,
	requested_at, processed_at, updated_at`

func scanWithdrawal(row interface{ Scan(...interface{}) error }) (*positions.WithdrawalRequest, error) {
	var req positions.WithdrawalRequest
	var wtype, status string

	err := row.Scan(
		&req.ID,
		&req.WalletAddress,
		&req.VaultID,
		&req.PositionID,
		&wtype,
		&req.Amount,
		&req.Asset,
		&status,
		&req.TxHash,
		&req.RejectionReason,
		&req.RequestedAt,
		&req.ProcessedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Type = positions.WithdrawalType(wtype)
	req.Status = positions.WithdrawalStatus(status)
	return &req, nil
}

func (r *Repository) GetWithdrawal(ctx context.Context, id string) (*positions.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE id = $1`

	req, err := scanWithdrawal(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal request: %w", err)
	}
	return req, nil
}

func (r *Repository) ListWithdrawalsByWallet(ctx context.Context, wallet string) ([]*positions.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests
		WHERE wallet_address = $1 ORDER BY requested_at DESC`

	rows, err := r.db.QueryContext(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawal requests: %w", err)
	}
	defer rows.Close()

	var list []*positions.WithdrawalRequest
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return list, nil
}

// ListOpenWithdrawals returns every request that has not reached a terminal
// status, for the background payout confirmation sweep.
func (r *Repository) ListOpenWithdrawals(ctx context.Context) ([]*positions.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests
		WHERE status NOT IN ('rejected', 'completed', 'failed')
		ORDER BY requested_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open withdrawals: %w", err)
	}
	defer rows.Close()

	var list []*positions.WithdrawalRequest
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return list, nil
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
