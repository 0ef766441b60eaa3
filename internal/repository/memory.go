package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
)

// Memory is an in-process Store used by tests and by dev mode when no
// Postgres DSN is configured. Values are copied on the way in and out so
// callers cannot mutate stored state.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]bridge.Job
	positions   map[string]positions.Position
	withdrawals map[string]positions.WithdrawalRequest
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]bridge.Job),
		positions:   make(map[string]positions.Position),
		withdrawals: make(map[string]positions.WithdrawalRequest),
	}
}

func (m *Memory) SaveJob(_ context.Context, job *bridge.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*bridge.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := job
	return &out, nil
}

func (m *Memory) ListJobsByWallet(_ context.Context, wallet string) ([]*bridge.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*bridge.Job
	for _, job := range m.jobs {
		if job.WalletAddress != wallet {
			continue
		}
		out := job
		jobs = append(jobs, &out)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *Memory) ListOpenJobs(_ context.Context) ([]*bridge.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*bridge.Job
	for _, job := range m.jobs {
		if job.Status.Terminal() {
			continue
		}
		out := job
		jobs = append(jobs, &out)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *Memory) UpsertPosition(_ context.Context, pos *positions.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = *pos
	return nil
}

func (m *Memory) GetPosition(_ context.Context, id string) (*positions.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := pos
	return &out, nil
}

func (m *Memory) ListPositionsByWallet(_ context.Context, wallet string) ([]*positions.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*positions.Position
	for _, pos := range m.positions {
		if pos.WalletAddress != wallet {
			continue
		}
		out := pos
		list = append(list, &out)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (m *Memory) CreateWithdrawal(_ context.Context, req *positions.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals[req.ID] = *req
	return nil
}

func (m *Memory) SaveWithdrawal(_ context.Context, req *positions.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[req.ID]; !ok {
		return ErrNotFound
	}
	m.withdrawals[req.ID] = *req
	return nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id string) (*positions.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := req
	return &out, nil
}

func (m *Memory) ListWithdrawalsByWallet(_ context.Context, wallet string) ([]*positions.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*positions.WithdrawalRequest
	for _, req := range m.withdrawals {
		if req.WalletAddress != wallet {
			continue
		}
		out := req
		list = append(list, &out)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RequestedAt.After(list[j].RequestedAt) })
	return list, nil
}

func (m *Memory) ListOpenWithdrawals(_ context.Context) ([]*positions.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*positions.WithdrawalRequest
	for _, req := range m.withdrawals {
		if req.Status.Terminal() {
			continue
		}
		out := req
		list = append(list, &out)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RequestedAt.Before(list[j].RequestedAt) })
	return list, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }
