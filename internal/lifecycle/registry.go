package lifecycle

import (
	"sync"
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
)

// trackerRetention is how long a tracker that reached a terminal stage stays
// registered. After that it is pruned and the next read rebuilds it from the
// persisted record, the same way a restart would.
const trackerRetention = 24 * time.Hour

type depositEntry struct {
	tracker  *DepositTracker
	expireAt time.Time // zero until the tracker reaches a terminal stage
}

type withdrawalEntry struct {
	tracker  *WithdrawalTracker
	expireAt time.Time
}

// Registry keeps one live tracker per observed deposit job and withdrawal
// request so reads across HTTP requests share delayed/stale state and the
// cancel and dismiss rules hold process-wide. Trackers are created lazily on
// first observation; terminal trackers are dropped after a retention window
// so the maps stay bounded in a long-lived process.
type Registry struct {
	clock           scheduler.Clock
	depositCeiling  time.Duration
	withdrawCeiling time.Duration

	mu          sync.Mutex
	deposits    map[string]*depositEntry
	withdrawals map[string]*withdrawalEntry
}

func NewRegistry(clock scheduler.Clock, depositCeiling, withdrawCeiling time.Duration) *Registry {
	return &Registry{
		clock:           clock,
		depositCeiling:  depositCeiling,
		withdrawCeiling: withdrawCeiling,
		deposits:        make(map[string]*depositEntry),
		withdrawals:     make(map[string]*withdrawalEntry),
	}
}

func (r *Registry) pruneLocked(now time.Time) {
	for id, e := range r.deposits {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(r.deposits, id)
		}
	}
	for id, e := range r.withdrawals {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(r.withdrawals, id)
		}
	}
}

func (r *Registry) depositTracker(jobID string) *DepositTracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.clock.Now())
	e, ok := r.deposits[jobID]
	if !ok {
		e = &depositEntry{tracker: NewDepositTracker(r.clock, r.depositCeiling)}
		r.deposits[jobID] = e
	}
	return e.tracker
}

func (r *Registry) withdrawalTracker(id string) *WithdrawalTracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.clock.Now())
	e, ok := r.withdrawals[id]
	if !ok {
		e = &withdrawalEntry{tracker: NewWithdrawalTracker(r.clock, r.withdrawCeiling)}
		r.withdrawals[id] = e
	}
	return e.tracker
}

func (r *Registry) markDepositTerminal(jobID string, terminal bool) {
	if !terminal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.deposits[jobID]; ok && e.expireAt.IsZero() {
		e.expireAt = r.clock.Now().Add(trackerRetention)
	}
}

func (r *Registry) markWithdrawalTerminal(id string, terminal bool) {
	if !terminal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.withdrawals[id]; ok && e.expireAt.IsZero() {
		e.expireAt = r.clock.Now().Add(trackerRetention)
	}
}

// ObserveDeposit folds the latest job and position snapshots into the job's
// tracker and returns the resulting state. A recorded source tx hash implies
// the ledger payment was broadcast.
func (r *Registry) ObserveDeposit(job *bridge.Job, pos *positions.Position) DepositState {
	t := r.depositTracker(job.ID)
	if job.SourceTxHash != "" {
		t.PaymentBroadcast()
	}
	switch job.Status {
	case bridge.JobStatusPaid, bridge.JobStatusMinting, bridge.JobStatusMinted:
		t.PaymentConfirmed()
	}
	t.Observe(job, pos)
	state := t.Snapshot()
	r.markDepositTerminal(job.ID, state.Stage.Terminal())
	return state
}

// DepositPaymentBroadcast records a client-reported ledger payment broadcast
// for the job. Confirmed additionally records ledger finality.
func (r *Registry) DepositPaymentBroadcast(jobID string, confirmed bool) DepositState {
	t := r.depositTracker(jobID)
	t.PaymentBroadcast()
	if confirmed {
		t.PaymentConfirmed()
	}
	return t.Snapshot()
}

// CancelDeposit cancels the job's tracker. ErrCancelNotAllowed once the
// ledger payment is in flight or a terminal stage was reached.
func (r *Registry) CancelDeposit(job *bridge.Job) error {
	t := r.depositTracker(job.ID)
	if job.SourceTxHash != "" {
		t.PaymentBroadcast()
	}
	switch job.Status {
	case bridge.JobStatusPaid, bridge.JobStatusMinting, bridge.JobStatusMinted:
		t.PaymentConfirmed()
	}
	t.Observe(job, nil)
	err := t.Cancel()
	r.markDepositTerminal(job.ID, t.Snapshot().Stage.Terminal())
	return err
}

// ObserveWithdrawal folds the latest persisted request into its tracker and
// returns the resulting state.
func (r *Registry) ObserveWithdrawal(req *positions.WithdrawalRequest) WithdrawalState {
	t := r.withdrawalTracker(req.ID)
	t.Observe(req)
	state := t.Snapshot()
	r.markWithdrawalTerminal(req.ID, state.Stage.Terminal())
	return state
}

// DismissWithdrawal hides a terminal withdrawal from listings. The persisted
// record is untouched; after the retention window or a restart the tracker
// rebuilds and the item resurfaces.
func (r *Registry) DismissWithdrawal(req *positions.WithdrawalRequest) error {
	t := r.withdrawalTracker(req.ID)
	t.Observe(req)
	return t.Dismiss()
}
