package lifecycle

import (
	"errors"
	"sync"
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
)

var ErrDismissNotAllowed = errors.New("dismiss not allowed before a terminal stage")

// WithdrawalState is a caller-facing snapshot of one withdrawal's lifecycle.
// Stale is raised when the sending stage has seen no payout update within the
// configured ceiling; the stage itself stays at sending because elapsed time
// is not an authoritative failure signal.
type WithdrawalState struct {
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Stale     bool      `json:"stale"`
	Dismissed bool      `json:"dismissed"`
	TxHash    string    `json:"txHash,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WithdrawalTracker derives a withdrawal's stage from the persisted request
// status. Dismissal clears UI-facing state only and is permitted solely from
// terminal stages so an in-flight payout can never be orphaned.
type WithdrawalTracker struct {
	mu sync.Mutex

	clock   scheduler.Clock
	ceiling time.Duration

	stage       Stage
	progress    int
	txHash      string
	reason      string
	dismissed   bool
	lastAdvance time.Time
}

func NewWithdrawalTracker(clock scheduler.Clock, ceiling time.Duration) *WithdrawalTracker {
	return &WithdrawalTracker{
		clock:       clock,
		ceiling:     ceiling,
		stage:       StageCreating,
		progress:    withdrawalProgress[StageCreating],
		lastAdvance: clock.Now(),
	}
}

// Observe folds in the latest persisted request. Nil means "no update" and
// leaves the tracker untouched. The stage index never regresses except into
// the terminal error stage.
func (t *WithdrawalTracker) Observe(req *positions.WithdrawalRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req == nil || t.stage.Terminal() {
		return
	}

	switch req.Status {
	case positions.WithdrawalStatusRejected, positions.WithdrawalStatusFailed:
		t.stage = StageError
		t.reason = req.RejectionReason
		t.lastAdvance = t.clock.Now()
		return
	}

	target := WithdrawalStageForStatus(req.Status)
	if req.TxHash != "" && req.TxHash != t.txHash {
		t.txHash = req.TxHash
		t.lastAdvance = t.clock.Now()
	}

	if WithdrawalIndex(target) > WithdrawalIndex(t.stage) {
		t.stage = target
		t.lastAdvance = t.clock.Now()
		if p := withdrawalProgress[target]; p > t.progress {
			t.progress = p
		}
	}
}

// Dismiss clears the tracker from UI state. Only terminal stages may be
// dismissed; persisted records are untouched.
func (t *WithdrawalTracker) Dismiss() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.stage.Terminal() {
		return ErrDismissNotAllowed
	}
	t.dismissed = true
	return nil
}

func (t *WithdrawalTracker) Snapshot() WithdrawalState {
	t.mu.Lock()
	defer t.mu.Unlock()

	stale := false
	if t.stage == StageSending && t.ceiling > 0 {
		stale = t.clock.Now().Sub(t.lastAdvance) > t.ceiling
	}

	return WithdrawalState{
		Stage:     t.stage,
		Progress:  t.progress,
		Stale:     stale,
		Dismissed: t.dismissed,
		TxHash:    t.txHash,
		Reason:    t.reason,
		UpdatedAt: t.lastAdvance,
	}
}

// WithdrawalStageForStatus maps a persisted request status to its stage.
// Rejected and failed map separately to the error stage in Observe.
func WithdrawalStageForStatus(status positions.WithdrawalStatus) Stage {
	switch status {
	case positions.WithdrawalStatusPending:
		return StageCreating
	case positions.WithdrawalStatusApproved:
		return StageProcessing
	case positions.WithdrawalStatusProcessing:
		return StageSending
	case positions.WithdrawalStatusCompleted:
		return StageComplete
	default:
		return StageCreating
	}
}
