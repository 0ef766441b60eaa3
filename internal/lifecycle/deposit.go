package lifecycle

import (
	"errors"
	"sync"
	"time"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
)

var ErrCancelNotAllowed = errors.New("cancel not allowed after payment broadcast")

// DepositState is a caller-facing snapshot of one deposit's lifecycle.
// Progress never decreases; Delayed is raised when the stage has not advanced
// within the configured ceiling and clears on the next advance.
type DepositState struct {
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Delayed   bool      `json:"delayed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DepositTracker derives a deposit's stage from the latest bridge job, the
// latest vault position, and payment sub-stage signals. Only the bridge's
// authoritative status can move it to failed; elapsed time alone raises the
// delayed flag instead.
type DepositTracker struct {
	mu sync.Mutex

	clock   scheduler.Clock
	ceiling time.Duration

	stage            Stage
	progress         int
	paymentBroadcast bool
	paymentConfirmed bool
	lastAdvance      time.Time
}

func NewDepositTracker(clock scheduler.Clock, ceiling time.Duration) *DepositTracker {
	return &DepositTracker{
		clock:       clock,
		ceiling:     ceiling,
		stage:       StageSigning,
		progress:    depositProgress[StageSigning],
		lastAdvance: clock.Now(),
	}
}

// Observe folds in the latest job and position snapshots. Nil inputs mean "no
// change for that source"; a stale or failed poll therefore never moves the
// tracker. The stage index never regresses except into a terminal failure.
func (t *DepositTracker) Observe(job *bridge.Job, pos *positions.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stage.Terminal() {
		return
	}

	target := t.stage
	switch {
	case pos != nil && pos.Verification != positions.VerificationMismatched:
		target = StageEarning
	case job != nil:
		switch job.Status {
		case bridge.JobStatusQueued, bridge.JobStatusReserving:
			target = StageAwaitingPayment
		case bridge.JobStatusAwaitingPayment, bridge.JobStatusPaid:
			target = StageBridging
		case bridge.JobStatusMinting:
			target = StageMinting
		case bridge.JobStatusMinted:
			target = StageMinting // earning waits for the matching position
		case bridge.JobStatusFailed, bridge.JobStatusExpired:
			t.advanceTo(StageFailed)
			return
		case bridge.JobStatusCancelled:
			t.advanceTo(StageCancelled)
			return
		}
	}

	if DepositIndex(target) > DepositIndex(t.stage) {
		t.advanceTo(target)
	}
}

// PaymentBroadcast records the ledger payment leaving the user's wallet.
// After this point the deposit can no longer be cancelled.
func (t *DepositTracker) PaymentBroadcast() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stage.Terminal() || t.paymentBroadcast {
		return
	}
	t.paymentBroadcast = true
	t.bumpProgress(t.stageProgress())
	t.lastAdvance = t.clock.Now()
}

// PaymentConfirmed records ledger finality for the payment leg.
func (t *DepositTracker) PaymentConfirmed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stage.Terminal() || t.paymentConfirmed {
		return
	}
	t.paymentBroadcast = true
	t.paymentConfirmed = true
	t.bumpProgress(t.stageProgress())
	t.lastAdvance = t.clock.Now()
}

// Cancel aborts the deposit. Allowed only before the ledger payment has been
// broadcast; once funds are in flight the bridge outcome is authoritative.
func (t *DepositTracker) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stage.Terminal() {
		return ErrCancelNotAllowed
	}
	if t.paymentBroadcast {
		return ErrCancelNotAllowed
	}
	t.advanceTo(StageCancelled)
	return nil
}

func (t *DepositTracker) Snapshot() DepositState {
	t.mu.Lock()
	defer t.mu.Unlock()

	delayed := false
	if !t.stage.Terminal() && t.ceiling > 0 {
		delayed = t.clock.Now().Sub(t.lastAdvance) > t.ceiling
	}

	return DepositState{
		Stage:     t.stage,
		Progress:  t.progress,
		Delayed:   delayed,
		UpdatedAt: t.lastAdvance,
	}
}

func (t *DepositTracker) advanceTo(stage Stage) {
	t.stage = stage
	t.lastAdvance = t.clock.Now()
	if stage.Failure() {
		return
	}
	t.bumpProgress(t.stageProgress())
}

// stageProgress is the base percentage for the current stage plus payment
// sub-stage signals. Callers hold the lock.
func (t *DepositTracker) stageProgress() int {
	p := depositProgress[t.stage]
	if t.stage == StageAwaitingPayment || t.stage == StageBridging {
		if t.paymentBroadcast {
			p += 5
		}
		if t.paymentConfirmed {
			p += 5
		}
	}
	if p > 100 {
		p = 100
	}
	return p
}

func (t *DepositTracker) bumpProgress(p int) {
	if p > t.progress {
		t.progress = p
	}
}

// DepositStageForJob maps a raw job status to the stage the aggregator shows
// for a pending item with no tracker of its own.
func DepositStageForJob(status bridge.JobStatus) Stage {
	switch status {
	case bridge.JobStatusQueued, bridge.JobStatusReserving:
		return StageAwaitingPayment
	case bridge.JobStatusAwaitingPayment, bridge.JobStatusPaid:
		return StageBridging
	case bridge.JobStatusMinting, bridge.JobStatusMinted:
		return StageMinting
	case bridge.JobStatusFailed, bridge.JobStatusExpired:
		return StageFailed
	case bridge.JobStatusCancelled:
		return StageCancelled
	default:
		return StageSigning
	}
}

// DepositProgressForStage exposes the base progress mapping for pending items.
func DepositProgressForStage(stage Stage) int {
	if stage.Failure() {
		return 0
	}
	return depositProgress[stage]
}
