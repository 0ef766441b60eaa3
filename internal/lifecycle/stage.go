package lifecycle

// Stage is the shared coarse status vocabulary for deposits and withdrawals.
// Deposit path: signing, awaiting_payment, bridging, minting, earning, with
// failed and cancelled terminal. Withdrawal path: creating, processing,
// sending, complete, with error terminal. Stages are strictly ordered within
// each path and never regress once advanced, except into a terminal failure.
type Stage string

const (
	StageSigning         Stage = "signing"
	StageAwaitingPayment Stage = "awaiting_payment"
	StageBridging        Stage = "bridging"
	StageMinting         Stage = "minting"
	StageEarning         Stage = "earning"
	StageFailed          Stage = "failed"
	StageCancelled       Stage = "cancelled"

	StageCreating   Stage = "creating"
	StageProcessing Stage = "processing"
	StageSending    Stage = "sending"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

var depositOrder = map[Stage]int{
	StageSigning:         0,
	StageAwaitingPayment: 1,
	StageBridging:        2,
	StageMinting:         3,
	StageEarning:         4,
}

var withdrawalOrder = map[Stage]int{
	StageCreating:   0,
	StageProcessing: 1,
	StageSending:    2,
	StageComplete:   3,
}

// DepositIndex returns the position of s on the deposit path, or -1 for
// terminal failure stages and withdrawal stages.
func DepositIndex(s Stage) int {
	if i, ok := depositOrder[s]; ok {
		return i
	}
	return -1
}

// WithdrawalIndex returns the position of s on the withdrawal path, or -1.
func WithdrawalIndex(s Stage) int {
	if i, ok := withdrawalOrder[s]; ok {
		return i
	}
	return -1
}

// Terminal reports whether s allows no further transition.
func (s Stage) Terminal() bool {
	switch s {
	case StageEarning, StageFailed, StageCancelled, StageComplete, StageError:
		return true
	}
	return false
}

// Failure reports whether s is a terminal failure.
func (s Stage) Failure() bool {
	switch s {
	case StageFailed, StageCancelled, StageError:
		return true
	}
	return false
}

// depositProgress maps a deposit stage to its base completion percentage.
// Sub-stage signals add on top; callers clamp to 100.
var depositProgress = map[Stage]int{
	StageSigning:         5,
	StageAwaitingPayment: 15,
	StageBridging:        40,
	StageMinting:         70,
	StageEarning:         100,
}

var withdrawalProgress = map[Stage]int{
	StageCreating:   10,
	StageProcessing: 45,
	StageSending:    80,
	StageComplete:   100,
}

// WithdrawalProgressForStage exposes the base progress mapping for API views.
func WithdrawalProgressForStage(stage Stage) int {
	if stage.Failure() {
		return 0
	}
	return withdrawalProgress[stage]
}
