package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrStepTimeout is the cause of a step whose action outlived its timeout.
	ErrStepTimeout = errors.New("step timed out")

	// ErrStepPanicked is the cause of a step whose action panicked.
	ErrStepPanicked = errors.New("step panicked")

	// ErrNotResumable is returned by Resume for executions that are not
	// waiting on a rollback.
	ErrNotResumable = errors.New("saga has no rollback to resume")

	// ErrStepMismatch is returned by Resume when steps differ from the ones
	// the execution ran.
	ErrStepMismatch = errors.New("steps do not match the execution")
)

// StepFailure is the error of the forward step that aborted a saga.
type StepFailure struct {
	SagaID string
	Step   string
	Err    error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("saga %s: step %q failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// CompensationFailure is recorded for every compensation that did not
// succeed. The step it names is left for operator remediation.
type CompensationFailure struct {
	SagaID string
	Step   string
	Err    error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("saga %s: compensation of %q failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *CompensationFailure) Unwrap() error { return e.Err }
