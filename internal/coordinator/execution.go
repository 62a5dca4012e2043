package coordinator

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a saga execution.
type Status string

const (
	StatusStarted            Status = "started"
	StatusCompleted          Status = "completed"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusFailedToCompensate Status = "failed_to_compensate"
)

// StepStatus is the outcome of one forward step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepRecord is the outcome of one executed step. Err is set iff the step
// failed.
type StepRecord struct {
	Name   string
	Status StepStatus
	Result any
	// Attempt identifies the forward run that produced Result; the ledger
	// marks compensations per attempt.
	Attempt   string
	Timestamp time.Time
	Err       error
}

// CompensationRecord is the outcome of one compensation attempt. Skipped
// compensations were already done by an earlier execution of the saga.
type CompensationRecord struct {
	Step      string
	Skipped   bool
	Timestamp time.Time
	Err       error
}

// SagaExecution is the append-only record of one saga run.
type SagaExecution struct {
	ID            string
	Status        Status
	Steps         []StepRecord
	Compensations []CompensationRecord
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Terminal reports whether the execution reached a final status.
func (e *SagaExecution) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusCompensated, StatusFailedToCompensate:
		return true
	}
	return false
}

// Unrecovered lists the steps whose compensation failed, in the order the
// compensations were attempted.
func (e *SagaExecution) Unrecovered() []string {
	var out []string
	for _, c := range e.Compensations {
		if c.Err != nil {
			out = append(out, c.Step)
		}
	}
	return out
}

// FailedStep returns the record of the step that aborted the saga.
func (e *SagaExecution) FailedStep() (StepRecord, bool) {
	for _, s := range e.Steps {
		if s.Status == StepFailed {
			return s, true
		}
	}
	return StepRecord{}, false
}

// Err is nil for a completed saga. Otherwise it joins the step failure with
// every compensation failure.
func (e *SagaExecution) Err() error {
	if e.Status == StatusCompleted {
		return nil
	}
	var errs []error
	if s, ok := e.FailedStep(); ok {
		errs = append(errs, s.Err)
	}
	for _, c := range e.Compensations {
		if c.Err != nil {
			errs = append(errs, c.Err)
		}
	}
	return errors.Join(errs...)
}

// Duration is the wall time of the execution so far.
func (e *SagaExecution) Duration() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
