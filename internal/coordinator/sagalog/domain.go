// Package sagalog defines the durable audit trail of saga executions.
//
// Every state transition of a saga is appended as one SagaLog row. The log
// serves two purposes:
//
//  1. Observability: the rows of a saga show exactly which steps ran, which
//     were compensated and which could not be, and the trace_id links each
//     row to its distributed trace.
//
//  2. Remediation: sagas whose latest row is failed_to_compensate list the
//     steps an operator has to undo by hand.
package sagalog

import (
	"errors"
	"time"
)

// ErrNotFound is returned by readers for an unknown saga id.
var ErrNotFound = errors.New("sagalog: saga not found")

// Status is the saga status at the time a row was written.
type Status string

const (
	StatusStarted            Status = "started"
	StatusCompleted          Status = "completed"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusFailedToCompensate Status = "failed_to_compensate"
)

// Terminal reports whether no further rows are expected for the saga.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailedToCompensate:
		return true
	}
	return false
}

// Event names the transition a row records.
type Event string

const (
	EventSagaStarted         Event = "saga_started"
	EventStepCompleted       Event = "step_completed"
	EventStepFailed          Event = "step_failed"
	EventStepCompensated     Event = "step_compensated"
	EventCompensationFailed  Event = "compensation_failed"
	EventCompensationSkipped Event = "compensation_skipped"
	EventSagaFinished        Event = "saga_finished"
)

// SagaLog is a single row in the saga_logs table.
type SagaLog struct {
	SagaID string
	Status Status
	Event  Event

	// CurrentStep is the step the event is about; empty for saga-level events.
	CurrentStep string

	// Payload is the JSON encoding of the step result, when there is one.
	Payload string

	// ErrorMessages is a JSON array of failure messages, "[]" when none.
	// On saga_finished rows of failed_to_compensate sagas it lists the
	// unrecovered steps.
	ErrorMessages string

	// TraceID and SpanID identify the span that was active when the row was
	// written, empty when tracing is off.
	TraceID string
	SpanID  string

	UpdatedAt time.Time
}
