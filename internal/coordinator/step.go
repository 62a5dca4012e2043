package coordinator

import (
	"context"
	"time"
)

// Step represents a single unit of work in the Saga.
// Each step must have a compensating action to undo its effects.
//
// Compensate receives the value Execute returned and must be idempotent: it
// may run against an effect that only partially applied, or that an earlier
// execution of the same saga already undid.
type Step interface {
	Name() string
	Execute(ctx context.Context) (any, error)
	Compensate(ctx context.Context, result any) error
}

// TimeoutStep is implemented by steps that override the orchestrator's
// default step timeout.
type TimeoutStep interface {
	Step
	Timeout() time.Duration
}

// ForwardFunc is the forward action of a step.
type ForwardFunc func(ctx context.Context) (any, error)

// CompensateFunc undoes the effect of a forward action given its result.
type CompensateFunc func(ctx context.Context, result any) error

// StepOption configures a step built with NewStep.
type StepOption func(*funcStep)

// WithTimeout bounds the step's forward action.
func WithTimeout(d time.Duration) StepOption {
	return func(s *funcStep) {
		s.timeout = d
	}
}

type funcStep struct {
	name       string
	forward    ForwardFunc
	compensate CompensateFunc
	timeout    time.Duration
}

// NewStep builds a Step from a pair of funcs. A nil compensate makes the
// step's compensation a no-op.
func NewStep(name string, forward ForwardFunc, compensate CompensateFunc, opts ...StepOption) Step {
	s := &funcStep{
		name:       name,
		forward:    forward,
		compensate: compensate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Execute(ctx context.Context) (any, error) {
	return s.forward(ctx)
}

func (s *funcStep) Compensate(ctx context.Context, result any) error {
	if s.compensate == nil {
		return nil
	}
	return s.compensate(ctx, result)
}

func (s *funcStep) Timeout() time.Duration { return s.timeout }
