// Package coordinator runs sagas: ordered steps across independent
// collaborators, undone in reverse order when one of them fails.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog"
	"github.com/jcmexdev/ringsaga/internal/metrics"
	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors"
)

const tracerName = "github.com/jcmexdev/ringsaga/internal/coordinator"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStepTimeout bounds every forward action that does not set its own
// timeout. Zero leaves actions bounded only by the caller's context.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

// WithCompensationTimeout bounds each compensation attempt.
func WithCompensationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.compensationTimeout = d }
}

// WithRepository appends every transition to a saga log.
func WithRepository(repo sagalog.Repository) Option {
	return func(o *Orchestrator) { o.repo = repo }
}

// WithLedger lets Resume skip compensations that already succeeded for the
// same forward run.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the uuid saga ids used by Execute.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// Orchestrator manages the execution of sagas. It holds no per-saga state,
// so one Orchestrator serves concurrent Execute calls.
type Orchestrator struct {
	stepTimeout         time.Duration
	compensationTimeout time.Duration
	repo                sagalog.Repository
	ledger              Ledger
	logger              *slog.Logger
	metrics             *metrics.Metrics
	tracer              trace.Tracer
	now                 func() time.Time
	newID               func() string
}

func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		compensationTimeout: 30 * time.Second,
		logger:              slog.Default(),
		tracer:              otel.Tracer(tracerName),
		now:                 time.Now,
		newID:               uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs steps under a fresh saga id.
func (o *Orchestrator) Execute(ctx context.Context, steps []Step) *SagaExecution {
	return o.ExecuteWithID(ctx, o.newID(), steps)
}

// ExecuteWithID runs the saga steps sequentially. If a step fails, it
// compensates every completed step in reverse order and always returns a
// terminal execution, even when ctx is cancelled midway.
func (o *Orchestrator) ExecuteWithID(ctx context.Context, sagaID string, steps []Step) *SagaExecution {
	ctx, span := o.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.Int("saga.steps", len(steps)),
	))
	defer span.End()

	// Bookkeeping outlives the caller.
	bg := context.WithoutCancel(ctx)
	logger := o.logger.With("saga_id", sagaID)

	exec := &SagaExecution{
		ID:        sagaID,
		Status:    StatusStarted,
		StartedAt: o.now(),
	}
	o.persist(bg, exec, sagalog.EventSagaStarted, "", "", nil)
	logger.InfoContext(ctx, "saga started", "steps", len(steps))

	// completed indexes steps whose forward action succeeded.
	var completed []int
	for i, step := range steps {
		result, err := o.runStep(ctx, sagaID, step)
		if err != nil {
			failure := &StepFailure{SagaID: sagaID, Step: step.Name(), Err: err}
			exec.Steps = append(exec.Steps, StepRecord{
				Name:      step.Name(),
				Status:    StepFailed,
				Timestamp: o.now(),
				Err:       failure,
			})
			exec.Status = StatusCompensating
			o.persist(bg, exec, sagalog.EventStepFailed, step.Name(), "", []string{err.Error()})
			logger.WarnContext(ctx, "step failed, starting rollback", "step", step.Name(), "error", err)

			span.RecordError(failure)
			o.rollback(bg, exec, steps, completed)
			o.finish(bg, span, exec)
			return exec
		}

		exec.Steps = append(exec.Steps, StepRecord{
			Name:      step.Name(),
			Status:    StepCompleted,
			Result:    result,
			Attempt:   uuid.NewString(),
			Timestamp: o.now(),
		})
		completed = append(completed, i)
		o.persist(bg, exec, sagalog.EventStepCompleted, step.Name(), encodePayload(result), nil)
		logger.DebugContext(ctx, "step completed", "step", step.Name())
	}

	exec.Status = StatusCompleted
	o.finish(bg, span, exec)
	return exec
}

func (o *Orchestrator) runStep(ctx context.Context, sagaID string, step Step) (any, error) {
	ctx, span := o.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.step", step.Name()),
	))
	defer span.End()

	start := o.now()

	var (
		result any
		err    error
	)
	// A cancelled caller fails the next step without invoking it.
	if ctx.Err() != nil {
		err = fmt.Errorf("not started: %w", context.Cause(ctx))
	} else {
		ctx = interceptors.WithStepMetadata(ctx, sagaID, step.Name())
		result, err = guard(ctx, o.timeoutFor(step), step.Execute)
	}

	outcome := string(StepCompleted)
	if err != nil {
		outcome = string(StepFailed)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	o.metrics.RecordStep(step.Name(), outcome, o.now().Sub(start).Seconds())
	return result, err
}

func (o *Orchestrator) timeoutFor(step Step) time.Duration {
	if ts, ok := step.(TimeoutStep); ok && ts.Timeout() > 0 {
		return ts.Timeout()
	}
	return o.stepTimeout
}

// Resume retries the rollback of an execution that ended with unrecovered
// steps, for example after an operator fixed the collaborator. steps must be
// the ones the execution ran. Compensations the ledger saw succeed for the
// same forward run are skipped; without a ledger every completed step is
// compensated again.
func (o *Orchestrator) Resume(ctx context.Context, prev *SagaExecution, steps []Step) (*SagaExecution, error) {
	if prev.Status != StatusFailedToCompensate && prev.Status != StatusCompensating {
		return nil, fmt.Errorf("%w: saga %s is %s", ErrNotResumable, prev.ID, prev.Status)
	}
	var completed []int
	for i, rec := range prev.Steps {
		if i >= len(steps) || steps[i].Name() != rec.Name {
			return nil, fmt.Errorf("%w: saga %s step %d is %q", ErrStepMismatch, prev.ID, i, rec.Name)
		}
		if rec.Status == StepCompleted {
			completed = append(completed, i)
		}
	}

	ctx, span := o.tracer.Start(ctx, "saga.resume", trace.WithAttributes(
		attribute.String("saga.id", prev.ID),
	))
	defer span.End()
	bg := context.WithoutCancel(ctx)

	exec := &SagaExecution{
		ID:        prev.ID,
		Status:    StatusCompensating,
		Steps:     append([]StepRecord(nil), prev.Steps...),
		StartedAt: o.now(),
	}
	o.logger.InfoContext(ctx, "resuming rollback", "saga_id", exec.ID, "completed", len(completed))

	o.rollback(bg, exec, steps, completed)
	o.finish(bg, span, exec)
	return exec, nil
}

// rollback compensates the completed steps in reverse. A failed compensation
// is recorded and the remaining ones are still attempted.
func (o *Orchestrator) rollback(ctx context.Context, exec *SagaExecution, steps []Step, completed []int) {
	logger := o.logger.With("saga_id", exec.ID)

	for i := len(completed) - 1; i >= 0; i-- {
		idx := completed[i]
		step := steps[idx]
		name := step.Name()
		key := ledgerKey(idx, exec.Steps[idx])

		if o.alreadyCompensated(ctx, exec.ID, key) {
			exec.Compensations = append(exec.Compensations, CompensationRecord{
				Step:      name,
				Skipped:   true,
				Timestamp: o.now(),
			})
			o.metrics.RecordCompensation(name, "skipped")
			o.persist(ctx, exec, sagalog.EventCompensationSkipped, name, "", nil)
			logger.InfoContext(ctx, "compensation already done", "step", name)
			continue
		}

		logger.InfoContext(ctx, "compensating step", "step", name)
		err := o.compensate(ctx, exec.ID, step, exec.Steps[idx].Result)
		if err != nil {
			failure := &CompensationFailure{SagaID: exec.ID, Step: name, Err: err}
			exec.Compensations = append(exec.Compensations, CompensationRecord{
				Step:      name,
				Timestamp: o.now(),
				Err:       failure,
			})
			o.metrics.RecordCompensation(name, "failed")
			o.persist(ctx, exec, sagalog.EventCompensationFailed, name, "", []string{err.Error()})
			logger.ErrorContext(ctx, "CRITICAL: failed to compensate step", "step", name, "error", err)
			continue
		}

		exec.Compensations = append(exec.Compensations, CompensationRecord{
			Step:      name,
			Timestamp: o.now(),
		})
		o.metrics.RecordCompensation(name, "succeeded")
		o.persist(ctx, exec, sagalog.EventStepCompensated, name, "", nil)
		o.markCompensated(ctx, exec.ID, key)
	}

	if len(exec.Unrecovered()) > 0 {
		exec.Status = StatusFailedToCompensate
	} else {
		exec.Status = StatusCompensated
	}
}

// ledgerKey names one forward run of one step. Step names need not be
// unique within a saga, and a re-executed saga gets fresh attempts.
func ledgerKey(index int, rec StepRecord) string {
	return fmt.Sprintf("%d:%s:%s", index, rec.Name, rec.Attempt)
}

// ledgerContext bounds ledger calls so a slow store cannot stall rollback.
func (o *Orchestrator) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.compensationTimeout > 0 {
		return context.WithTimeout(ctx, o.compensationTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) alreadyCompensated(ctx context.Context, sagaID, key string) bool {
	if o.ledger == nil {
		return false
	}
	ctx, cancel := o.ledgerContext(ctx)
	defer cancel()

	done, err := o.ledger.Compensated(ctx, sagaID, key)
	if err != nil {
		// Compensations are idempotent; running one twice is safe.
		o.logger.WarnContext(ctx, "compensation ledger unavailable", "saga_id", sagaID, "key", key, "error", err)
		return false
	}
	return done
}

func (o *Orchestrator) markCompensated(ctx context.Context, sagaID, key string) {
	if o.ledger == nil {
		return
	}
	ctx, cancel := o.ledgerContext(ctx)
	defer cancel()

	if err := o.ledger.MarkCompensated(ctx, sagaID, key); err != nil {
		o.logger.WarnContext(ctx, "failed to mark compensation", "saga_id", sagaID, "key", key, "error", err)
	}
}

func (o *Orchestrator) compensate(ctx context.Context, sagaID string, step Step, result any) error {
	ctx, span := o.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.step", step.Name()),
	))
	defer span.End()

	ctx = interceptors.WithStepMetadata(ctx, sagaID, step.Name())
	_, err := guard(ctx, o.compensationTimeout, func(ctx context.Context) (any, error) {
		return nil, step.Compensate(ctx, result)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, exec *SagaExecution) {
	exec.FinishedAt = o.now()

	unrecovered := exec.Unrecovered()
	o.persist(ctx, exec, sagalog.EventSagaFinished, "", "", unrecovered)
	o.metrics.RecordSaga(string(exec.Status), exec.Duration().Seconds())

	span.SetAttributes(attribute.String("saga.status", string(exec.Status)))
	logger := o.logger.With("saga_id", exec.ID, "status", exec.Status, "duration", exec.Duration())
	switch exec.Status {
	case StatusCompleted:
		span.SetStatus(otelcodes.Ok, "")
		logger.InfoContext(ctx, "saga completed successfully")
	case StatusCompensated:
		span.SetStatus(otelcodes.Error, "compensated")
		logger.WarnContext(ctx, "saga rolled back")
	default:
		span.SetStatus(otelcodes.Error, "failed to compensate")
		logger.ErrorContext(ctx, "saga left unrecovered steps", "unrecovered", unrecovered)
	}
}

// persist appends a row to the saga log. Log failures never change the
// saga's outcome.
func (o *Orchestrator) persist(ctx context.Context, exec *SagaExecution, event sagalog.Event, step, payload string, errs []string) {
	if o.repo == nil {
		return
	}
	entry := sagalog.NewEntry(ctx, exec.ID, sagalog.Status(exec.Status), event, step, payload, errs)
	if err := o.repo.Save(ctx, entry); err != nil {
		o.logger.WarnContext(ctx, "failed to persist saga log", "saga_id", exec.ID, "event", event, "error", err)
	}
}

// guard runs fn in its own goroutine and stops waiting once ctx ends or the
// timeout fires. A panic in fn is returned as ErrStepPanicked.
func guard(ctx context.Context, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w after %s", ErrStepTimeout, timeout))
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrStepPanicked, r)}
			}
		}()
		result, err := fn(ctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return settle(ctx, out.result, out.err)
	case <-ctx.Done():
		// The action may have finished in the same instant; its effect
		// counts if it succeeded.
		select {
		case out := <-done:
			return settle(ctx, out.result, out.err)
		default:
			return nil, context.Cause(ctx)
		}
	}
}

// settle picks the outcome of a finished action. A success stands even past
// the deadline; an action that gave up on its own deadline still timed out.
func settle(ctx context.Context, result any, err error) (any, error) {
	if err == nil {
		return result, nil
	}
	if errors.Is(context.Cause(ctx), ErrStepTimeout) {
		return nil, context.Cause(ctx)
	}
	return nil, err
}

func encodePayload(result any) string {
	if result == nil {
		return ""
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(result))
	}
	return string(b)
}
