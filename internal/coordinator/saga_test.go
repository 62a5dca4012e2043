package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog"
	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/ringsaga/internal/metrics"
	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors"
)

var errDeclined = errors.New("payment declined")

// countingStep is a step that counts its invocations.
type countingStep struct {
	name        string
	result      any
	executeErr  error
	compErr     error
	executions  atomic.Int32
	compensates atomic.Int32
	compResult  any
	order       *[]string
	mu          *sync.Mutex
}

func newCountingStep(name string, order *[]string, mu *sync.Mutex) *countingStep {
	return &countingStep{name: name, result: name + "-result", order: order, mu: mu}
}

func (p *countingStep) Name() string { return p.name }

func (p *countingStep) Execute(context.Context) (any, error) {
	p.executions.Add(1)
	if p.executeErr != nil {
		return nil, p.executeErr
	}
	return p.result, nil
}

func (p *countingStep) Compensate(_ context.Context, result any) error {
	p.compensates.Add(1)
	p.compResult = result
	if p.order != nil {
		p.mu.Lock()
		*p.order = append(*p.order, p.name)
		p.mu.Unlock()
	}
	return p.compErr
}

func countingSteps(names ...string) ([]*countingStep, []Step, *[]string) {
	order := &[]string{}
	mu := &sync.Mutex{}
	ps := make([]*countingStep, len(names))
	steps := make([]Step, len(names))
	for i, n := range names {
		ps[i] = newCountingStep(n, order, mu)
		steps[i] = ps[i]
	}
	return ps, steps, order
}

// recordingRepo keeps saga log rows in memory.
type recordingRepo struct {
	mu      sync.Mutex
	entries []*sagalog.SagaLog
	err     error
}

func (r *recordingRepo) Save(_ context.Context, e *sagalog.SagaLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingRepo) events() []sagalog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sagalog.Event, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Event
	}
	return out
}

func TestExecuteCompletes(t *testing.T) {
	ps, steps, _ := countingSteps("create", "reserve", "charge")

	exec := NewOrchestrator().Execute(context.Background(), steps)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.True(t, exec.Terminal())
	assert.NotEmpty(t, exec.ID)
	assert.NoError(t, exec.Err())
	assert.Empty(t, exec.Compensations)
	require.Len(t, exec.Steps, 3)
	for i, rec := range exec.Steps {
		assert.Equal(t, StepCompleted, rec.Status)
		assert.Equal(t, ps[i].name+"-result", rec.Result)
		assert.NoError(t, rec.Err)
		assert.False(t, rec.Timestamp.IsZero())
		assert.Equal(t, int32(1), ps[i].executions.Load())
		assert.Equal(t, int32(0), ps[i].compensates.Load())
	}
	assert.False(t, exec.FinishedAt.Before(exec.StartedAt))
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2", "step3")
	ps[1].executeErr = errDeclined

	exec := NewOrchestrator().Execute(context.Background(), steps)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, int32(1), ps[0].compensates.Load())
	assert.Equal(t, "step1-result", ps[0].compResult)
	assert.Equal(t, int32(0), ps[1].compensates.Load(), "the failed step is not compensated")
	assert.Equal(t, int32(0), ps[2].executions.Load(), "no forward step runs after a failure")
	assert.Empty(t, exec.Unrecovered())

	require.Len(t, exec.Steps, 2)
	assert.Equal(t, StepFailed, exec.Steps[1].Status)
	assert.Nil(t, exec.Steps[1].Result)

	err := exec.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, errDeclined)
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "step2", sf.Step)
	assert.Equal(t, exec.ID, sf.SagaID)
}

func TestExecutePartialRollback(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2", "step3")
	ps[1].executeErr = errDeclined
	ps[0].compErr = errors.New("inventory unreachable")

	exec := NewOrchestrator().Execute(context.Background(), steps)

	assert.Equal(t, StatusFailedToCompensate, exec.Status)
	assert.Equal(t, []string{"step1"}, exec.Unrecovered())

	var cf *CompensationFailure
	require.ErrorAs(t, exec.Err(), &cf)
	assert.Equal(t, "step1", cf.Step)
	assert.ErrorIs(t, exec.Err(), errDeclined)
}

func TestCompensationRunsInReverseAndSurvivesFailures(t *testing.T) {
	ps, steps, order := countingSteps("a", "b", "c", "d")
	ps[3].executeErr = errDeclined
	ps[1].compErr = errors.New("boom")

	exec := NewOrchestrator().Execute(context.Background(), steps)

	assert.Equal(t, []string{"c", "b", "a"}, *order)
	assert.Equal(t, StatusFailedToCompensate, exec.Status)
	assert.Equal(t, []string{"b"}, exec.Unrecovered())
	require.Len(t, exec.Compensations, 3)
	assert.NoError(t, exec.Compensations[0].Err)
	assert.Error(t, exec.Compensations[1].Err)
	assert.NoError(t, exec.Compensations[2].Err)
}

func TestFirstStepFailureHasNothingToCompensate(t *testing.T) {
	ps, steps, _ := countingSteps("only")
	ps[0].executeErr = errDeclined

	exec := NewOrchestrator().Execute(context.Background(), steps)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Empty(t, exec.Compensations)
	assert.ErrorIs(t, exec.Err(), errDeclined)
}

func TestEmptySagaCompletes(t *testing.T) {
	exec := NewOrchestrator().Execute(context.Background(), nil)
	assert.Equal(t, StatusCompleted, exec.Status)
}

func TestStepTimeoutIsFailure(t *testing.T) {
	ps, _, _ := countingSteps("reserve")
	slow := NewStep("charge", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, WithTimeout(20*time.Millisecond))

	exec := NewOrchestrator().Execute(context.Background(), []Step{ps[0], slow})

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, int32(1), ps[0].compensates.Load())
	assert.ErrorIs(t, exec.Err(), ErrStepTimeout)
}

func TestOrchestratorStepTimeoutDoesNotWaitForStuckAction(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := NewStep("stuck", func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, nil)

	start := time.Now()
	exec := NewOrchestrator(WithStepTimeout(20 * time.Millisecond)).Execute(context.Background(), []Step{stuck})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, exec.Err(), ErrStepTimeout)
}

func TestStepPanicIsFailure(t *testing.T) {
	ps, _, _ := countingSteps("reserve")
	bad := NewStep("charge", func(context.Context) (any, error) {
		panic("nil map")
	}, nil)

	exec := NewOrchestrator().Execute(context.Background(), []Step{ps[0], bad})

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.ErrorIs(t, exec.Err(), ErrStepPanicked)
	assert.Equal(t, int32(1), ps[0].compensates.Load())
}

func TestCompensationPanicIsRecorded(t *testing.T) {
	bad := NewStep("reserve", func(context.Context) (any, error) {
		return "r", nil
	}, func(context.Context, any) error {
		panic("oops")
	})
	fail := NewStep("charge", func(context.Context) (any, error) {
		return nil, errDeclined
	}, nil)

	exec := NewOrchestrator().Execute(context.Background(), []Step{bad, fail})

	assert.Equal(t, StatusFailedToCompensate, exec.Status)
	assert.ErrorIs(t, exec.Err(), ErrStepPanicked)
}

func TestCallerCancellationStillCompensates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var compCtxErr error
	reserve := NewStep("reserve", func(context.Context) (any, error) {
		return "r-1", nil
	}, func(ctx context.Context, _ any) error {
		compCtxErr = ctx.Err()
		return nil
	})
	charge := NewStep("charge", func(ctx context.Context) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	var confirmRan atomic.Bool
	confirm := NewStep("confirm", func(context.Context) (any, error) {
		confirmRan.Store(true)
		return nil, nil
	}, nil)

	exec := NewOrchestrator().Execute(ctx, []Step{reserve, charge, confirm})

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.True(t, exec.Terminal())
	assert.NoError(t, compCtxErr, "compensation must not inherit the caller's cancellation")
	assert.False(t, confirmRan.Load())
	assert.ErrorIs(t, exec.Err(), context.Canceled)
}

func TestCancelledBeforeStartDoesNotInvokeSteps(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewOrchestrator().Execute(ctx, steps)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, int32(0), ps[0].executions.Load())
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, StepFailed, exec.Steps[0].Status)
	assert.ErrorIs(t, exec.Err(), context.Canceled)
}

func TestReexecutionCompensatesEveryForwardRun(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2")
	ps[1].executeErr = errDeclined
	o := NewOrchestrator(WithLedger(NewMemoryLedger()))

	first := o.ExecuteWithID(context.Background(), "order-1", steps)
	second := o.ExecuteWithID(context.Background(), "order-1", steps)

	assert.Equal(t, StatusCompensated, first.Status)
	assert.Equal(t, StatusCompensated, second.Status)
	assert.Equal(t, int32(2), ps[0].executions.Load())
	assert.Equal(t, int32(2), ps[0].compensates.Load(), "each forward run is undone")
	require.Len(t, second.Compensations, 1)
	assert.False(t, second.Compensations[0].Skipped)
	assert.NotEqual(t, first.Steps[0].Attempt, second.Steps[0].Attempt)
}

func TestDuplicateStepNamesAreCompensatedSeparately(t *testing.T) {
	var undone []any
	reserve := func(result string) Step {
		return NewStep("reserve", func(context.Context) (any, error) {
			return result, nil
		}, func(_ context.Context, r any) error {
			undone = append(undone, r)
			return nil
		})
	}
	fail := NewStep("charge", func(context.Context) (any, error) { return nil, errDeclined }, nil)

	exec := NewOrchestrator(WithLedger(NewMemoryLedger())).
		Execute(context.Background(), []Step{reserve("a"), reserve("b"), fail})

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, []any{"b", "a"}, undone)
	for _, c := range exec.Compensations {
		assert.False(t, c.Skipped)
	}
}

func TestResumeSkipsCompensationsAlreadyDone(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2", "step3")
	ps[2].executeErr = errDeclined
	ps[1].compErr = errors.New("inventory unreachable")
	o := NewOrchestrator(WithLedger(NewMemoryLedger()))

	failed := o.ExecuteWithID(context.Background(), "order-1", steps)
	require.Equal(t, StatusFailedToCompensate, failed.Status)
	require.Equal(t, []string{"step2"}, failed.Unrecovered())

	ps[1].compErr = nil
	resumed, err := o.Resume(context.Background(), failed, steps)
	require.NoError(t, err)

	assert.Equal(t, StatusCompensated, resumed.Status)
	assert.Equal(t, int32(1), ps[0].executions.Load(), "resume never re-runs forward actions")
	assert.Equal(t, int32(2), ps[1].compensates.Load())
	assert.Equal(t, int32(1), ps[0].compensates.Load())
	require.Len(t, resumed.Compensations, 2)
	assert.False(t, resumed.Compensations[0].Skipped)
	assert.True(t, resumed.Compensations[1].Skipped)
	assert.Equal(t, "step2-result", ps[1].compResult)
}

func TestResumeWithoutLedgerCompensatesAgain(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2")
	ps[1].executeErr = errDeclined
	ps[0].compErr = errors.New("timeout")
	o := NewOrchestrator()

	failed := o.Execute(context.Background(), steps)
	ps[0].compErr = nil
	resumed, err := o.Resume(context.Background(), failed, steps)
	require.NoError(t, err)

	assert.Equal(t, StatusCompensated, resumed.Status)
	assert.Equal(t, int32(2), ps[0].compensates.Load())
}

func TestResumeRejects(t *testing.T) {
	_, steps, _ := countingSteps("step1")
	o := NewOrchestrator()

	done := o.Execute(context.Background(), steps)
	_, err := o.Resume(context.Background(), done, steps)
	assert.ErrorIs(t, err, ErrNotResumable)

	ps, failing, _ := countingSteps("step1", "step2")
	ps[1].executeErr = errDeclined
	ps[0].compErr = errors.New("stuck")
	failed := o.Execute(context.Background(), failing)
	other, _, _ := countingSteps("other", "step2")
	_, err = o.Resume(context.Background(), failed, []Step{other[0], other[1]})
	assert.ErrorIs(t, err, ErrStepMismatch)
}

type brokenLedger struct{}

func (brokenLedger) Compensated(context.Context, string, string) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenLedger) MarkCompensated(context.Context, string, string) error {
	return errors.New("redis down")
}

func TestLedgerErrorsStillCompensate(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2")
	ps[1].executeErr = errDeclined

	exec := NewOrchestrator(WithLedger(brokenLedger{})).Execute(context.Background(), steps)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, int32(1), ps[0].compensates.Load())
}

func TestFailedCompensationIsNotMarked(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2")
	ps[1].executeErr = errDeclined
	ps[0].compErr = errors.New("timeout")
	o := NewOrchestrator(WithLedger(NewMemoryLedger()))

	failed := o.ExecuteWithID(context.Background(), "s", steps)
	resumed, err := o.Resume(context.Background(), failed, steps)
	require.NoError(t, err)

	require.Len(t, resumed.Compensations, 1)
	assert.False(t, resumed.Compensations[0].Skipped)
	assert.Equal(t, int32(2), ps[0].compensates.Load())
}

type slowLedger struct{}

func (slowLedger) Compensated(ctx context.Context, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (slowLedger) MarkCompensated(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestLedgerCallsAreBounded(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2")
	ps[1].executeErr = errDeclined

	start := time.Now()
	exec := NewOrchestrator(
		WithLedger(slowLedger{}),
		WithCompensationTimeout(20*time.Millisecond),
	).Execute(context.Background(), steps)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, int32(1), ps[0].compensates.Load())
}

func TestSettlePrefersSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeoutCause(context.Background(), time.Nanosecond, ErrStepTimeout)
	defer cancel()
	<-ctx.Done()

	result, err := settle(ctx, "reserved", nil)
	require.NoError(t, err, "an effect that completed must be kept for compensation")
	assert.Equal(t, "reserved", result)

	_, err = settle(ctx, nil, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrStepTimeout)

	_, err = settle(context.Background(), nil, errDeclined)
	assert.ErrorIs(t, err, errDeclined)
}

func TestRepositoryReceivesTransitions(t *testing.T) {
	ps, steps, _ := countingSteps("step1", "step2", "step3")
	ps[1].executeErr = errDeclined
	ps[0].compErr = errors.New("stuck")
	repo := &recordingRepo{}

	exec := NewOrchestrator(WithRepository(repo)).ExecuteWithID(context.Background(), "saga-9", steps)

	assert.Equal(t, []sagalog.Event{
		sagalog.EventSagaStarted,
		sagalog.EventStepCompleted,
		sagalog.EventStepFailed,
		sagalog.EventCompensationFailed,
		sagalog.EventSagaFinished,
	}, repo.events())

	last := repo.entries[len(repo.entries)-1]
	assert.Equal(t, "saga-9", last.SagaID)
	assert.Equal(t, sagalog.StatusFailedToCompensate, last.Status)
	assert.Equal(t, exec.Unrecovered(), sagalog.DecodeErrors(last.ErrorMessages))
	assert.Equal(t, `"step1-result"`, repo.entries[1].Payload)
	assert.Equal(t, sagalog.StatusCompensating, repo.entries[2].Status)
}

func TestRepositoryErrorsDoNotChangeOutcome(t *testing.T) {
	_, steps, _ := countingSteps("step1")
	repo := &recordingRepo{err: errors.New("disk full")}

	exec := NewOrchestrator(WithRepository(repo)).Execute(context.Background(), steps)

	assert.Equal(t, StatusCompleted, exec.Status)
}

func TestSQLiteSagaLog(t *testing.T) {
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ps, steps, _ := countingSteps("reserve", "charge")
	ps[1].executeErr = errDeclined
	NewOrchestrator(WithRepository(repo)).ExecuteWithID(context.Background(), "order-7", steps)

	latest, err := repo.GetLatest(context.Background(), "order-7")
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompensated, latest.Status)

	history, err := repo.History(context.Background(), "order-7")
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestActionsReceiveStepMetadata(t *testing.T) {
	var got interceptors.StepMetadata
	step := NewStep("reserve", func(ctx context.Context) (any, error) {
		got, _ = interceptors.StepFromContext(ctx)
		return nil, nil
	}, nil)

	NewOrchestrator().ExecuteWithID(context.Background(), "order-3", []Step{step})

	assert.Equal(t, "order-3", got.SagaID)
	assert.Equal(t, "reserve", got.Step)
	assert.Equal(t, "order-3:reserve", got.IdempotencyKey)
}

func TestMetricsAreRecorded(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ps, steps, _ := countingSteps("step1", "step2")
	ps[1].executeErr = errDeclined

	NewOrchestrator(WithMetrics(m)).Execute(context.Background(), steps)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SagasTotal.WithLabelValues("compensated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StepsTotal.WithLabelValues("step2", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CompensationsTotal.WithLabelValues("step1", "succeeded")))
}

func TestIDGeneratorAndClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOrchestrator(
		WithIDGenerator(func() string { return "fixed-id" }),
		WithClock(func() time.Time { return fixed }),
	)

	exec := o.Execute(context.Background(), nil)

	assert.Equal(t, "fixed-id", exec.ID)
	assert.Equal(t, fixed, exec.StartedAt)
	assert.Zero(t, exec.Duration())
}

func TestConcurrentSagasDoNotInterfere(t *testing.T) {
	o := NewOrchestrator()

	var wg sync.WaitGroup
	results := make([]*SagaExecution, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fail := i%2 == 0
			steps := []Step{
				NewStep("a", func(context.Context) (any, error) { return i, nil }, nil),
				NewStep("b", func(context.Context) (any, error) {
					if fail {
						return nil, fmt.Errorf("saga %d: %w", i, errDeclined)
					}
					return nil, nil
				}, nil),
			}
			results[i] = o.Execute(context.Background(), steps)
		}(i)
	}
	wg.Wait()

	for i, exec := range results {
		if i%2 == 0 {
			assert.Equal(t, StatusCompensated, exec.Status)
		} else {
			assert.Equal(t, StatusCompleted, exec.Status)
		}
		assert.Equal(t, i, exec.Steps[0].Result)
	}
}
