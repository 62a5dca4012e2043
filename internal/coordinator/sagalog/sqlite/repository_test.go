package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func save(t *testing.T, repo *Repository, sagaID string, status sagalog.Status, event sagalog.Event, step string, errs ...string) {
	t.Helper()
	entry := sagalog.NewEntry(context.Background(), sagaID, status, event, step, "", errs)
	require.NoError(t, repo.Save(context.Background(), entry))
}

func TestHistoryKeepsWriteOrder(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	save(t, repo, "s1", sagalog.StatusStarted, sagalog.EventSagaStarted, "")
	require.NoError(t, repo.Save(ctx, &sagalog.SagaLog{
		SagaID:      "s1",
		Status:      sagalog.StatusStarted,
		Event:       sagalog.EventStepCompleted,
		CurrentStep: "reserve",
		Payload:     `{"reservation":"r-1"}`,
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}))
	save(t, repo, "s1", sagalog.StatusCompensating, sagalog.EventStepFailed, "charge", "declined")
	save(t, repo, "s1", sagalog.StatusCompensated, sagalog.EventSagaFinished, "")

	history, err := repo.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 4)

	assert.Equal(t, sagalog.EventSagaStarted, history[0].Event)
	assert.Equal(t, "reserve", history[1].CurrentStep)
	assert.Equal(t, `{"reservation":"r-1"}`, history[1].Payload)
	assert.Equal(t, "[]", history[1].ErrorMessages)
	assert.True(t, history[1].UpdatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)))
	assert.Equal(t, []string{"declined"}, sagalog.DecodeErrors(history[2].ErrorMessages))
	assert.Equal(t, sagalog.StatusCompensated, history[3].Status)
}

func TestGetLatest(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	save(t, repo, "s1", sagalog.StatusStarted, sagalog.EventSagaStarted, "")
	save(t, repo, "s1", sagalog.StatusCompleted, sagalog.EventSagaFinished, "")

	latest, err := repo.GetLatest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, latest.Status)

	_, err = repo.GetLatest(ctx, "nope")
	assert.ErrorIs(t, err, sagalog.ErrNotFound)

	_, err = repo.History(ctx, "nope")
	assert.ErrorIs(t, err, sagalog.ErrNotFound)
}

func TestListByStatusUsesLatestRow(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	save(t, repo, "done", sagalog.StatusStarted, sagalog.EventSagaStarted, "")
	save(t, repo, "done", sagalog.StatusCompleted, sagalog.EventSagaFinished, "")

	save(t, repo, "stuck-1", sagalog.StatusCompensating, sagalog.EventStepFailed, "charge")
	save(t, repo, "stuck-1", sagalog.StatusFailedToCompensate, sagalog.EventSagaFinished, "", "reserve")

	save(t, repo, "stuck-2", sagalog.StatusFailedToCompensate, sagalog.EventSagaFinished, "", "reserve", "create")

	stuck, err := repo.ListByStatus(ctx, sagalog.StatusFailedToCompensate, 0)
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, "stuck-2", stuck[0].SagaID)
	assert.Equal(t, "stuck-1", stuck[1].SagaID)
	assert.Equal(t, []string{"reserve", "create"}, sagalog.DecodeErrors(stuck[0].ErrorMessages))

	limited, err := repo.ListByStatus(ctx, sagalog.StatusFailedToCompensate, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	started, err := repo.ListByStatus(ctx, sagalog.StatusStarted, 0)
	require.NoError(t, err)
	assert.Empty(t, started, "sagas that moved on are not listed under an old status")
}

func TestConcurrentSaves(t *testing.T) {
	repo := openTestRepo(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				entry := sagalog.NewEntry(context.Background(), "shared", sagalog.StatusStarted, sagalog.EventStepCompleted, "s", "", nil)
				assert.NoError(t, repo.Save(context.Background(), entry))
			}
		}()
	}
	wg.Wait()

	history, err := repo.History(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, history, 80)
}
