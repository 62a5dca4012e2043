package sagalog

import "context"

// Repository is the port for persisting saga log entries. The orchestrator
// depends on this abstraction only.
type Repository interface {
	// Save appends a new log entry; the log is never updated in place.
	Save(ctx context.Context, entry *SagaLog) error
}

// Reader queries the log.
type Reader interface {
	// History returns every row of a saga in write order.
	History(ctx context.Context, sagaID string) ([]*SagaLog, error)

	// GetLatest returns the most recent row of a saga.
	GetLatest(ctx context.Context, sagaID string) (*SagaLog, error)

	// ListByStatus returns the latest row of each saga whose current status
	// is status, newest first. limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*SagaLog, error)
}
