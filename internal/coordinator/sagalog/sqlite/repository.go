// Package sqlite provides a SQLite-backed implementation of
// sagalog.Repository and sagalog.Reader.
//
// WAL mode is enabled on Open so readers (sagactl, status queries) never
// block the orchestrator's writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/ringsaga/internal/coordinator/sagalog"

	// Pure-Go driver, no CGO.
	_ "modernc.org/sqlite"
)

// schema is applied once on startup. The table is append-only: each row is
// an immutable event in a saga's lifecycle; the highest id per saga_id is its
// current state.
const schema = `
CREATE TABLE IF NOT EXISTS saga_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id         TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    event           TEXT        NOT NULL,
    current_step    TEXT        NOT NULL DEFAULT '',
    -- JSON step result, NULL when the event carries none.
    payload         TEXT,
    error_messages  TEXT        NOT NULL DEFAULT '[]',
    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',
    -- RFC3339 TEXT, SQLite has no datetime type.
    updated_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_saga_id ON saga_logs(saga_id, id);
CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
CREATE INDEX IF NOT EXISTS idx_saga_logs_status ON saga_logs(status);
`

const selectColumns = `saga_id, status, event, current_step, COALESCE(payload,''), error_messages,
       trace_id, span_id, updated_at`

// Repository is the SQLite implementation of the saga log.
type Repository struct {
	db *sql.DB
}

var (
	_ sagalog.Repository = (*Repository)(nil)
	_ sagalog.Reader     = (*Repository)(nil)
)

// Open opens (or creates) the SQLite database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/saga.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// One writer connection; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save appends a saga log entry. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *sagalog.SagaLog) error {
	const q = `
		INSERT INTO saga_logs
			(saga_id, status, event, current_step, payload, error_messages, trace_id, span_id, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)`

	errs := entry.ErrorMessages
	if errs == "" {
		errs = "[]"
	}

	_, err := r.db.ExecContext(ctx, q,
		entry.SagaID,
		string(entry.Status),
		string(entry.Event),
		entry.CurrentStep,
		nullableString(entry.Payload),
		errs,
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save saga log for %q: %w", entry.SagaID, err)
	}
	return nil
}

// History returns all rows of a saga in insertion order.
func (r *Repository) History(ctx context.Context, sagaID string) ([]*sagalog.SagaLog, error) {
	q := `SELECT ` + selectColumns + `
		FROM   saga_logs
		WHERE  saga_id = ?
		ORDER  BY id ASC`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", sagaID, err)
	}
	entries, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", sagaID, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("sqlite: saga %q: %w", sagaID, sagalog.ErrNotFound)
	}
	return entries, nil
}

// GetLatest returns the most recent log entry for a saga.
func (r *Repository) GetLatest(ctx context.Context, sagaID string) (*sagalog.SagaLog, error) {
	q := `SELECT ` + selectColumns + `
		FROM   saga_logs
		WHERE  saga_id = ?
		ORDER  BY id DESC
		LIMIT  1`

	entry, err := scanOne(r.db.QueryRowContext(ctx, q, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: saga %q: %w", sagaID, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get latest for %q: %w", sagaID, err)
	}
	return entry, nil
}

// ListByStatus returns the latest row of every saga currently in status.
func (r *Repository) ListByStatus(ctx context.Context, status sagalog.Status, limit int) ([]*sagalog.SagaLog, error) {
	q := `SELECT ` + selectColumns + `
		FROM   saga_logs
		WHERE  id IN (SELECT MAX(id) FROM saga_logs GROUP BY saga_id)
		  AND  status = ?
		ORDER  BY id DESC`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s sagas: %w", status, err)
	}
	entries, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s sagas: %w", status, err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner) (*sagalog.SagaLog, error) {
	var entry sagalog.SagaLog
	var updatedAt string
	err := row.Scan(
		&entry.SagaID,
		&entry.Status,
		&entry.Event,
		&entry.CurrentStep,
		&entry.Payload,
		&entry.ErrorMessages,
		&entry.TraceID,
		&entry.SpanID,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.UpdatedAt, err = parseRFC3339(updatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanAll(rows *sql.Rows) ([]*sagalog.SagaLog, error) {
	defer rows.Close()

	var out []*sagalog.SagaLog
	for rows.Next() {
		entry, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString stores empty payloads as NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
