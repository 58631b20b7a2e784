// Package ledger keeps an append-only record of finished executions.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

// Record is one finished execution
type Record struct {
	ID         string         `db:"id" json:"id"`
	Subject    string         `db:"subject" json:"subject"`
	Resource   string         `db:"resource" json:"resource"`
	Status     string         `db:"status" json:"status"`
	ErrorKind  sql.NullString `db:"error_kind" json:"-"`
	ErrorCode  sql.NullString `db:"error_code" json:"-"`
	Attempts   int            `db:"attempts" json:"attempts"`
	DurationMs int64          `db:"duration_ms" json:"duration_ms"`
	Usage      int64          `db:"usage" json:"usage"`
	Degraded   bool           `db:"degraded" json:"degraded"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	FinishedAt time.Time      `db:"finished_at" json:"finished_at"`
}

// MarshalJSON writes the nullable error columns as plain strings, omitted
// when the execution did not fail
func (r Record) MarshalJSON() ([]byte, error) {
	type columns Record
	return json.Marshal(struct {
		columns
		ErrorKind string `json:"error_kind,omitempty"`
		ErrorCode string `json:"error_code,omitempty"`
	}{
		columns:   columns(r),
		ErrorKind: r.ErrorKind.String,
		ErrorCode: r.ErrorCode.String,
	})
}

// Recorder persists execution records
type Recorder interface {
	Record(ctx context.Context, rec *Record) error
}

// Reader lists recorded executions
type Reader interface {
	Recent(ctx context.Context, subject string, limit int) ([]Record, error)
}

// NopRecorder discards records
type NopRecorder struct{}

// Record implements Recorder
func (NopRecorder) Record(ctx context.Context, rec *Record) error { return nil }

// Recent implements Reader
func (NopRecorder) Recent(ctx context.Context, subject string, limit int) ([]Record, error) {
	return []Record{}, nil
}

// Execer is the slice of *sqlx.DB the recorder needs
type Execer interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

const insertExecution = `
INSERT INTO executions (
	id, subject, resource, status, error_kind, error_code,
	attempts, duration_ms, usage, degraded, started_at, finished_at
) VALUES (
	:id, :subject, :resource, :status, :error_kind, :error_code,
	:attempts, :duration_ms, :usage, :degraded, :started_at, :finished_at
)
ON CONFLICT (id) DO NOTHING`

const selectRecent = `
SELECT id, subject, resource, status, error_kind, error_code,
	attempts, duration_ms, usage, degraded, started_at, finished_at
FROM executions
WHERE subject = $1
ORDER BY started_at DESC
LIMIT $2`

const maxRecent = 500

// PostgresRecorder writes records with sqlx
type PostgresRecorder struct {
	db      Execer
	timeout time.Duration
}

// NewPostgresRecorder creates a recorder. Each write is bounded by timeout.
func NewPostgresRecorder(db Execer, timeout time.Duration) *PostgresRecorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PostgresRecorder{db: db, timeout: timeout}
}

// Record implements Recorder. Inserting the same id twice is a no-op.
func (r *PostgresRecorder) Record(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return errors.NewValidationError("execution record requires an id")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.NamedExecContext(ctx, insertExecution, rec); err != nil {
		return errors.NewDatabaseError("failed to record execution").WithCause(err)
	}
	return nil
}

// Recent implements Reader, newest first
func (r *PostgresRecorder) Recent(ctx context.Context, subject string, limit int) ([]Record, error) {
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records := []Record{}
	if err := r.db.SelectContext(ctx, &records, selectRecent, subject, limit); err != nil {
		return nil, errors.NewDatabaseError("failed to list executions").WithCause(err)
	}
	return records, nil
}

// NullString maps an empty string to NULL
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
