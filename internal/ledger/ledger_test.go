package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentguard/pkg/config"
	apperrors "github.com/NikhilSetiya/agentguard/pkg/errors"
)

type fakeExecer struct {
	query string
	arg   interface{}
	args  []interface{}
	err   error
	rows  []Record
}

func (f *fakeExecer) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	f.query, f.arg = query, arg
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected a bounded context")
	}
	return nil, f.err
}

func (f *fakeExecer) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	f.query, f.args = query, args
	if f.err != nil {
		return f.err
	}
	*dest.(*[]Record) = append(*dest.(*[]Record), f.rows...)
	return nil
}

func TestPostgresRecorder_Record(t *testing.T) {
	db := &fakeExecer{}
	recorder := NewPostgresRecorder(db, time.Second)

	rec := &Record{
		ID:        "6f1c7a52-0d39-4c1b-9d5e-1f3f0d1f4a10",
		Subject:   "tenant-A",
		Resource:  "llm-provider",
		Status:    "failed",
		ErrorKind: NullString("external_service"),
		ErrorCode: NullString(""),
		Attempts:  3,
		StartedAt: time.Now(),
	}
	require.NoError(t, recorder.Record(context.Background(), rec))

	assert.Contains(t, db.query, "INSERT INTO executions")
	assert.Contains(t, db.query, "ON CONFLICT (id) DO NOTHING")
	assert.Same(t, rec, db.arg)
	assert.True(t, rec.ErrorKind.Valid)
	assert.False(t, rec.ErrorCode.Valid)
}

func TestPostgresRecorder_RecordErrors(t *testing.T) {
	recorder := NewPostgresRecorder(&fakeExecer{}, 0)
	err := recorder.Record(context.Background(), &Record{})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	failing := NewPostgresRecorder(&fakeExecer{err: errors.New("pq: relation \"executions\" does not exist")}, 0)
	err = failing.Record(context.Background(), &Record{ID: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDatabase, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestPostgresRecorder_Recent(t *testing.T) {
	db := &fakeExecer{rows: []Record{{ID: "a", Subject: "tenant-A"}, {ID: "b", Subject: "tenant-A"}}}
	recorder := NewPostgresRecorder(db, time.Second)

	records, err := recorder.Recent(context.Background(), "tenant-A", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []interface{}{"tenant-A", maxRecent}, db.args)

	_, err = recorder.Recent(context.Background(), "tenant-A", 10)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"tenant-A", 10}, db.args)
}

func TestRecord_JSONShowsFailureReason(t *testing.T) {
	failed := Record{
		ID:        "exec-1",
		Status:    "failed",
		ErrorKind: NullString("external_service"),
		ErrorCode: NullString("EXTERNAL_SERVICE_ERROR"),
	}
	data, err := json.Marshal([]Record{failed})
	require.NoError(t, err)

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "external_service", decoded[0]["error_kind"])
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", decoded[0]["error_code"])
	assert.Equal(t, "exec-1", decoded[0]["id"])

	data, err = json.Marshal(Record{ID: "exec-2", Status: "succeeded"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "error_kind")
}

func TestNopRecorder(t *testing.T) {
	var nop NopRecorder
	assert.NoError(t, nop.Record(context.Background(), nil))

	records, err := nop.Recent(context.Background(), "tenant-A", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEmbeddedMigrations(t *testing.T) {
	src, err := MigrationSource()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	up.Close()
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS executions")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	down.Close()

	_, err = src.Next(first)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDSN(t *testing.T) {
	dsn := DSN(&config.DatabaseConfig{
		Host: "db", Port: 5432, User: "agentguard", Password: "secret", Name: "ledger", SSLMode: "disable",
	})
	assert.Equal(t, "host=db port=5432 user=agentguard password=secret dbname=ledger sslmode=disable connect_timeout=10", dsn)
}

func TestOpenRequiresConfig(t *testing.T) {
	_, err := Open(context.Background(), nil)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))

	_, err = NewMigrator(nil)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}
