package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/backfill-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCache_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, fetcher, fingerprint, payload, created_at, expires_at FROM fetch_cache WHERE key = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetCache(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCache_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM fetch_cache WHERE key = \$1`).
		WithArgs("registry|abc").
		WillReturnRows(mock.NewRows([]string{"key", "fetcher", "fingerprint", "payload", "created_at", "expires_at"}).
			AddRow("registry|abc", "registry", "abc", []byte(`{}`), now, now.Add(time.Hour)))

	rec, err := s.GetCache(context.Background(), "registry|abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "registry", rec.Fetcher)
	assert.Equal(t, []byte(`{}`), rec.Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCache_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM fetch_cache`).
		WithArgs("k").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetCache(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: get cache k")
}

func TestPostgresStore_PutCache(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	rec := model.CacheRecord{Key: "k", Fetcher: "f", Fingerprint: "fp", Payload: []byte("x"), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectExec(`(?s)INSERT INTO fetch_cache .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("k", "f", "fp", []byte("x"), now, now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.PutCache(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredCache(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`DELETE FROM fetch_cache WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.DeleteExpiredCache(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveArtifact(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ref := model.ArtifactRef{RecordID: "acme", RunID: "run-1", RunAt: time.Now().UTC(), State: model.PlanSuccess, Path: "artifacts/acme/x.json"}

	mock.ExpectExec(`INSERT INTO run_artifacts`).
		WithArgs("acme", "run-1", ref.RunAt, "success", ref.Path).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveArtifact(context.Background(), ref))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestArtifact_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM run_artifacts\s+WHERE record_id = \$1 ORDER BY run_at DESC LIMIT 1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	ref, err := s.LatestArtifact(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListArtifacts_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	runAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM run_artifacts WHERE true AND record_id = \$1 AND state = \$2 ORDER BY run_at DESC, record_id LIMIT \$3 OFFSET \$4`).
		WithArgs("acme", "partial-failure", 10, 5).
		WillReturnRows(mock.NewRows([]string{"record_id", "run_id", "run_at", "state", "path"}).
			AddRow("acme", "run-2", runAt, "partial-failure", "p.json"))

	refs, err := s.ListArtifacts(context.Background(), ArtifactFilter{
		RecordID: "acme",
		State:    model.PlanPartialFailure,
		Limit:    10,
		Offset:   5,
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, model.PlanPartialFailure, refs[0].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteAudit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Now().UTC()
	e := model.AuditEntry{Seq: 7, ID: "id-7", Timestamp: ts, Operation: model.OpFetch, Fetcher: "registry", Attempt: 2, Outcome: model.AuditFailed, Hash: "h"}

	mock.ExpectExec(`(?s)INSERT INTO audit_log .* ON CONFLICT \(seq\) DO NOTHING`).
		WithArgs(int64(7), "id-7", ts, "", "", "fetch", "registry", 2, pgxmock.AnyArg(), "failed", "", "", "h").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.WriteAudit(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAudit_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	entries := []model.AuditEntry{
		{Seq: 1, ID: "a", Timestamp: now, Operation: model.OpFetch, Outcome: model.AuditFailed, Hash: "h1"},
		{Seq: 2, ID: "b", Timestamp: now, Operation: model.OpFetch, Outcome: model.AuditSucceeded, PrevHash: "h1", Hash: "h2", Args: map[string]string{"name": "Acme"}},
	}

	mock.ExpectCopyFrom(pgx.Identifier{"audit_log"}, auditCopyColumns).WillReturnResult(2)

	n, err := s.AppendAudit(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAudit_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.AppendAudit(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAudit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Now().UTC()

	mock.ExpectQuery(`FROM audit_log WHERE seq > \$1 AND record_id = \$2 ORDER BY seq LIMIT \$3`).
		WithArgs(int64(3), "acme", 50).
		WillReturnRows(mock.NewRows([]string{"seq", "id", "ts", "run_id", "record_id", "operation", "fetcher", "attempt", "args", "outcome", "detail", "prev_hash", "hash"}).
			AddRow(int64(4), "id-4", ts, "run-1", "acme", "fetch", "registry", 1, []byte(`{"name":"Acme"}`), "succeeded", "", "h3", "h4"))

	entries, err := s.ListAudit(context.Background(), AuditFilter{RecordID: "acme", AfterSeq: 3, Limit: 50})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Acme", entries[0].Args["name"])
	assert.Equal(t, model.AuditSucceeded, entries[0].Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastAudit_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM audit_log ORDER BY seq DESC LIMIT 1`).WillReturnError(pgx.ErrNoRows)

	e, err := s.LastAudit(context.Background())
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateAndPing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS fetch_cache`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectPing()

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditCopyColumns(t *testing.T) {
	assert.Equal(t, []string{"seq", "id", "ts", "run_id", "record_id", "operation", "fetcher", "attempt", "args", "outcome", "detail", "prev_hash", "hash"}, auditCopyColumns)
}
