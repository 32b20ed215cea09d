package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/backfill-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so range predicates compare numerically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fetch_cache (
	key         TEXT PRIMARY KEY,
	fetcher     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	payload     BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_artifacts (
	record_id TEXT NOT NULL,
	run_id    TEXT NOT NULL,
	run_at    INTEGER NOT NULL,
	state     TEXT NOT NULL,
	path      TEXT NOT NULL,
	PRIMARY KEY (record_id, run_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq       INTEGER PRIMARY KEY,
	id        TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	run_id    TEXT NOT NULL DEFAULT '',
	record_id TEXT NOT NULL DEFAULT '',
	operation TEXT NOT NULL,
	fetcher   TEXT NOT NULL DEFAULT '',
	attempt   INTEGER NOT NULL DEFAULT 0,
	args      TEXT,
	outcome   TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	prev_hash TEXT NOT NULL DEFAULT '',
	hash      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fetch_cache_expires_at ON fetch_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_fetch_cache_fetcher ON fetch_cache(fetcher);
CREATE INDEX IF NOT EXISTS idx_run_artifacts_record ON run_artifacts(record_id, run_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_record ON audit_log(run_id, record_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetCache returns the entry for key, or nil if there is none. Expired rows
// are returned as-is; the caller decides whether they are usable.
func (s *SQLiteStore) GetCache(ctx context.Context, key string) (*model.CacheRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, fetcher, fingerprint, payload, created_at, expires_at FROM fetch_cache WHERE key = ?`,
		key,
	)
	var rec model.CacheRecord
	var created, expires int64
	err := row.Scan(&rec.Key, &rec.Fetcher, &rec.Fingerprint, &rec.Payload, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cache %s", key)
	}
	rec.CreatedAt = fromNanos(created)
	rec.ExpiresAt = fromNanos(expires)
	return &rec, nil
}

func (s *SQLiteStore) PutCache(ctx context.Context, rec model.CacheRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_cache (key, fetcher, fingerprint, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			fetcher = excluded.fetcher,
			fingerprint = excluded.fingerprint,
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		rec.Key, rec.Fetcher, rec.Fingerprint, rec.Payload, rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: put cache %s", rec.Key)
}

func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fetch_cache WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SaveArtifact(ctx context.Context, ref model.ArtifactRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_artifacts (record_id, run_id, run_at, state, path) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_id, run_id) DO UPDATE SET
			run_at = excluded.run_at, state = excluded.state, path = excluded.path`,
		ref.RecordID, ref.RunID, ref.RunAt.UnixNano(), string(ref.State), ref.Path,
	)
	return eris.Wrapf(err, "sqlite: save artifact %s/%s", ref.RecordID, ref.RunID)
}

func (s *SQLiteStore) LatestArtifact(ctx context.Context, recordID string) (*model.ArtifactRef, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_id, run_id, run_at, state, path FROM run_artifacts
		 WHERE record_id = ? ORDER BY run_at DESC LIMIT 1`,
		recordID,
	)
	ref, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest artifact %s", recordID)
	}
	return ref, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]model.ArtifactRef, error) {
	var where []string
	var args []any
	if filter.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, filter.RecordID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT record_id, run_id, run_at, state, path FROM run_artifacts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY run_at DESC, record_id LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close()

	var refs []model.ArtifactRef
	for rows.Next() {
		ref, err := scanArtifact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact")
		}
		refs = append(refs, *ref)
	}
	return refs, eris.Wrap(rows.Err(), "sqlite: iterate artifacts")
}

const sqliteInsertAudit = `INSERT INTO audit_log
	(seq, id, ts, run_id, record_id, operation, fetcher, attempt, args, outcome, detail, prev_hash, hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(seq) DO NOTHING`

// WriteAudit stores one entry. A sequence number already present is left
// untouched so re-importing a log is idempotent.
func (s *SQLiteStore) WriteAudit(ctx context.Context, e model.AuditEntry) error {
	args, err := auditArgs(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteInsertAudit, args...)
	return eris.Wrapf(err, "sqlite: write audit %d", e.Seq)
}

// AppendAudit stores entries in one transaction and returns how many were new.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entries []model.AuditEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin audit batch")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertAudit)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare audit insert")
	}
	defer stmt.Close()

	var n int64
	for _, e := range entries {
		args, err := auditArgs(e)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert audit %d", e.Seq)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit audit batch")
	}
	return n, nil
}

const sqliteAuditColumns = `seq, id, ts, run_id, record_id, operation, fetcher, attempt, args, outcome, detail, prev_hash, hash`

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT ` + sqliteAuditColumns + ` FROM audit_log WHERE seq > ?`
	args := []any{filter.AfterSeq}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.RecordID != "" {
		query += ` AND record_id = ?`
		args = append(args, filter.RecordID)
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate audit")
}

func (s *SQLiteStore) LastAudit(ctx context.Context) (*model.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAuditColumns+` FROM audit_log ORDER BY seq DESC LIMIT 1`)
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanArtifact(row scannable) (*model.ArtifactRef, error) {
	var ref model.ArtifactRef
	var runAt int64
	var state string
	if err := row.Scan(&ref.RecordID, &ref.RunID, &runAt, &state, &ref.Path); err != nil {
		return nil, err
	}
	ref.RunAt = fromNanos(runAt)
	ref.State = model.PlanState(state)
	return &ref, nil
}

func scanAudit(row scannable) (*model.AuditEntry, error) {
	var e model.AuditEntry
	var ts int64
	var outcome string
	var args sql.NullString
	err := row.Scan(&e.Seq, &e.ID, &ts, &e.RunID, &e.RecordID, &e.Operation, &e.Fetcher,
		&e.Attempt, &args, &outcome, &e.Detail, &e.PrevHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan audit")
	}
	e.Timestamp = fromNanos(ts)
	e.Outcome = model.AuditOutcome(outcome)
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &e.Args); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal audit args %d", e.Seq)
		}
	}
	return &e, nil
}

func auditArgs(e model.AuditEntry) ([]any, error) {
	var args any
	if len(e.Args) > 0 {
		b, err := json.Marshal(e.Args)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal audit args")
		}
		args = string(b)
	}
	return []any{
		e.Seq, e.ID, e.Timestamp.UnixNano(), e.RunID, e.RecordID, e.Operation, e.Fetcher,
		e.Attempt, args, string(e.Outcome), e.Detail, e.PrevHash, e.Hash,
	}, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
