package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/db"
	"github.com/sells-group/backfill-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgGetCache = `SELECT key, fetcher, fingerprint, payload, created_at, expires_at FROM fetch_cache WHERE key = $1`
	pgPutCache = `INSERT INTO fetch_cache (key, fetcher, fingerprint, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			fetcher = EXCLUDED.fetcher,
			fingerprint = EXCLUDED.fingerprint,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`
	pgDeleteExpiredCache = `DELETE FROM fetch_cache WHERE expires_at <= $1`
	pgSaveArtifact       = `INSERT INTO run_artifacts (record_id, run_id, run_at, state, path) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_id, run_id) DO UPDATE SET
			run_at = EXCLUDED.run_at, state = EXCLUDED.state, path = EXCLUDED.path`
	pgLatestArtifact = `SELECT record_id, run_id, run_at, state, path FROM run_artifacts
		WHERE record_id = $1 ORDER BY run_at DESC LIMIT 1`
	pgAuditColumns = `seq, id, ts, run_id, record_id, operation, fetcher, attempt, args, outcome, detail, prev_hash, hash`
	pgInsertAudit  = `INSERT INTO audit_log (` + pgAuditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (seq) DO NOTHING`
	pgLastAudit = `SELECT ` + pgAuditColumns + ` FROM audit_log ORDER BY seq DESC LIMIT 1`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_cache":            pgGetCache,
	"put_cache":            pgPutCache,
	"delete_expired_cache": pgDeleteExpiredCache,
	"save_artifact":        pgSaveArtifact,
	"latest_artifact":      pgLatestArtifact,
	"insert_audit":         pgInsertAudit,
}

// auditCopyColumns is the COPY column order used by AppendAudit.
var auditCopyColumns = strings.Split(strings.ReplaceAll(pgAuditColumns, " ", ""), ",")

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fetch_cache (
	key         TEXT PRIMARY KEY,
	fetcher     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	payload     BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_artifacts (
	record_id TEXT NOT NULL,
	run_id    TEXT NOT NULL,
	run_at    TIMESTAMPTZ NOT NULL,
	state     TEXT NOT NULL,
	path      TEXT NOT NULL,
	PRIMARY KEY (record_id, run_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq       BIGINT PRIMARY KEY,
	id        TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	run_id    TEXT NOT NULL DEFAULT '',
	record_id TEXT NOT NULL DEFAULT '',
	operation TEXT NOT NULL,
	fetcher   TEXT NOT NULL DEFAULT '',
	attempt   INTEGER NOT NULL DEFAULT 0,
	args      JSONB,
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetCache(ctx context.Context, key string) (*model.CacheRecord, error) {
	var rec model.CacheRecord
	err := s.pool.QueryRow(ctx, pgGetCache, key).
		Scan(&rec.Key, &rec.Fetcher, &rec.Fingerprint, &rec.Payload, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cache %s", key)
	}
	return &rec, nil
}

func (s *PostgresStore) PutCache(ctx context.Context, rec model.CacheRecord) error {
	_, err := s.pool.Exec(ctx, pgPutCache,
		rec.Key, rec.Fetcher, rec.Fingerprint, rec.Payload, rec.CreatedAt, rec.ExpiresAt,
	)
	return eris.Wrapf(err, "postgres: put cache %s", rec.Key)
}

func (s *PostgresStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgDeleteExpiredCache, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveArtifact(ctx context.Context, ref model.ArtifactRef) error {
	_, err := s.pool.Exec(ctx, pgSaveArtifact,
		ref.RecordID, ref.RunID, ref.RunAt, string(ref.State), ref.Path,
	)
	return eris.Wrapf(err, "postgres: save artifact %s/%s", ref.RecordID, ref.RunID)
}

func (s *PostgresStore) LatestArtifact(ctx context.Context, recordID string) (*model.ArtifactRef, error) {
	ref, err := scanPgArtifact(s.pool.QueryRow(ctx, pgLatestArtifact, recordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest artifact %s", recordID)
	}
	return ref, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]model.ArtifactRef, error) {
	query := `SELECT record_id, run_id, run_at, state, path FROM run_artifacts WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RecordID != "" {
		query += fmt.Sprintf(` AND record_id = $%d`, argIdx)
		args = append(args, filter.RecordID)
		argIdx++
	}
	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	query += ` ORDER BY run_at DESC, record_id`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts")
	}
	defer rows.Close()

	var refs []model.ArtifactRef
	for rows.Next() {
		ref, err := scanPgArtifact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact")
		}
		refs = append(refs, *ref)
	}
	return refs, eris.Wrap(rows.Err(), "postgres: iterate artifacts")
}

func (s *PostgresStore) WriteAudit(ctx context.Context, e model.AuditEntry) error {
	row, err := pgAuditRow(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgInsertAudit, row...)
	return eris.Wrapf(err, "postgres: write audit %d", e.Seq)
}

// AppendAudit bulk-loads entries with COPY. Unlike WriteAudit it fails on a
// sequence number that is already stored, so callers pass only new entries.
func (s *PostgresStore) AppendAudit(ctx context.Context, entries []model.AuditEntry) (int64, error) {
	n, err := db.CopyRows(ctx, s.pool, "audit_log", auditCopyColumns, entries, pgAuditRow)
	return n, eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT ` + pgAuditColumns + ` FROM audit_log WHERE seq > $1`
	args := []any{filter.AfterSeq}
	argIdx := 2

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.RecordID != "" {
		query += fmt.Sprintf(` AND record_id = $%d`, argIdx)
		args = append(args, filter.RecordID)
		argIdx++
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		e, err := scanPgAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate audit")
}

func (s *PostgresStore) LastAudit(ctx context.Context) (*model.AuditEntry, error) {
	e, err := scanPgAudit(s.pool.QueryRow(ctx, pgLastAudit))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanPgArtifact(row scannable) (*model.ArtifactRef, error) {
	var ref model.ArtifactRef
	var state string
	if err := row.Scan(&ref.RecordID, &ref.RunID, &ref.RunAt, &state, &ref.Path); err != nil {
		return nil, err
	}
	ref.RunAt = ref.RunAt.UTC()
	ref.State = model.PlanState(state)
	return &ref, nil
}

func scanPgAudit(row scannable) (*model.AuditEntry, error) {
	var e model.AuditEntry
	var outcome string
	var args []byte
	err := row.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.RunID, &e.RecordID, &e.Operation, &e.Fetcher,
		&e.Attempt, &args, &outcome, &e.Detail, &e.PrevHash, &e.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan audit")
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Outcome = model.AuditOutcome(outcome)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &e.Args); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal audit args %d", e.Seq)
		}
	}
	return &e, nil
}

func pgAuditRow(e model.AuditEntry) ([]any, error) {
	var args []byte
	if len(e.Args) > 0 {
		b, err := json.Marshal(e.Args)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal audit args")
		}
		args = b
	}
	return []any{
		e.Seq, e.ID, e.Timestamp, e.RunID, e.RecordID, e.Operation, e.Fetcher,
		e.Attempt, args, string(e.Outcome), e.Detail, e.PrevHash, e.Hash,
	}, nil
}
