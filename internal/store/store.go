// Package store persists the fetch cache, the run-artifact index and the
// audit log. SQLite is the default backend; Postgres is available for shared
// deployments.
package store

import (
	"context"
	"time"

	"github.com/sells-group/backfill-cli/internal/model"
)

// ArtifactFilter specifies criteria for listing run artifacts.
type ArtifactFilter struct {
	RecordID string          `json:"record_id,omitempty"`
	RunID    string          `json:"run_id,omitempty"`
	State    model.PlanState `json:"state,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	RunID    string `json:"run_id,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	AfterSeq int64  `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for backfill runs.
type Store interface {
	// Fetch cache
	GetCache(ctx context.Context, key string) (*model.CacheRecord, error)
	PutCache(ctx context.Context, rec model.CacheRecord) error
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)

	// Artifact index
	SaveArtifact(ctx context.Context, ref model.ArtifactRef) error
	LatestArtifact(ctx context.Context, recordID string) (*model.ArtifactRef, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]model.ArtifactRef, error)

	// Audit log
	WriteAudit(ctx context.Context, e model.AuditEntry) error
	AppendAudit(ctx context.Context, entries []model.AuditEntry) (int64, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error)
	LastAudit(ctx context.Context) (*model.AuditEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
