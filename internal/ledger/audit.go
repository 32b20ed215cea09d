package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/model"
)

// Redacted replaces sensitive argument values.
const Redacted = "[REDACTED]"

var secretMarkers = []string{"key", "token", "secret", "password", "authorization", "cookie"}

// Sink receives audit entries in append order.
type Sink interface {
	WriteAudit(ctx context.Context, e model.AuditEntry) error
}

// AuditLog is a single serialized log shared by all workers. Entries are
// sequenced, redacted and hash-chained before fan-out to the sinks.
type AuditLog struct {
	mu       sync.Mutex
	seq      int64
	lastHash string
	entries  []model.AuditEntry
	sinks    []Sink
	redact   map[string]struct{}
	now      func() time.Time
}

// NewAuditLog creates an empty log writing to sinks.
func NewAuditLog(sinks ...Sink) *AuditLog {
	return &AuditLog{
		sinks:  sinks,
		redact: make(map[string]struct{}),
		now:    time.Now,
	}
}

// Resume continues an existing chain, e.g. one read back from a JSONL file.
func (a *AuditLog) Resume(last model.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last.Seq > a.seq {
		a.seq = last.Seq
		a.lastHash = last.Hash
	}
}

// RedactFields marks argument names whose values are always redacted.
func (a *AuditLog) RedactFields(names ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range names {
		a.redact[strings.ToLower(n)] = struct{}{}
	}
}

// Append records e and returns it as stored. Sink failures are logged and do
// not fail the caller.
func (a *AuditLog) Append(ctx context.Context, e model.AuditEntry) model.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	e.Seq = a.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}
	// Postgres keeps microseconds; the hash must survive a round trip.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Args = a.redactArgs(e.Args)
	e.PrevHash = a.lastHash
	e.Hash = hashEntry(e)
	a.lastHash = e.Hash
	a.entries = append(a.entries, e)

	for _, s := range a.sinks {
		if err := s.WriteAudit(ctx, e); err != nil {
			zap.L().Error("audit: sink write failed",
				zap.Int64("seq", e.Seq),
				zap.String("operation", e.Operation),
				zap.Error(err),
			)
		}
	}
	return e
}

// Snapshot returns a copy of all entries appended through this log.
func (a *AuditLog) Snapshot() []model.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// ForRecord returns the entries for one record in the given run, in order.
func (a *AuditLog) ForRecord(runID, recordID string) []model.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range a.entries {
		if e.RecordID == recordID && (runID == "" || e.RunID == runID) {
			out = append(out, e)
		}
	}
	return out
}

func (a *AuditLog) redactArgs(args map[string]string) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		lk := strings.ToLower(k)
		if _, ok := a.redact[lk]; ok || looksSecret(lk) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

func looksSecret(key string) bool {
	for _, m := range secretMarkers {
		if strings.Contains(key, m) {
			return true
		}
	}
	return false
}

// hashEntry chains e to its predecessor: sha256 over the entry (without its
// own hash) and the previous hash.
func hashEntry(e model.AuditEntry) string {
	e.Hash = ""
	payload, _ := json.Marshal(e)
	sum := sha256.Sum256(append(payload, []byte("|"+e.PrevHash)...))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks sequence continuity and hashes of a contiguous run of
// entries.
func VerifyChain(entries []model.AuditEntry) error {
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.Seq != prev.Seq+1 {
				return eris.Errorf("audit: sequence gap at %d (after %d)", e.Seq, prev.Seq)
			}
			if e.PrevHash != prev.Hash {
				return eris.Errorf("audit: broken chain at seq %d", e.Seq)
			}
		}
		if hashEntry(e) != e.Hash {
			return eris.Errorf("audit: hash mismatch at seq %d", e.Seq)
		}
	}
	return nil
}
