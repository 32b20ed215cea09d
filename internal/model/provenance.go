package model

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Strategy identifies how a field contribution was obtained.
type Strategy string

const (
	StrategyCache         Strategy = "cache"
	StrategyDeterministic Strategy = "deterministic"
	StrategyNetwork       Strategy = "network"
	StrategyCrawl         Strategy = "crawl"
	StrategyManual        Strategy = "manual"
)

// ProvenanceEntry is an immutable record of one contribution to a field.
type ProvenanceEntry struct {
	Field         string    `json:"field"`
	Value         any       `json:"value"`
	Strategy      Strategy  `json:"strategy"`
	Origin        Strategy  `json:"origin,omitempty"` // underlying strategy of a cache entry
	Fetcher       string    `json:"fetcher,omitempty"`
	Confidence    float64   `json:"confidence"`
	Citation      string    `json:"citation,omitempty"`
	Authoritative bool      `json:"authoritative,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// RankStrategy returns the strategy used for tie-breaking. Cache entries
// rank as the strategy that originally produced them.
func (e ProvenanceEntry) RankStrategy() Strategy {
	if e.Strategy == StrategyCache && e.Origin != "" {
		return e.Origin
	}
	return e.Strategy
}

// ProvenanceLog is an append-only, per-field log of contributions. Reads
// always return copies.
type ProvenanceLog struct {
	mu      sync.RWMutex
	entries map[string][]ProvenanceEntry
}

// NewProvenanceLog creates an empty log.
func NewProvenanceLog() *ProvenanceLog {
	return &ProvenanceLog{entries: make(map[string][]ProvenanceEntry)}
}

// Append adds an entry to the end of its field's history. Entries are kept in
// append order; a zero timestamp is stamped with the current time, and a
// timestamp earlier than the field's last entry is raised to it.
func (l *ProvenanceLog) Append(e ProvenanceEntry) ProvenanceEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[string][]ProvenanceEntry)
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	hist := l.entries[e.Field]
	if n := len(hist); n > 0 && e.RecordedAt.Before(hist[n-1].RecordedAt) {
		e.RecordedAt = hist[n-1].RecordedAt
	}
	l.entries[e.Field] = append(hist, e)
	return e
}

// History returns a copy of the entries for a field in append order.
func (l *ProvenanceLog) History(field string) []ProvenanceEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hist := l.entries[field]
	out := make([]ProvenanceEntry, len(hist))
	copy(out, hist)
	return out
}

// Len returns the number of entries recorded for a field.
func (l *ProvenanceLog) Len(field string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[field])
}

// Fields returns the names of fields with at least one entry, sorted.
func (l *ProvenanceLog) Fields() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the whole log.
func (l *ProvenanceLog) Snapshot() map[string][]ProvenanceEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string][]ProvenanceEntry, len(l.entries))
	for k, v := range l.entries {
		cp := make([]ProvenanceEntry, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Clone returns an independent copy of the log.
func (l *ProvenanceLog) Clone() *ProvenanceLog {
	return &ProvenanceLog{entries: l.Snapshot()}
}

// MarshalJSON encodes the log as a field -> entries object.
func (l *ProvenanceLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Snapshot())
}

// UnmarshalJSON decodes a field -> entries object.
func (l *ProvenanceLog) UnmarshalJSON(data []byte) error {
	var m map[string][]ProvenanceEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m == nil {
		m = make(map[string][]ProvenanceEntry)
	}
	l.entries = m
	return nil
}
