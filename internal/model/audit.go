package model

import "time"

// AuditOutcome is the result of an externally visible operation.
type AuditOutcome string

const (
	AuditSucceeded AuditOutcome = "succeeded"
	AuditFailed    AuditOutcome = "failed"
	AuditSkipped   AuditOutcome = "skipped"
)

// Audited operation names.
const (
	OpFetch       = "fetch"
	OpCrawl       = "crawl"
	OpCacheBypass = "cache.bypass"
	OpTool        = "tool"
)

// AuditEntry is an immutable record of one externally visible action.
type AuditEntry struct {
	Seq       int64             `json:"seq"`
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	RunID     string            `json:"run_id,omitempty"`
	RecordID  string            `json:"record_id,omitempty"`
	Operation string            `json:"operation"`
	Fetcher   string            `json:"fetcher,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
	Outcome   AuditOutcome      `json:"outcome"`
	Detail    string            `json:"detail,omitempty"`
	PrevHash  string            `json:"prev_hash,omitempty"`
	Hash      string            `json:"hash"`
}
