package model

import "time"

// RunArtifact is the durable bundle of one record's completed plan. It holds
// everything needed to explain a field value without re-running the pipeline.
type RunArtifact struct {
	RecordID   string                       `json:"record_id"`
	RunID      string                       `json:"run_id"`
	RunAt      time.Time                    `json:"run_at"`
	Profile    string                       `json:"profile"`
	TieBreak   string                       `json:"tie_break,omitempty"`
	Plan       Plan                         `json:"plan"`
	Fields     map[string]Field             `json:"fields"`
	Targets    map[string]float64           `json:"targets,omitempty"` // eligible field -> target confidence
	Provenance map[string][]ProvenanceEntry `json:"provenance"`
	AuditRefs  []string                     `json:"audit_refs,omitempty"`
}

// ArtifactRef points at a stored artifact.
type ArtifactRef struct {
	RecordID string    `json:"record_id"`
	RunID    string    `json:"run_id"`
	RunAt    time.Time `json:"run_at"`
	State    PlanState `json:"state"`
	Path     string    `json:"path"`
}

// StepIssue describes a step that did not succeed.
type StepIssue struct {
	Step   StepKind   `json:"step"`
	Status StepStatus `json:"status"`
	Reason Reason     `json:"reason,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// RecordOutcome summarises one record's plan within a run.
type RecordOutcome struct {
	RecordID     string           `json:"record_id"`
	State        PlanState        `json:"state"`
	Issues       []StepIssue      `json:"issues,omitempty"`
	Fields       map[string]Field `json:"fields,omitempty"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// RunSummary is returned to the trigger interface after a run.
type RunSummary struct {
	RunID          string            `json:"run_id"`
	Profile        string            `json:"profile"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	NetworkAllowed bool              `json:"network_allowed"`
	Records        []RecordOutcome   `json:"records"`
	States         map[PlanState]int `json:"states"`
	FetchCalls     int64             `json:"fetch_calls"`
	CacheHits      int64             `json:"cache_hits"`
	CacheMisses    int64             `json:"cache_misses"`
}
