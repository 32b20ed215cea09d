package model

import "time"

// StepKind identifies a stage of a record's plan.
type StepKind string

const (
	StepLocalSnapshot   StepKind = "local-snapshot"
	StepAuthorityCheck  StepKind = "authority-check"
	StepDeterministic   StepKind = "deterministic-enrichment"
	StepNetwork         StepKind = "network-enrichment"
	StepCrawl           StepKind = "crawl"
	StepBackfillSummary StepKind = "backfill-summary"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepSkipped || s == StepFailed
}

// Reason explains why a step was skipped or failed.
type Reason string

const (
	ReasonAuthoritativeSufficient Reason = "authoritative-sufficient"
	ReasonNetworkDisabled         Reason = "network-disabled"
	ReasonBudgetExhausted         Reason = "budget-exhausted"
	ReasonRateLimited             Reason = "rate-limited"
	ReasonTimeout                 Reason = "timeout"
	ReasonCanceled                Reason = "canceled"
	ReasonRunCanceled             Reason = "run-canceled"
	ReasonDependencyFailed        Reason = "dependency-failed"
	ReasonPlanAborted             Reason = "plan-aborted"
	ReasonNoFetchers              Reason = "no-fetchers"
	ReasonConfiguration           Reason = "configuration-error"
	ReasonFetchFailed             Reason = "fetch-failed"
	ReasonCircuitOpen             Reason = "circuit-open"
	ReasonPanic                   Reason = "panic"
)

// FetchStatus is the outcome of one fetcher within a step.
type FetchStatus string

const (
	FetchFetched         FetchStatus = "fetched"
	FetchCacheHit        FetchStatus = "cache-hit"
	FetchCoalesced       FetchStatus = "coalesced"
	FetchFailed          FetchStatus = "failed"
	FetchSkipped         FetchStatus = "skipped"
	FetchRateLimited     FetchStatus = "rate-limited"
	FetchBudgetExhausted FetchStatus = "budget-exhausted"
)

// FetchOutcome records what one fetcher did for a record within a step.
type FetchOutcome struct {
	Fetcher  string      `json:"fetcher"`
	Targets  []string    `json:"targets"`
	Status   FetchStatus `json:"status"`
	Reason   Reason      `json:"reason,omitempty"`
	Attempts int         `json:"attempts,omitempty"`
	CacheKey string      `json:"cache_key,omitempty"`
	Error    string      `json:"error,omitempty"`
	Applied  []string    `json:"applied,omitempty"`
	Rejected []string    `json:"rejected,omitempty"`
}

// Step is one stage in a record's plan.
type Step struct {
	Kind         StepKind       `json:"kind"`
	Status       StepStatus     `json:"status"`
	Reason       Reason         `json:"reason,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Error        string         `json:"error,omitempty"`
	FatalIfFails bool           `json:"fatal_if_fails,omitempty"`
	Optional     bool           `json:"optional,omitempty"`
	DependsOn    []StepKind     `json:"depends_on,omitempty"`
	Fetches      []FetchOutcome `json:"fetches,omitempty"`
	ArtifactRefs []string       `json:"artifact_refs,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// PlanState is the state of a record's plan as a whole.
type PlanState string

const (
	PlanPending         PlanState = "pending"
	PlanRunning         PlanState = "running"
	PlanSuccess         PlanState = "success"
	PlanPartialFailure  PlanState = "partial-failure"
	PlanBudgetExhausted PlanState = "budget-exhausted"
	PlanAborted         PlanState = "aborted"
	PlanCanceled        PlanState = "canceled"
)

// Terminal reports whether the plan has finished.
func (s PlanState) Terminal() bool {
	switch s {
	case PlanSuccess, PlanPartialFailure, PlanBudgetExhausted, PlanAborted, PlanCanceled:
		return true
	default:
		return false
	}
}

// Plan is the ordered sequence of steps for one record in one run.
type Plan struct {
	RecordID string    `json:"record_id"`
	RunID    string    `json:"run_id"`
	Profile  string    `json:"profile"`
	State    PlanState `json:"state"`
	Current  int       `json:"current"`
	Steps    []Step    `json:"steps"`
}

// Step returns a pointer to the step of the given kind, or nil.
func (p *Plan) Step(kind StepKind) *Step {
	for i := range p.Steps {
		if p.Steps[i].Kind == kind {
			return &p.Steps[i]
		}
	}
	return nil
}
