package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/backfill-cli/internal/cache"
	"github.com/sells-group/backfill-cli/internal/fetcher"
	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/policy"
	"github.com/sells-group/backfill-cli/internal/ratebudget"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

type fetchFunc func(ctx context.Context, call int, rec model.Record) (*model.ProposalSet, error)

type fakeFetcher struct {
	desc fetcher.Descriptor
	fn   fetchFunc

	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) Describe() fetcher.Descriptor { return f.desc }

func (f *fakeFetcher) Fetch(ctx context.Context, rec model.Record) (*model.ProposalSet, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(ctx, n, rec)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// propose returns a fetch func proposing value for field at confidence.
func propose(name, field string, value any, confidence float64) fetchFunc {
	return func(_ context.Context, _ int, _ model.Record) (*model.ProposalSet, error) {
		return &model.ProposalSet{
			Fetcher:   name,
			Proposals: []model.Proposal{{Field: field, Value: value, Confidence: confidence, Citation: "test:" + name}},
			FetchedAt: time.Now().UTC(),
		}, nil
	}
}

func deterministicFake(name string, fn fetchFunc) *fakeFetcher {
	return &fakeFetcher{
		desc: fetcher.Descriptor{
			Name:     name,
			Category: fetcher.Deterministic,
			Fields:   []string{"switchboard"},
			Inputs:   []string{fetcher.RecordIDInput},
		},
		fn: fn,
	}
}

func networkFake(name string, crawl bool, fn fetchFunc) *fakeFetcher {
	return &fakeFetcher{
		desc: fetcher.Descriptor{
			Name:     name,
			Category: fetcher.Network,
			Crawl:    crawl,
			Fields:   []string{"switchboard"},
			Inputs:   []string{"name"},
		},
		fn: fn,
	}
}

type memArtifacts struct {
	mu   sync.Mutex
	arts map[string]*model.RunArtifact
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{arts: make(map[string]*model.RunArtifact)}
}

func (m *memArtifacts) Write(_ context.Context, a *model.RunArtifact) (model.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arts[a.RecordID] = a
	return model.ArtifactRef{RecordID: a.RecordID, RunID: a.RunID, RunAt: a.RunAt, State: a.Plan.State, Path: "mem://" + a.RecordID}, nil
}

func (m *memArtifacts) Get(recordID string) *model.RunArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.arts[recordID]
}

type harness struct {
	orch      *Orchestrator
	audit     *ledger.AuditLog
	artifacts *memArtifacts
	cache     *cache.FetchCache
	breakers  *resilience.ProviderBreakers
}

func newHarness(t *testing.T, opts Options, fs ...fetcher.Fetcher) *harness {
	t.Helper()
	return newHarnessWithCache(t, opts, cache.New(time.Hour, nil), fs...)
}

func newHarnessWithCache(t *testing.T, opts Options, fc *cache.FetchCache, fs ...fetcher.Fetcher) *harness {
	t.Helper()
	reg := fetcher.NewRegistry()
	for _, f := range fs {
		require.NoError(t, reg.Register(f))
	}
	h := &harness{
		audit:     ledger.NewAuditLog(),
		artifacts: newMemArtifacts(),
		cache:     fc,
		breakers:  resilience.NewProviderBreakers(resilience.DefaultCircuitBreakerConfig()),
	}
	h.orch = New(reg, fc, ratebudget.New(nil), h.breakers, h.audit, h.artifacts, opts)
	return h
}

func mustPolicy(t *testing.T, doc string) *policy.Policy {
	t.Helper()
	p, err := policy.Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

const switchboardProfile = `
name: org
target_confidence: 0.9
fields:
  switchboard:
    backfill: true
retry:
  max_attempts: 4
  initial_backoff_ms: 1
  max_backoff_ms: 2
`

func orgRecord(id, name string) model.Record {
	return model.Record{
		ID: id,
		Fields: map[string]model.Field{
			"name":  {Value: name, Confidence: 1},
			"phone": {Value: "(555) 123-4567", Confidence: 0.9},
		},
	}
}

func stepOf(t *testing.T, a *model.RunArtifact, kind model.StepKind) *model.Step {
	t.Helper()
	require.NotNil(t, a)
	s := a.Plan.Step(kind)
	require.NotNil(t, s, "step %s missing", kind)
	return s
}
