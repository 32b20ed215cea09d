// Package orchestrator builds and executes per-record backfill plans across a
// bounded worker pool, sharing the fetch cache, rate budget, circuit breakers
// and audit log between workers.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/backfill-cli/internal/cache"
	"github.com/sells-group/backfill-cli/internal/fetcher"
	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/policy"
	"github.com/sells-group/backfill-cli/internal/ratebudget"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

// ArtifactSink persists a finished plan.
type ArtifactSink interface {
	Write(ctx context.Context, art *model.RunArtifact) (model.ArtifactRef, error)
}

// Options tune a run.
type Options struct {
	// Concurrency bounds how many record plans run at once. Default: 8.
	Concurrency int
	// NetworkEnabled is the process-wide network switch, read once at start.
	NetworkEnabled bool
	// MaxFetchCalls caps network and crawl attempts per run; 0 means unlimited.
	MaxFetchCalls int64
	// MaxDuration caps the wall-clock time of a run; 0 means unlimited.
	MaxDuration time.Duration
}

// Orchestrator runs backfill plans. The shared structures are injected so
// several orchestrators (or runs) can share one cache and one rate budget.
type Orchestrator struct {
	registry  *fetcher.Registry
	cache     *cache.FetchCache
	budget    *ratebudget.Budget
	breakers  *resilience.ProviderBreakers
	audit     *ledger.AuditLog
	artifacts ArtifactSink
	opts      Options
	now       func() time.Time
}

// New creates an orchestrator. Nil shared structures are replaced with
// private defaults; artifacts may be nil, in which case nothing is persisted.
func New(
	registry *fetcher.Registry,
	fc *cache.FetchCache,
	budget *ratebudget.Budget,
	breakers *resilience.ProviderBreakers,
	audit *ledger.AuditLog,
	artifacts ArtifactSink,
	opts Options,
) *Orchestrator {
	if registry == nil {
		registry = fetcher.NewRegistry()
	}
	if fc == nil {
		fc = cache.New(0, nil)
	}
	if budget == nil {
		budget = ratebudget.New(nil)
	}
	if breakers == nil {
		breakers = resilience.NewProviderBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if audit == nil {
		audit = ledger.NewAuditLog()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Orchestrator{
		registry:  registry,
		cache:     fc,
		budget:    budget,
		breakers:  breakers,
		audit:     audit,
		artifacts: artifacts,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// run holds what every record of one run shares.
type run struct {
	id             string
	startedAt      time.Time
	policy         *policy.Policy
	allowNetwork   bool
	networkAllowed bool
	budget         *runBudget
}

// Run enriches records under pol. allowNetwork is the per-run authorization;
// network and crawl steps execute only when it and the process switch are
// both set. Errors in one record never affect another; the returned error is
// reserved for invalid arguments.
//
// Provider rate limits are shared across runs of the same Orchestrator: the
// first profile to configure a provider sets its limit, and later profiles
// cannot change it.
func (o *Orchestrator) Run(ctx context.Context, records []model.Record, pol *policy.Policy, allowNetwork bool) (*model.RunSummary, error) {
	if pol == nil {
		return nil, eris.New("orchestrator: policy is required")
	}

	start := o.now()
	r := &run{
		id:             uuid.NewString(),
		startedAt:      start,
		policy:         pol,
		allowNetwork:   allowNetwork,
		networkAllowed: pol.NetworkPermitted(o.opts.NetworkEnabled, allowNetwork),
		budget:         newRunBudget(o.opts.MaxFetchCalls, o.opts.MaxDuration, start, o.now),
	}
	for provider, rl := range pol.RateLimits {
		o.budget.Configure(provider, ratebudget.Limit{MinInterval: rl.MinInterval(), Burst: rl.Burst})
	}
	o.audit.RedactFields(pol.Redact...)

	log := zap.L().With(zap.String("run_id", r.id), zap.String("profile", pol.Name))
	log.Info("orchestrator: run starting",
		zap.Int("records", len(records)),
		zap.Bool("network_allowed", r.networkAllowed),
		zap.Int("concurrency", o.opts.Concurrency),
	)
	before := o.cache.Stats()

	outcomes := make([]model.RecordOutcome, len(records))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i := range records {
		rec := records[i]
		g.Go(func() error {
			outcomes[i] = o.runRecord(ctx, r, rec)
			return nil
		})
	}
	_ = g.Wait()

	after := o.cache.Stats()
	summary := &model.RunSummary{
		RunID:          r.id,
		Profile:        pol.Name,
		StartedAt:      start,
		FinishedAt:     o.now(),
		NetworkAllowed: r.networkAllowed,
		Records:        outcomes,
		States:         make(map[model.PlanState]int),
		FetchCalls:     r.budget.used(),
		CacheHits:      after.Hits - before.Hits,
		CacheMisses:    after.Misses - before.Misses,
	}
	for _, out := range outcomes {
		summary.States[out.State]++
	}
	log.Info("orchestrator: run finished",
		zap.Any("states", summary.States),
		zap.Int64("fetch_calls", summary.FetchCalls),
		zap.Int64("cache_hits", summary.CacheHits),
		zap.Duration("elapsed", summary.FinishedAt.Sub(start)),
	)
	return summary, nil
}

// runRecord executes one plan on a private copy of rec and persists the
// artifact whatever the terminal state.
func (o *Orchestrator) runRecord(ctx context.Context, r *run, rec model.Record) (out model.RecordOutcome) {
	out = model.RecordOutcome{RecordID: rec.ID}
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("orchestrator: record panicked", zap.String("record", rec.ID), zap.Any("panic", p))
			out.State = model.PlanAborted
			out.Error = fmt.Sprintf("panic: %v", p)
		}
	}()

	x := newRecordExec(o, r, rec.Clone())
	x.execute(ctx)

	out.State = x.plan.State
	out.Fields = x.rec.Fields
	out.Issues = issues(&x.plan)
	if x.fatal != nil {
		out.Error = x.fatal.Error()
	}

	if o.artifacts == nil {
		return out
	}
	// A cancelled run still flushes what it decided.
	ref, err := o.artifacts.Write(context.WithoutCancel(ctx), x.artifact())
	if err != nil {
		zap.L().Error("orchestrator: write artifact", zap.String("record", rec.ID), zap.Error(err))
		if out.Error == "" {
			out.Error = err.Error()
		}
		return out
	}
	out.ArtifactPath = ref.Path
	return out
}

func issues(p *model.Plan) []model.StepIssue {
	var out []model.StepIssue
	for _, s := range p.Steps {
		if s.Status == model.StepSuccess {
			continue
		}
		out = append(out, model.StepIssue{Step: s.Kind, Status: s.Status, Reason: s.Reason, Error: s.Error})
	}
	return out
}
