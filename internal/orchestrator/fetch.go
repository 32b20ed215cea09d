package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/cache"
	"github.com/sells-group/backfill-cli/internal/fetcher"
	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

func (x *recordExec) cacheRequest(op string, d fetcher.Descriptor) cache.Request {
	req := cache.Request{
		Key:         fetcher.CacheKey(d, x.rec),
		Fetcher:     d.Name,
		Fingerprint: fetcher.Fingerprint(d, x.rec),
		TTL:         d.CacheTTL,
		Bypass:      x.run.policy.Refresh,
	}
	if req.Bypass {
		x.appendAudit(model.AuditEntry{
			Operation: model.OpCacheBypass,
			Fetcher:   d.Name,
			Args:      map[string]string{"cache": req.Key, "for": op},
			Outcome:   model.AuditSucceeded,
			Detail:    "profile requested refresh",
		})
	}
	return req
}

// fetchLocal runs a deterministic fetcher once. Failures are stable, so they
// are recorded as skipped and never retried.
func (x *recordExec) fetchLocal(ctx context.Context, f fetcher.Fetcher, targets []string, authoritative bool) model.FetchOutcome {
	d := f.Describe()
	req := x.cacheRequest("deterministic", d)
	out := model.FetchOutcome{Fetcher: d.Name, Targets: targets, CacheKey: req.Key}

	snap := x.rec.Clone()
	res, err := x.o.cache.Do(ctx, req, func(ctx context.Context) (*model.ProposalSet, error) {
		return safeFetch(ctx, f, snap)
	})
	if err != nil {
		out.Status = model.FetchSkipped
		out.Reason = model.ReasonFetchFailed
		out.Error = err.Error()
		if resilience.IsTimeout(err) {
			out.Status = model.FetchFailed
			out.Reason = model.ReasonTimeout
		}
		x.log.Debug("orchestrator: deterministic fetch skipped", zap.String("fetcher", d.Name), zap.Error(err))
		return out
	}

	out.Status = fetchStatus(res.Source)
	out.Attempts = attemptsFor(res.Source)
	x.applySet(res, d, authoritative, targets, &out)
	return out
}

// fetchRemote runs a network or crawl fetcher with retries. Every attempt is
// audited, refused ones included.
func (x *recordExec) fetchRemote(ctx context.Context, f fetcher.Fetcher, targets []string, op string) model.FetchOutcome {
	d := f.Describe()
	provider := d.ProviderName()
	req := x.cacheRequest(op, d)
	out := model.FetchOutcome{Fetcher: d.Name, Targets: targets, CacheKey: req.Key}
	breaker := x.o.breakers.Get(provider)
	pol := x.run.policy

	snap := x.rec.Clone()
	args := map[string]string{"provider": provider, "cache": req.Key}
	for _, in := range d.Inputs {
		if in == fetcher.RecordIDInput {
			args["id"] = snap.ID
			continue
		}
		args[in] = snap.StringValue(in)
	}

	// The load may outlive this call when ctx is cancelled, so it only
	// touches snap, args and attempts.
	var attempts atomic.Int64
	res, err := x.o.cache.Do(ctx, req, func(ctx context.Context) (*model.ProposalSet, error) {
		cfg := pol.Retry.Config()
		cfg.OnRetry = resilience.RetryLogger(d.Name, snap.ID)
		cfg.OnAttempt = func(attempt int, err error) {
			x.appendAudit(model.AuditEntry{
				Operation: op,
				Fetcher:   d.Name,
				Attempt:   attempt,
				Args:      args,
				Outcome:   attemptOutcome(err),
				Detail:    errDetail(err),
			})
		}
		set, n, err := resilience.DoValCount(ctx, cfg, func(ctx context.Context) (*model.ProposalSet, error) {
			if x.run.budget.exhausted() {
				return nil, errBudgetExhausted
			}
			if err := breaker.Allow(); err != nil {
				return nil, err
			}
			if err := x.o.budget.Acquire(ctx, provider); err != nil {
				return nil, err
			}
			// Only attempts that reach the fetcher count against the run.
			if !x.run.budget.take() {
				return nil, errBudgetExhausted
			}
			actx, cancel := context.WithTimeout(ctx, pol.AttemptTimeout())
			defer cancel()
			set, err := safeFetch(actx, f, snap)
			breaker.Record(err)
			x.adaptRate(provider, err)
			return set, err
		})
		attempts.Store(int64(n))
		return set, err
	})
	out.Attempts = int(attempts.Load())
	if err != nil {
		classifyRemoteError(err, &out)
		return out
	}

	out.Status = fetchStatus(res.Source)
	x.applySet(res, d, false, targets, &out)
	return out
}

func (x *recordExec) adaptRate(provider string, err error) {
	var fe *resilience.FetchError
	switch {
	case err == nil:
		x.o.budget.OnSuccess(provider)
	case errors.As(err, &fe) && fe.StatusCode == 429:
		x.o.budget.OnThrottled(provider)
	}
}

func classifyRemoteError(err error, out *model.FetchOutcome) {
	out.Error = err.Error()
	var fe *resilience.FetchError
	switch {
	case resilience.IsRateLimited(err):
		out.Status = model.FetchRateLimited
		out.Reason = model.ReasonRateLimited
	case errors.Is(err, errBudgetExhausted):
		out.Status = model.FetchBudgetExhausted
		out.Reason = model.ReasonBudgetExhausted
	case errors.Is(err, resilience.ErrCircuitOpen):
		out.Status = model.FetchFailed
		out.Reason = model.ReasonCircuitOpen
	case errors.Is(err, context.Canceled):
		out.Status = model.FetchFailed
		out.Reason = model.ReasonCanceled
	case resilience.IsTimeout(err):
		out.Status = model.FetchFailed
		out.Reason = model.ReasonTimeout
	case errors.As(err, &fe) && fe.Reason == resilience.FetchNoData:
		out.Status = model.FetchSkipped
		out.Reason = model.ReasonFetchFailed
	default:
		out.Status = model.FetchFailed
		out.Reason = model.ReasonFetchFailed
	}
}

func attemptOutcome(err error) model.AuditOutcome {
	switch {
	case err == nil:
		return model.AuditSucceeded
	case resilience.IsRateLimited(err), errors.Is(err, errBudgetExhausted), errors.Is(err, resilience.ErrCircuitOpen):
		return model.AuditSkipped
	default:
		return model.AuditFailed
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func fetchStatus(src cache.Source) model.FetchStatus {
	switch src {
	case cache.SourceHit:
		return model.FetchCacheHit
	case cache.SourceCoalesced:
		return model.FetchCoalesced
	default:
		return model.FetchFetched
	}
}

func attemptsFor(src cache.Source) int {
	if src == cache.SourceFetched {
		return 1
	}
	return 0
}

// applySet records every proposal for a target field and overwrites the field
// when the confidence rule allows it.
func (x *recordExec) applySet(res cache.Result, d fetcher.Descriptor, authoritative bool, targets []string, out *model.FetchOutcome) {
	if res.Set == nil {
		return
	}
	strategy := d.Strategy()
	var origin model.Strategy
	if res.Source != cache.SourceFetched {
		origin, strategy = strategy, model.StrategyCache
	}
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	for _, p := range res.Set.Proposals {
		if !want[p.Field] {
			continue
		}
		entry := model.ProvenanceEntry{
			Field:         p.Field,
			Value:         p.Value,
			Strategy:      strategy,
			Origin:        origin,
			Fetcher:       d.Name,
			Confidence:    p.Confidence,
			Citation:      p.Citation,
			Authoritative: authoritative,
			Priority:      d.Priority,
			RunID:         x.run.id,
		}
		if x.apply(entry) {
			out.Applied = append(out.Applied, p.Field)
		} else {
			out.Rejected = append(out.Rejected, p.Field)
		}
	}
}

// apply enforces the overwrite rule: eligible field, and either empty or the
// candidate is at least as confident. Accepted candidates are appended to the
// ledger and the field takes the ledger's winner.
func (x *recordExec) apply(e model.ProvenanceEntry) bool {
	pol := x.run.policy
	if !pol.Eligible(e.Field) || e.Confidence < 0 || e.Confidence > 1 {
		return false
	}
	cur, ok := x.rec.Fields[e.Field]
	if ok && !cur.IsEmpty() && e.Confidence < cur.Confidence {
		return false
	}

	x.rec.Provenance.Append(e)
	winner, found := ledger.Winner(x.rec.Provenance.History(e.Field), pol.TieBreak)
	if !found {
		return true
	}
	if ok && !cur.IsEmpty() && winner.Confidence < cur.Confidence {
		return true
	}
	x.rec.Fields[e.Field] = model.Field{Value: winner.Value, Confidence: winner.Confidence}
	return true
}

func (x *recordExec) auditSkipped(op, fetcherName, reason string) {
	x.appendAudit(model.AuditEntry{
		Operation: op,
		Fetcher:   fetcherName,
		Outcome:   model.AuditSkipped,
		Detail:    fmt.Sprintf("%s: %s", reason, x.gateSummary()),
	})
}

func (x *recordExec) appendAudit(e model.AuditEntry) {
	e.RunID = x.run.id
	e.RecordID = x.rec.ID
	stored := x.o.audit.Append(context.Background(), e)
	x.refsMu.Lock()
	x.auditRefs = append(x.auditRefs, stored.ID)
	x.refsMu.Unlock()
}

// safeFetch turns a fetcher panic into an error. Loads run on the cache's
// goroutine, out of reach of the step's recover.
func safeFetch(ctx context.Context, f fetcher.Fetcher, rec model.Record) (set *model.ProposalSet, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = resilience.NewFetchError(f.Describe().Name, resilience.FetchMalformed, eris.Errorf("panic: %v", p))
		}
	}()
	return f.Fetch(ctx, rec)
}
