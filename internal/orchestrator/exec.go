package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/fetcher"
	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

// recordExec owns one record and its plan for the duration of a run. Nothing
// in it is shared with other workers.
type recordExec struct {
	o         *Orchestrator
	run       *run
	rec       model.Record
	plan      model.Plan
	refsMu    sync.Mutex
	auditRefs []string
	fatal     error
	log       *zap.Logger
}

// stepResult is what a step body reports back to the runner.
type stepResult struct {
	status  model.StepStatus
	reason  model.Reason
	summary string
	err     string
	fetches []model.FetchOutcome
}

func newRecordExec(o *Orchestrator, r *run, rec model.Record) *recordExec {
	return &recordExec{
		o:    o,
		run:  r,
		rec:  rec,
		plan: BuildPlan(r.id, rec, r.policy),
		log:  zap.L().With(zap.String("run_id", r.id), zap.String("record", rec.ID)),
	}
}

func (x *recordExec) execute(ctx context.Context) {
	if ctx.Err() != nil {
		for i := range x.plan.Steps {
			x.skip(&x.plan.Steps[i], model.ReasonRunCanceled, "")
		}
		x.mustSetPlan(model.PlanCanceled)
		return
	}
	x.mustSetPlan(model.PlanRunning)

	var aborted, canceled bool
	for i := range x.plan.Steps {
		step := &x.plan.Steps[i]
		x.plan.Current = i

		switch {
		case aborted:
			x.skip(step, model.ReasonPlanAborted, "")
			continue
		case canceled || ctx.Err() != nil:
			canceled = true
			x.skip(step, model.ReasonRunCanceled, "")
			continue
		case dependencyFailed(&x.plan, step):
			x.skip(step, model.ReasonDependencyFailed, "")
			continue
		case x.budgetSpent(step.Kind):
			x.skip(step, model.ReasonBudgetExhausted, "run budget spent before step started")
			continue
		}

		x.runStep(ctx, step)

		if step.Status == model.StepFailed {
			if step.Reason == model.ReasonCanceled {
				canceled = true
			}
			if step.FatalIfFails {
				aborted = true
			}
		}
	}

	x.mustSetPlan(x.finalState(aborted, canceled))
	x.log.Debug("orchestrator: plan finished", zap.String("state", string(x.plan.State)))
}

// budgetSpent reports whether the run budget forbids starting a step. Call
// limits bind remote steps only; the wall-clock limit binds every fetching step.
func (x *recordExec) budgetSpent(kind model.StepKind) bool {
	switch kind {
	case model.StepNetwork, model.StepCrawl:
		return x.run.budget.exhausted()
	case model.StepAuthorityCheck, model.StepDeterministic:
		return x.run.budget.expired()
	default:
		return false
	}
}

func (x *recordExec) finalState(aborted, canceled bool) model.PlanState {
	if aborted {
		return model.PlanAborted
	}
	if canceled {
		return model.PlanCanceled
	}
	var failed, exhausted bool
	for _, s := range x.plan.Steps {
		switch {
		case s.Status == model.StepFailed:
			failed = true
		case s.Status == model.StepSkipped && s.Reason == model.ReasonBudgetExhausted:
			exhausted = true
		}
	}
	switch {
	case exhausted:
		return model.PlanBudgetExhausted
	case failed:
		return model.PlanPartialFailure
	default:
		return model.PlanSuccess
	}
}

// runStep executes one step under its own timeout and records the outcome.
// Panics and errors are recorded on the step; they never escape.
func (x *recordExec) runStep(ctx context.Context, step *model.Step) {
	x.mustSetStep(step, model.StepRunning)

	sctx, cancel := context.WithTimeout(ctx, x.run.policy.StepTimeout())
	defer cancel()

	res, err := x.safeBody(sctx, step.Kind)
	step.Fetches = append(step.Fetches, res.fetches...)
	step.Summary = res.summary

	switch {
	case ctx.Err() != nil && res.status != model.StepSuccess:
		x.finish(step, model.StepFailed, model.ReasonCanceled, errText(err, ctx.Err()))
	case errors.Is(sctx.Err(), context.DeadlineExceeded) && res.status != model.StepSuccess:
		x.finish(step, model.StepFailed, model.ReasonTimeout, errText(err, sctx.Err()))
	case err != nil:
		reason := res.reason
		switch {
		case resilience.IsConfiguration(err):
			reason = model.ReasonConfiguration
			x.fatal = err
		case resilience.IsTimeout(err):
			reason = model.ReasonTimeout
		case reason == "":
			reason = model.ReasonFetchFailed
		}
		x.finish(step, model.StepFailed, reason, err.Error())
	default:
		x.finish(step, res.status, res.reason, res.err)
	}

	if step.Status == model.StepFailed {
		x.log.Warn("orchestrator: step failed",
			zap.String("step", string(step.Kind)),
			zap.String("reason", string(step.Reason)),
			zap.String("error", step.Error),
		)
	}
}

func errText(err, fallback error) string {
	if err != nil {
		return err.Error()
	}
	return fallback.Error()
}

func (x *recordExec) safeBody(ctx context.Context, kind model.StepKind) (res stepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			x.log.Error("orchestrator: step panicked", zap.String("step", string(kind)), zap.Any("panic", p))
			res = stepResult{reason: model.ReasonPanic}
			err = eris.Errorf("orchestrator: step %s panicked: %v", kind, p)
		}
	}()

	switch kind {
	case model.StepLocalSnapshot:
		return x.localSnapshot()
	case model.StepAuthorityCheck:
		return x.authorityCheck(ctx), nil
	case model.StepDeterministic:
		return x.deterministic(ctx), nil
	case model.StepNetwork:
		return x.remote(ctx, false), nil
	case model.StepCrawl:
		return x.remote(ctx, true), nil
	case model.StepBackfillSummary:
		return x.summarize(), nil
	default:
		return stepResult{}, eris.Errorf("orchestrator: unknown step %q", kind)
	}
}

func (x *recordExec) skip(step *model.Step, reason model.Reason, summary string) {
	if step.Status.Terminal() {
		return
	}
	x.finish(step, model.StepSkipped, reason, "")
	if summary != "" {
		step.Summary = summary
	}
}

func (x *recordExec) finish(step *model.Step, status model.StepStatus, reason model.Reason, detail string) {
	if status == "" {
		status = model.StepSuccess
	}
	x.mustSetStep(step, status)
	if status != model.StepSuccess {
		step.Reason = reason
	}
	step.Error = detail
}

func (x *recordExec) mustSetStep(step *model.Step, to model.StepStatus) {
	if err := setStep(step, to, x.o.now()); err != nil {
		x.log.DPanic("orchestrator: illegal step transition", zap.Error(err))
	}
}

func (x *recordExec) mustSetPlan(to model.PlanState) {
	if err := setPlan(&x.plan, to); err != nil {
		x.log.DPanic("orchestrator: illegal plan transition", zap.Error(err))
	}
}

// localSnapshot validates the profile against this record and applies
// manual overrides. Any error here aborts the record's plan.
func (x *recordExec) localSnapshot() (stepResult, error) {
	pol := x.run.policy
	if err := pol.Validate(); err != nil {
		return stepResult{}, err
	}
	if err := pol.CheckGuards(x.o.opts.NetworkEnabled, x.run.allowNetwork); err != nil {
		return stepResult{}, err
	}
	if x.rec.Profile != "" && x.rec.Profile != pol.Name {
		return stepResult{}, resilience.NewConfigurationError("profile",
			fmt.Sprintf("record %s references profile %q, run uses %q", x.rec.ID, x.rec.Profile, pol.Name))
	}
	for _, name := range pol.AuthoritySources {
		f := x.o.registry.Get(name)
		if f == nil {
			return stepResult{}, resilience.NewConfigurationError("authority_sources", "unknown fetcher "+name)
		}
		if f.Describe().Category != fetcher.Deterministic {
			return stepResult{}, resilience.NewConfigurationError("authority_sources", name+" is not deterministic")
		}
	}
	if x.rec.Fields == nil {
		x.rec.Fields = make(map[string]model.Field)
	}

	overrides := make([]string, 0, len(x.rec.Overrides))
	for name := range x.rec.Overrides {
		overrides = append(overrides, name)
	}
	sort.Strings(overrides)
	for _, name := range overrides {
		ov := x.rec.Overrides[name]
		x.rec.Provenance.Append(model.ProvenanceEntry{
			Field:      name,
			Value:      ov.Value,
			Strategy:   model.StrategyManual,
			Confidence: ov.Confidence,
			Citation:   ov.Citation,
			RunID:      x.run.id,
		})
		x.rec.Fields[name] = model.Field{Value: ov.Value, Confidence: ov.Confidence}
	}

	eligible := pol.EligibleFields()
	open := x.openFields()
	return stepResult{
		status: model.StepSuccess,
		summary: fmt.Sprintf("%d eligible, %d satisfied, %d overrides",
			len(eligible), len(eligible)-len(open), len(overrides)),
	}, nil
}

// openFields returns the eligible fields still below their target.
func (x *recordExec) openFields() []string {
	var open []string
	for _, name := range x.run.policy.EligibleFields() {
		if !x.satisfied(name) {
			open = append(open, name)
		}
	}
	return open
}

func (x *recordExec) satisfied(field string) bool {
	f, ok := x.rec.Fields[field]
	return ok && !f.IsEmpty() && f.Confidence >= x.run.policy.Target(field)
}

func (x *recordExec) authorityCheck(ctx context.Context) stepResult {
	pol := x.run.policy
	if len(x.openFields()) == 0 {
		return stepResult{status: model.StepSkipped, reason: model.ReasonAuthoritativeSufficient}
	}
	var sources []fetcher.Fetcher
	for _, name := range pol.AuthoritySources {
		if f := x.o.registry.Get(name); f != nil {
			sources = append(sources, f)
		}
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Describe().Priority > sources[j].Describe().Priority
	})
	return x.runLocal(ctx, sources, true)
}

func (x *recordExec) deterministic(ctx context.Context) stepResult {
	pol := x.run.policy
	if len(x.openFields()) == 0 {
		return stepResult{status: model.StepSkipped, reason: model.ReasonAuthoritativeSufficient}
	}
	fs := x.o.registry.Select(func(d fetcher.Descriptor) bool {
		return d.Category == fetcher.Deterministic && pol.Allows(d.Name) && !pol.IsAuthority(d.Name)
	})
	return x.runLocal(ctx, fs, false)
}

func (x *recordExec) runLocal(ctx context.Context, fs []fetcher.Fetcher, authoritative bool) stepResult {
	var outs []model.FetchOutcome
	for _, f := range fs {
		if ctx.Err() != nil {
			break
		}
		targets := x.targets(f.Describe())
		if len(targets) == 0 {
			continue
		}
		outs = append(outs, x.fetchLocal(ctx, f, targets, authoritative))
	}
	return aggregate(outs, x.openFields())
}

// remote runs the network or crawl step.
func (x *recordExec) remote(ctx context.Context, crawl bool) stepResult {
	pol := x.run.policy
	op := model.OpFetch
	if crawl {
		op = model.OpCrawl
	}
	fs := x.o.registry.Select(func(d fetcher.Descriptor) bool {
		return d.Category == fetcher.Network && d.Crawl == crawl && pol.Allows(d.Name)
	})

	if !x.run.networkAllowed {
		for _, f := range fs {
			x.auditSkipped(op, f.Describe().Name, string(model.ReasonNetworkDisabled))
		}
		return stepResult{status: model.StepSkipped, reason: model.ReasonNetworkDisabled, summary: x.gateSummary()}
	}
	if len(x.openFields()) == 0 {
		return stepResult{status: model.StepSkipped, reason: model.ReasonAuthoritativeSufficient}
	}

	var outs []model.FetchOutcome
	for _, f := range fs {
		if ctx.Err() != nil {
			break
		}
		targets := x.targets(f.Describe())
		if len(targets) == 0 {
			continue
		}
		outs = append(outs, x.fetchRemote(ctx, f, targets, op))
	}
	return aggregate(outs, x.openFields())
}

func (x *recordExec) gateSummary() string {
	return fmt.Sprintf("process switch=%t, run authorization=%t, profile network=%s",
		x.o.opts.NetworkEnabled, x.run.allowNetwork, x.run.policy.Network)
}

// targets returns the open fields d can propose.
func (x *recordExec) targets(d fetcher.Descriptor) []string {
	var out []string
	for _, name := range x.openFields() {
		if d.Provides(name) {
			out = append(out, name)
		}
	}
	return out
}

// aggregate folds fetch outcomes into a step status.
func aggregate(outs []model.FetchOutcome, open []string) stepResult {
	res := stepResult{fetches: outs}
	res.summary = fmt.Sprintf("%d fetchers, %d fields open", len(outs), len(open))
	if len(outs) == 0 {
		res.status = model.StepSkipped
		res.reason = model.ReasonNoFetchers
		return res
	}

	var ok, failed, limited, exhausted int
	var firstFailed, firstSkipped *model.FetchOutcome
	for i := range outs {
		switch outs[i].Status {
		case model.FetchFetched, model.FetchCacheHit, model.FetchCoalesced:
			ok++
		case model.FetchFailed:
			failed++
			if firstFailed == nil {
				firstFailed = &outs[i]
			}
		case model.FetchRateLimited:
			limited++
		case model.FetchBudgetExhausted:
			exhausted++
		default:
			if firstSkipped == nil {
				firstSkipped = &outs[i]
			}
		}
	}

	switch {
	case ok > 0:
		res.status = model.StepSuccess
		if failed > 0 {
			res.summary += fmt.Sprintf(", %d failed", failed)
		}
	case failed > 0:
		res.status = model.StepFailed
		res.reason = firstFailed.Reason
		res.err = firstFailed.Fetcher + ": " + firstFailed.Error
	case exhausted > 0:
		res.status = model.StepSkipped
		res.reason = model.ReasonBudgetExhausted
	case limited > 0:
		res.status = model.StepSkipped
		res.reason = model.ReasonRateLimited
	default:
		res.status = model.StepSkipped
		res.reason = firstSkipped.Reason
		res.err = firstSkipped.Error
	}
	return res
}

// summarize reports the eligible fields and why any remain unresolved.
func (x *recordExec) summarize() stepResult {
	pol := x.run.policy
	var resolved []string
	var unresolved []string
	for _, name := range pol.EligibleFields() {
		if x.satisfied(name) {
			resolved = append(resolved, name)
			continue
		}
		unresolved = append(unresolved, name)
	}

	var conflicts []string
	for _, name := range x.rec.Provenance.Fields() {
		if res, ok := ledger.Resolve(x.rec.Provenance.History(name), pol.TieBreak); ok && res.Conflict {
			conflicts = append(conflicts, name)
		}
	}

	summary := fmt.Sprintf("%d/%d fields at target", len(resolved), len(resolved)+len(unresolved))
	if len(unresolved) > 0 {
		summary += "; unresolved: " + strings.Join(unresolved, ", ")
	}
	if len(conflicts) > 0 {
		summary += "; conflicts: " + strings.Join(conflicts, ", ")
	}
	return stepResult{status: model.StepSuccess, summary: summary}
}

// artifact bundles the finished plan.
func (x *recordExec) artifact() *model.RunArtifact {
	pol := x.run.policy
	targets := make(map[string]float64)
	for _, name := range pol.EligibleFields() {
		targets[name] = pol.Target(name)
	}
	x.refsMu.Lock()
	refs := make([]string, len(x.auditRefs))
	copy(refs, x.auditRefs)
	x.refsMu.Unlock()
	return &model.RunArtifact{
		RecordID:   x.rec.ID,
		RunID:      x.run.id,
		RunAt:      x.run.startedAt,
		Profile:    x.plan.Profile,
		TieBreak:   string(pol.TieBreak),
		Plan:       x.plan,
		Fields:     x.rec.Fields,
		Targets:    targets,
		Provenance: x.rec.Provenance.Snapshot(),
		AuditRefs:  refs,
	}
}
