package orchestrator

import (
	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/policy"
)

// BuildPlan lays out the steps for one record. The crawl step is present only
// when the profile asks for it; the network step is always present so that a
// closed gate is recorded rather than silently omitted.
func BuildPlan(runID string, rec model.Record, pol *policy.Policy) model.Plan {
	steps := []model.Step{
		{Kind: model.StepLocalSnapshot, FatalIfFails: true},
		{Kind: model.StepAuthorityCheck, DependsOn: []model.StepKind{model.StepLocalSnapshot}},
		{Kind: model.StepDeterministic, DependsOn: []model.StepKind{model.StepLocalSnapshot}},
		{
			Kind:      model.StepNetwork,
			Optional:  true,
			DependsOn: []model.StepKind{model.StepLocalSnapshot, model.StepAuthorityCheck},
		},
	}
	if pol != nil && pol.Crawl {
		steps = append(steps, model.Step{
			Kind:      model.StepCrawl,
			Optional:  true,
			DependsOn: []model.StepKind{model.StepNetwork},
		})
	}
	steps = append(steps, model.Step{Kind: model.StepBackfillSummary})

	for i := range steps {
		steps[i].Status = model.StepPending
	}
	profile := rec.Profile
	if pol != nil && pol.Name != "" {
		profile = pol.Name
	}
	return model.Plan{
		RecordID: rec.ID,
		RunID:    runID,
		Profile:  profile,
		State:    model.PlanPending,
		Steps:    steps,
	}
}

// dependencyFailed reports whether any dependency of s failed, directly or
// through a dependent that was skipped for the same reason.
func dependencyFailed(p *model.Plan, s *model.Step) bool {
	for _, kind := range s.DependsOn {
		dep := p.Step(kind)
		if dep == nil {
			continue
		}
		if dep.Status == model.StepFailed {
			return true
		}
		if dep.Status == model.StepSkipped && dep.Reason == model.ReasonDependencyFailed {
			return true
		}
	}
	return false
}
