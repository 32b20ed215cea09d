package orchestrator

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/model"
)

var stepTransitions = map[model.StepStatus]map[model.StepStatus]struct{}{
	model.StepPending: {
		model.StepRunning: {},
		model.StepSkipped: {},
	},
	model.StepRunning: {
		model.StepSuccess: {},
		model.StepSkipped: {},
		model.StepFailed:  {},
	},
	model.StepSuccess: {},
	model.StepSkipped: {},
	model.StepFailed:  {},
}

var planTransitions = map[model.PlanState]map[model.PlanState]struct{}{
	model.PlanPending: {
		model.PlanRunning:  {},
		model.PlanCanceled: {},
	},
	model.PlanRunning: {
		model.PlanSuccess:         {},
		model.PlanPartialFailure:  {},
		model.PlanBudgetExhausted: {},
		model.PlanAborted:         {},
		model.PlanCanceled:        {},
	},
	model.PlanSuccess:         {},
	model.PlanPartialFailure:  {},
	model.PlanBudgetExhausted: {},
	model.PlanAborted:         {},
	model.PlanCanceled:        {},
}

// ValidateStepTransition reports whether a step may move from one status to another.
func ValidateStepTransition(from, to model.StepStatus) error {
	next, ok := stepTransitions[from]
	if !ok {
		return eris.Errorf("orchestrator: invalid step status %q", from)
	}
	if _, ok := next[to]; !ok {
		return eris.Errorf("orchestrator: invalid step transition %s -> %s", from, to)
	}
	return nil
}

// ValidatePlanTransition reports whether a plan may move from one state to another.
func ValidatePlanTransition(from, to model.PlanState) error {
	next, ok := planTransitions[from]
	if !ok {
		return eris.Errorf("orchestrator: invalid plan state %q", from)
	}
	if _, ok := next[to]; !ok {
		return eris.Errorf("orchestrator: invalid plan transition %s -> %s", from, to)
	}
	return nil
}

func setStep(s *model.Step, to model.StepStatus, now time.Time) error {
	if err := ValidateStepTransition(s.Status, to); err != nil {
		return eris.Wrapf(err, "step %s", s.Kind)
	}
	t := now
	switch {
	case to == model.StepRunning:
		s.StartedAt = &t
	case to.Terminal():
		s.FinishedAt = &t
	}
	s.Status = to
	return nil
}

func setPlan(p *model.Plan, to model.PlanState) error {
	if err := ValidatePlanTransition(p.State, to); err != nil {
		return eris.Wrapf(err, "plan %s", p.RecordID)
	}
	p.State = to
	return nil
}
