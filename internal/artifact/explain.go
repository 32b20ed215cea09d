package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/store"
)

// ErrNotFound is returned when no artifact exists for a record.
var ErrNotFound = eris.New("artifact: not found")

// Lookup finds indexed artifacts.
type Lookup interface {
	LatestArtifact(ctx context.Context, recordID string) (*model.ArtifactRef, error)
	ListArtifacts(ctx context.Context, filter store.ArtifactFilter) ([]model.ArtifactRef, error)
}

// Explanation answers "why does this field have this value?".
type Explanation struct {
	RecordID     string                  `json:"record_id"`
	Field        string                  `json:"field"`
	RunID        string                  `json:"run_id"`
	RunAt        time.Time               `json:"run_at"`
	Profile      string                  `json:"profile"`
	State        model.PlanState         `json:"state"`
	Value        any                     `json:"value"`
	Confidence   float64                 `json:"confidence"`
	Target       float64                 `json:"target,omitempty"`
	Eligible     bool                    `json:"eligible"`
	Resolved     bool                    `json:"resolved"`
	Winner       *model.ProvenanceEntry  `json:"winner,omitempty"`
	Conflict     bool                    `json:"conflict,omitempty"`
	Tied         []model.ProvenanceEntry `json:"tied,omitempty"`
	History      []model.ProvenanceEntry `json:"history"`
	Unresolved   []string                `json:"unresolved,omitempty"`
	ArtifactPath string                  `json:"artifact_path"`
}

// Explainer reads artifacts back. It never re-runs fetchers.
type Explainer struct {
	dir   string
	index Lookup
}

// NewExplainer reads artifacts under dir. Without an index it scans the
// directory.
func NewExplainer(dir string, index Lookup) *Explainer {
	return &Explainer{dir: dir, index: index}
}

// Latest returns the most recent artifact for recordID and its path.
func (e *Explainer) Latest(ctx context.Context, recordID string) (*model.RunArtifact, string, error) {
	if e.index != nil {
		ref, err := e.index.LatestArtifact(ctx, recordID)
		if err != nil {
			return nil, "", eris.Wrapf(err, "artifact: lookup %s", recordID)
		}
		if ref != nil {
			art, err := Read(ref.Path)
			return art, ref.Path, err
		}
	}

	paths, err := e.scan(recordID)
	if err != nil {
		return nil, "", err
	}
	if len(paths) == 0 {
		return nil, "", eris.Wrapf(ErrNotFound, "record %s", recordID)
	}
	path := paths[len(paths)-1]
	art, err := Read(path)
	return art, path, err
}

// List returns the artifacts for recordID, newest first.
func (e *Explainer) List(ctx context.Context, recordID string, limit int) ([]model.ArtifactRef, error) {
	if e.index != nil {
		refs, err := e.index.ListArtifacts(ctx, store.ArtifactFilter{RecordID: recordID, Limit: limit})
		if err != nil {
			return nil, eris.Wrapf(err, "artifact: list %s", recordID)
		}
		if len(refs) > 0 {
			return refs, nil
		}
	}

	paths, err := e.scan(recordID)
	if err != nil {
		return nil, err
	}
	var refs []model.ArtifactRef
	for i := len(paths) - 1; i >= 0; i-- {
		if limit > 0 && len(refs) >= limit {
			break
		}
		art, err := Read(paths[i])
		if err != nil {
			return nil, err
		}
		refs = append(refs, model.ArtifactRef{
			RecordID: art.RecordID,
			RunID:    art.RunID,
			RunAt:    art.RunAt,
			State:    art.Plan.State,
			Path:     paths[i],
		})
	}
	return refs, nil
}

// scan returns the artifact files of recordID, oldest first.
func (e *Explainer) scan(recordID string) ([]string, error) {
	dir := filepath.Join(e.dir, Slug(recordID))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: scan %s", dir)
	}
	var paths []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// Explain reports the value of field in the latest artifact of recordID, the
// entry that won, the full history and, if the field is below target, why.
func (e *Explainer) Explain(ctx context.Context, recordID, field string) (*Explanation, error) {
	art, path, err := e.Latest(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return ExplainArtifact(art, path, field), nil
}

// ExplainArtifact builds the explanation of field from one artifact.
func ExplainArtifact(art *model.RunArtifact, path, field string) *Explanation {
	ex := &Explanation{
		RecordID:     art.RecordID,
		Field:        field,
		RunID:        art.RunID,
		RunAt:        art.RunAt,
		Profile:      art.Profile,
		State:        art.Plan.State,
		History:      art.Provenance[field],
		ArtifactPath: path,
	}
	if ex.History == nil {
		ex.History = []model.ProvenanceEntry{}
	}
	f, present := art.Fields[field]
	if present {
		ex.Value = f.Value
		ex.Confidence = f.Confidence
	}
	ex.Target, ex.Eligible = art.Targets[field]

	tb := ledger.TieBreak(art.TieBreak)
	if !tb.Valid() {
		tb = ledger.TieBreakPriority
	}
	if res, ok := ledger.Resolve(ex.History, tb); ok {
		w := res.Winner
		ex.Winner = &w
		ex.Conflict = res.Conflict
		ex.Tied = res.Tied
	}

	ex.Resolved = present && !f.IsEmpty() && (!ex.Eligible || f.Confidence >= ex.Target)
	if !ex.Resolved || ex.Conflict {
		ex.Unresolved = unresolvedReasons(art, field, ex)
	}
	return ex
}

// unresolvedReasons walks the plan for everything that kept field from its
// target: steps that did not run and fetchers that did not deliver.
func unresolvedReasons(art *model.RunArtifact, field string, ex *Explanation) []string {
	var out []string
	if !ex.Eligible {
		out = append(out, "field is not eligible for backfill under profile "+art.Profile)
		return out
	}
	if ex.Conflict {
		out = append(out, fmt.Sprintf("%d equally ranked proposals disagree", len(ex.Tied)))
	}
	if len(ex.History) == 0 && ex.Value == nil {
		out = append(out, "no fetcher proposed a value")
	} else if !ex.Resolved {
		out = append(out, fmt.Sprintf("confidence %.2f is below target %.2f", ex.Confidence, ex.Target))
	}

	for _, s := range art.Plan.Steps {
		switch s.Kind {
		case model.StepLocalSnapshot, model.StepBackfillSummary:
			if s.Status == model.StepFailed {
				out = append(out, describeStep(s))
			}
			continue
		}
		if s.Status != model.StepSuccess && s.Reason != model.ReasonAuthoritativeSufficient {
			out = append(out, describeStep(s))
		}
		for _, fo := range s.Fetches {
			if !targets(fo, field) {
				continue
			}
			switch {
			case contains(fo.Rejected, field):
				out = append(out, fmt.Sprintf("%s: proposal rejected by the confidence rule", fo.Fetcher))
			case fo.Status == model.FetchFailed, fo.Status == model.FetchSkipped,
				fo.Status == model.FetchRateLimited, fo.Status == model.FetchBudgetExhausted:
				msg := fmt.Sprintf("%s: %s", fo.Fetcher, fo.Status)
				if fo.Reason != "" && string(fo.Reason) != string(fo.Status) {
					msg += " (" + string(fo.Reason) + ")"
				}
				if fo.Error != "" {
					msg += ": " + fo.Error
				}
				out = append(out, msg)
			case !contains(fo.Applied, field):
				out = append(out, fmt.Sprintf("%s: returned no value", fo.Fetcher))
			}
		}
	}
	return out
}

func describeStep(s model.Step) string {
	msg := fmt.Sprintf("%s %s", s.Kind, s.Status)
	if s.Reason != "" {
		msg += " (" + string(s.Reason) + ")"
	}
	if s.Summary != "" && s.Reason == model.ReasonNetworkDisabled {
		msg += ": " + s.Summary
	} else if s.Error != "" {
		msg += ": " + s.Error
	}
	return msg
}

func targets(fo model.FetchOutcome, field string) bool {
	return contains(fo.Targets, field)
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}
