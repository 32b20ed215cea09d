package artifact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/backfill-cli/internal/model"
)

func TestExplain_UsesLatestIndexedArtifact(t *testing.T) {
	t.Parallel()
	s := newIndexedStore(t)
	dir := t.TempDir()
	w, err := NewWriter(dir, s)
	require.NoError(t, err)
	ctx := context.Background()

	older := sampleArtifact("r1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := sampleArtifact("r1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	newer.Fields["switchboard"] = model.Field{Value: "+15550000000", Confidence: 0.95}
	newer.Provenance["switchboard"] = append(newer.Provenance["switchboard"], model.ProvenanceEntry{
		Field: "switchboard", Value: "+15550000000", Strategy: model.StrategyNetwork,
		Fetcher: "lookup", Confidence: 0.95,
	})
	_, err = w.Write(ctx, older)
	require.NoError(t, err)
	ref, err := w.Write(ctx, newer)
	require.NoError(t, err)

	ex, err := NewExplainer(dir, s).Explain(ctx, "r1", "switchboard")
	require.NoError(t, err)
	assert.Equal(t, newer.RunID, ex.RunID)
	assert.Equal(t, ref.Path, ex.ArtifactPath)
	assert.Equal(t, "+15550000000", ex.Value)
	assert.True(t, ex.Resolved)
	assert.Empty(t, ex.Unresolved)
	require.NotNil(t, ex.Winner)
	assert.Equal(t, "lookup", ex.Winner.Fetcher)
	assert.Len(t, ex.History, 2)
}

func TestExplain_ScansDirectoryWithoutIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := NewWriter(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, day := range []int{3, 1, 2} {
		_, err := w.Write(ctx, sampleArtifact("Acme/1", time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC)))
		require.NoError(t, err)
	}

	e := NewExplainer(dir, nil)
	art, _, err := e.Latest(ctx, "Acme/1")
	require.NoError(t, err)
	assert.Equal(t, 3, art.RunAt.Day())

	refs, err := e.List(ctx, "Acme/1", 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, 3, refs[0].RunAt.Day())
	assert.Equal(t, 2, refs[1].RunAt.Day())
}

func TestExplain_NotFound(t *testing.T) {
	t.Parallel()
	_, err := NewExplainer(t.TempDir(), newIndexedStore(t)).Explain(context.Background(), "ghost", "switchboard")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExplainArtifact_BelowTargetListsReasons(t *testing.T) {
	t.Parallel()
	art := sampleArtifact("r1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	ex := ExplainArtifact(art, "/tmp/a.json", "switchboard")
	assert.False(t, ex.Resolved)
	assert.True(t, ex.Eligible)
	assert.InDelta(t, 0.9, ex.Target, 1e-9)
	require.NotNil(t, ex.Winner)
	assert.Equal(t, "phone_format", ex.Winner.Fetcher)

	require.Len(t, ex.Unresolved, 2)
	assert.Contains(t, ex.Unresolved[0], "below target 0.90")
	assert.Contains(t, ex.Unresolved[1], "network-enrichment skipped (network-disabled)")
	assert.Contains(t, ex.Unresolved[1], "process switch=false")
}

func TestExplainArtifact_FailedFetchers(t *testing.T) {
	t.Parallel()
	art := sampleArtifact("r1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	delete(art.Fields, "switchboard")
	delete(art.Provenance, "switchboard")
	art.Plan.Steps[1].Fetches = []model.FetchOutcome{
		{Fetcher: "phone_format", Targets: []string{"switchboard"}, Status: model.FetchSkipped, Reason: model.ReasonFetchFailed, Error: "no phone"},
	}
	art.Plan.Steps[1].Status = model.StepSkipped
	art.Plan.Steps[1].Reason = model.ReasonFetchFailed
	art.Plan.Steps[2] = model.Step{
		Kind: model.StepNetwork, Status: model.StepFailed, Reason: model.ReasonTimeout, Error: "deadline exceeded",
		Fetches: []model.FetchOutcome{
			{Fetcher: "lookup", Targets: []string{"switchboard"}, Status: model.FetchFailed, Reason: model.ReasonTimeout, Attempts: 3},
			{Fetcher: "other", Targets: []string{"website"}, Status: model.FetchFailed},
		},
	}

	ex := ExplainArtifact(art, "", "switchboard")
	assert.False(t, ex.Resolved)
	assert.Nil(t, ex.Winner)
	assert.Empty(t, ex.History)
	assert.Equal(t, []string{
		"no fetcher proposed a value",
		"deterministic-enrichment skipped (fetch-failed)",
		"phone_format: skipped (fetch-failed): no phone",
		"network-enrichment failed (timeout): deadline exceeded",
		"lookup: failed (timeout)",
	}, ex.Unresolved)
}

func TestExplainArtifact_IneligibleField(t *testing.T) {
	t.Parallel()
	art := sampleArtifact("r1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	art.Fields["name"] = model.Field{Value: "Acme", Confidence: 1}

	ex := ExplainArtifact(art, "", "name")
	assert.False(t, ex.Eligible)
	assert.True(t, ex.Resolved)
	assert.Empty(t, ex.Unresolved)

	ex = ExplainArtifact(art, "", "website")
	assert.False(t, ex.Resolved)
	assert.Equal(t, []string{"field is not eligible for backfill under profile org"}, ex.Unresolved)
}

func TestExplainArtifact_Conflict(t *testing.T) {
	t.Parallel()
	art := sampleArtifact("r1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	art.TieBreak = "flag-conflict"
	art.Fields["switchboard"] = model.Field{Value: "+15550000001", Confidence: 0.95}
	art.Provenance["switchboard"] = []model.ProvenanceEntry{
		{Field: "switchboard", Value: "+15550000001", Strategy: model.StrategyNetwork, Fetcher: "a", Confidence: 0.95},
		{Field: "switchboard", Value: "+15550000002", Strategy: model.StrategyNetwork, Fetcher: "b", Confidence: 0.95},
	}

	ex := ExplainArtifact(art, "", "switchboard")
	assert.True(t, ex.Resolved)
	assert.True(t, ex.Conflict)
	assert.Len(t, ex.Tied, 2)
	assert.Equal(t, "a", ex.Winner.Fetcher)
	require.NotEmpty(t, ex.Unresolved)
	assert.Equal(t, "2 equally ranked proposals disagree", ex.Unresolved[0])
}
