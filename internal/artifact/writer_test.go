package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/store"
)

func newIndexedStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func sampleArtifact(recordID string, runAt time.Time) *model.RunArtifact {
	return &model.RunArtifact{
		RecordID: recordID,
		RunID:    "run-" + runAt.Format("150405"),
		RunAt:    runAt,
		Profile:  "org",
		TieBreak: "priority",
		Plan: model.Plan{
			RecordID: recordID,
			Profile:  "org",
			State:    model.PlanSuccess,
			Steps: []model.Step{
				{Kind: model.StepLocalSnapshot, Status: model.StepSuccess},
				{Kind: model.StepDeterministic, Status: model.StepSuccess, Fetches: []model.FetchOutcome{
					{Fetcher: "phone_format", Targets: []string{"switchboard"}, Status: model.FetchFetched, Applied: []string{"switchboard"}},
				}},
				{Kind: model.StepNetwork, Status: model.StepSkipped, Reason: model.ReasonNetworkDisabled,
					Summary: "process switch=false, run authorization=false, profile network=auto"},
				{Kind: model.StepBackfillSummary, Status: model.StepSuccess},
			},
		},
		Fields: map[string]model.Field{
			"switchboard": {Value: "+15551234567", Confidence: 0.6},
		},
		Targets: map[string]float64{"switchboard": 0.9},
		Provenance: map[string][]model.ProvenanceEntry{
			"switchboard": {{
				Field:      "switchboard",
				Value:      "+15551234567",
				Strategy:   model.StrategyDeterministic,
				Fetcher:    "phone_format",
				Confidence: 0.6,
				RecordedAt: runAt,
			}},
		},
	}
}

func TestSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want string
	}{
		{"acme-001", "acme-001"},
		{"rec_7", "rec_7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.id))
	}

	// Rewritten ids keep a readable prefix and a hash suffix.
	s := Slug("ACME Holdings/01")
	assert.True(t, strings.HasPrefix(s, "acme-holdings-01-"), s)
	assert.Len(t, s, len("acme-holdings-01-")+8)

	assert.NotEqual(t, Slug("a/b"), Slug("a b"))
	assert.NotContains(t, Slug("../../etc/passwd"), "/")
	assert.False(t, strings.HasPrefix(Slug("../x"), "."))
	assert.True(t, strings.HasPrefix(Slug("///"), "record-"))
	assert.Equal(t, Slug("Ｒｅｃ"), Slug("Ｒｅｃ"))
}

func TestPath(t *testing.T) {
	t.Parallel()
	runAt := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.FixedZone("X", 3600))
	got := Path("/data", "r1", runAt)
	assert.Equal(t, filepath.Join("/data", "r1", "20260304T040607.123456Z.json"), got)
}

func TestWriter_WritesAndIndexes(t *testing.T) {
	t.Parallel()
	s := newIndexedStore(t)
	dir := t.TempDir()
	w, err := NewWriter(dir, s)
	require.NoError(t, err)

	runAt := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ref, err := w.Write(context.Background(), sampleArtifact("r1", runAt))
	require.NoError(t, err)
	assert.Equal(t, Path(dir, "r1", runAt), ref.Path)
	assert.Equal(t, model.PlanSuccess, ref.State)

	got, err := Read(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RecordID)
	assert.Equal(t, "+15551234567", got.Fields["switchboard"].Value)

	latest, err := s.LatestArtifact(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ref.Path, latest.Path)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(ref.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type failingIndex struct{}

func (failingIndex) SaveArtifact(context.Context, model.ArtifactRef) error {
	return eris.New("index down")
}

func TestWriter_IndexFailureKeepsFile(t *testing.T) {
	t.Parallel()
	w, err := NewWriter(t.TempDir(), failingIndex{})
	require.NoError(t, err)

	ref, err := w.Write(context.Background(), sampleArtifact("r1", time.Now().UTC()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index down")
	_, statErr := os.Stat(ref.Path)
	assert.NoError(t, statErr)
}

func TestWriter_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewWriter("", nil)
	require.Error(t, err)

	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = w.Write(context.Background(), &model.RunArtifact{})
	require.Error(t, err)
}

func TestWriter_OverwriteIsAtomic(t *testing.T) {
	t.Parallel()
	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)

	runAt := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	art := sampleArtifact("r1", runAt)
	_, err = w.Write(context.Background(), art)
	require.NoError(t, err)

	art.Plan.State = model.PlanPartialFailure
	ref, err := w.Write(context.Background(), art)
	require.NoError(t, err)

	got, err := Read(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPartialFailure, got.Plan.State)
}
