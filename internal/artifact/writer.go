// Package artifact persists completed record plans as JSON files and explains
// field values from them without re-running the pipeline.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/backfill-cli/internal/model"
)

// TimeLayout names artifact files. It sorts lexically in run order.
const TimeLayout = "20060102T150405.000000Z"

// Index records where artifacts were written.
type Index interface {
	SaveArtifact(ctx context.Context, ref model.ArtifactRef) error
}

// Writer writes run artifacts under a base directory.
type Writer struct {
	dir   string
	index Index
}

// NewWriter creates the base directory. index may be nil.
func NewWriter(dir string, index Index) (*Writer, error) {
	if dir == "" {
		return nil, eris.New("artifact: dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create dir %s", dir)
	}
	return &Writer{dir: dir, index: index}, nil
}

// Dir returns the base directory.
func (w *Writer) Dir() string { return w.dir }

// Write stores art atomically at <dir>/<slug>/<run time>.json and indexes it.
// The file is in place even when indexing fails.
func (w *Writer) Write(ctx context.Context, art *model.RunArtifact) (model.ArtifactRef, error) {
	if art == nil || art.RecordID == "" {
		return model.ArtifactRef{}, eris.New("artifact: record id is required")
	}
	ref := model.ArtifactRef{
		RecordID: art.RecordID,
		RunID:    art.RunID,
		RunAt:    art.RunAt,
		State:    art.Plan.State,
		Path:     Path(w.dir, art.RecordID, art.RunAt),
	}
	if err := writeJSONAtomic(ref.Path, art); err != nil {
		return model.ArtifactRef{}, err
	}
	zap.L().Debug("artifact: written",
		zap.String("record", art.RecordID),
		zap.String("run_id", art.RunID),
		zap.String("path", ref.Path),
	)

	if w.index != nil {
		if err := w.index.SaveArtifact(ctx, ref); err != nil {
			return ref, eris.Wrapf(err, "artifact: index %s", art.RecordID)
		}
	}
	return ref, nil
}

// Path returns where the artifact of recordID for the run at runAt lives.
func Path(dir, recordID string, runAt time.Time) string {
	return filepath.Join(dir, Slug(recordID), runAt.UTC().Format(TimeLayout)+".json")
}

// Slug makes a record id safe as a directory name. Ids that need rewriting
// get a short hash suffix so distinct ids never share a directory.
func Slug(id string) string {
	s := cases.Fold().String(norm.NFKC.String(id))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.' && b.Len() > 0:
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-.")
	if slug == id {
		return slug
	}
	if slug == "" {
		slug = "record"
	}
	sum := sha256.Sum256([]byte(id))
	return slug + "-" + hex.EncodeToString(sum[:4])
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "artifact: marshal")
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "artifact: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return eris.Wrap(err, "artifact: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return eris.Wrap(err, "artifact: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return eris.Wrap(err, "artifact: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "artifact: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrap(err, "artifact: rename temp file")
	}
	return nil
}

// Read loads one artifact file.
func Read(path string) (*model.RunArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: read %s", path)
	}
	var art model.RunArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, eris.Wrapf(err, "artifact: parse %s", path)
	}
	return &art, nil
}
