// Package records loads the refined dataset rows a run enriches. JSON files
// hold an array of records; JSONL holds one per line; CSV and XLSX sheets are
// read by header, with "<field>_confidence" columns carrying confidences.
package records

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/fetcher"
	"github.com/sells-group/backfill-cli/internal/model"
)

const confidenceSuffix = "_confidence"

// Options tune tabular loading.
type Options struct {
	// DefaultConfidence applies to non-empty cells without a confidence
	// column. Default: 1.
	DefaultConfidence float64
}

// Load reads records from path, choosing the format by extension.
func Load(path string, opts Options) ([]model.Record, error) {
	if opts.DefaultConfidence <= 0 || opts.DefaultConfidence > 1 {
		opts.DefaultConfidence = 1
	}

	var (
		recs []model.Record
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".jsonl", ".ndjson":
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, eris.Wrapf(openErr, "records: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		if ext == ".json" {
			recs, err = DecodeJSON(f)
		} else {
			recs, err = DecodeJSONL(f)
		}
	case ".csv", ".xlsx":
		var t *fetcher.Table
		t, err = fetcher.ReadTable(path)
		if err == nil {
			recs, err = FromTable(t, opts)
		}
	default:
		return nil, eris.Errorf("records: unsupported file type %q", ext)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "records: load %s", path)
	}
	if err := validate(recs); err != nil {
		return nil, eris.Wrapf(err, "records: load %s", path)
	}
	return recs, nil
}

// DecodeJSON streams a JSON array of records.
func DecodeJSON(r io.Reader) ([]model.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrap(err, "records: read array start")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, eris.New("records: expected a JSON array of records")
	}

	var out []model.Record
	for dec.More() {
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "records: decode record %d", len(out)+1)
		}
		out = append(out, normalize(rec))
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "records: read array end")
	}
	return out, nil
}

// DecodeJSONL reads one record per line. Blank lines are skipped.
func DecodeJSONL(r io.Reader) ([]model.Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var out []model.Record
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "records: parse line %d", lineNo)
		}
		out = append(out, normalize(rec))
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "records: read lines")
	}
	return out, nil
}

// normalize turns json.Number values into int64 or float64.
func normalize(rec model.Record) model.Record {
	for name, f := range rec.Fields {
		if n, ok := f.Value.(json.Number); ok {
			f.Value = number(n)
			rec.Fields[name] = f
		}
	}
	for name, ov := range rec.Overrides {
		if n, ok := ov.Value.(json.Number); ok {
			ov.Value = number(n)
			rec.Overrides[name] = ov
		}
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]model.Field)
	}
	return rec
}

func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// FromTable converts a header-keyed table into records. The "id" column is
// required and "profile" is optional; every other column is a field.
func FromTable(t *fetcher.Table, opts Options) ([]model.Record, error) {
	if opts.DefaultConfidence <= 0 || opts.DefaultConfidence > 1 {
		opts.DefaultConfidence = 1
	}
	idCol := t.Column("id")
	if idCol < 0 {
		return nil, eris.New("records: table has no id column")
	}
	profileCol := t.Column("profile")

	confCols := make(map[string]int)
	for i, h := range t.Header {
		if strings.HasSuffix(h, confidenceSuffix) {
			confCols[strings.TrimSuffix(h, confidenceSuffix)] = i
		}
	}

	out := make([]model.Record, 0, len(t.Rows))
	for n, row := range t.Rows {
		line := n + 2
		id := cell(row, idCol)
		if id == "" {
			if blank(row) {
				continue
			}
			return nil, eris.Errorf("records: row %d has no id", line)
		}
		rec := model.Record{
			ID:      id,
			Profile: cell(row, profileCol),
			Fields:  make(map[string]model.Field),
		}
		for i, h := range t.Header {
			if i == idCol || i == profileCol || h == "" || strings.HasSuffix(h, confidenceSuffix) {
				continue
			}
			v := cell(row, i)
			if v == "" {
				rec.Fields[h] = model.Field{}
				continue
			}
			conf := opts.DefaultConfidence
			if ci, ok := confCols[h]; ok {
				if raw := cell(row, ci); raw != "" {
					c, err := strconv.ParseFloat(raw, 64)
					if err != nil || c < 0 || c > 1 {
						return nil, eris.Errorf("records: row %d: %s%s %q is not in [0,1]", line, h, confidenceSuffix, raw)
					}
					conf = c
				}
			}
			rec.Fields[h] = model.Field{Value: v, Confidence: conf}
		}
		out = append(out, rec)
	}
	return out, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func validate(recs []model.Record) error {
	seen := make(map[string]int, len(recs))
	for i, rec := range recs {
		if strings.TrimSpace(rec.ID) == "" {
			return eris.Errorf("records: record %d has no id", i+1)
		}
		if prev, ok := seen[rec.ID]; ok {
			return eris.Errorf("records: duplicate id %q (records %d and %d)", rec.ID, prev+1, i+1)
		}
		seen[rec.ID] = i
		for name, f := range rec.Fields {
			if f.Confidence < 0 || f.Confidence > 1 {
				return eris.Errorf("records: %s.%s confidence %v outside [0,1]", rec.ID, name, f.Confidence)
			}
		}
	}
	return nil
}
