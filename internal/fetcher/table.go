package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

// Table is a header-keyed sheet read from CSV or XLSX.
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadTable reads a CSV or XLSX file; the first row is the header.
func ReadTable(path string) (*Table, error) {
	var rows [][]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		var err error
		rows, err = ReadXLSX(path, XLSXOptions{TrimSpace: true, SkipBlank: true})
		if err != nil {
			return nil, err
		}
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "table: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		rows, err = ReadCSV(f, CSVOptions{TrimSpace: true, LazyQuotes: true})
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("table: unsupported file type %q", filepath.Ext(path))
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("table: %s has no header row", path)
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return &Table{Header: header, Rows: rows[1:]}, nil
}

// Column returns the index of the named header, or -1.
func (t *Table) Column(name string) int {
	name = strings.ToLower(name)
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// TableOptions configures a table lookup fetcher.
type TableOptions struct {
	Name string
	Path string
	// KeyColumn is the table column matched against the record.
	KeyColumn string
	// KeyField is the record field matched; empty matches the record ID.
	KeyField string
	// Confidence applies to rows without a "confidence" column value.
	Confidence float64
	Priority   int
}

type tableRow struct {
	line       int
	values     map[string]string
	confidence float64
}

// TableLookup proposes values from a local reference table, typically an
// authority source such as a registry extract.
type TableLookup struct {
	opts   TableOptions
	fields []string
	index  map[string]tableRow
}

// NewTableLookup loads the table at opts.Path and indexes it by KeyColumn.
// Every other column (except "confidence") becomes a proposable field.
func NewTableLookup(opts TableOptions) (*TableLookup, error) {
	if opts.Name == "" {
		opts.Name = "table_lookup"
	}
	if opts.KeyColumn == "" {
		opts.KeyColumn = "id"
	}
	if opts.Confidence == 0 {
		opts.Confidence = 0.95
	}

	tbl, err := ReadTable(opts.Path)
	if err != nil {
		return nil, err
	}
	keyCol := tbl.Column(opts.KeyColumn)
	if keyCol < 0 {
		return nil, eris.Errorf("table: %s has no %q column", opts.Path, opts.KeyColumn)
	}
	confCol := tbl.Column("confidence")

	var fields []string
	for i, h := range tbl.Header {
		if i != keyCol && i != confCol && h != "" {
			fields = append(fields, h)
		}
	}

	index := make(map[string]tableRow, len(tbl.Rows))
	for n, row := range tbl.Rows {
		if keyCol >= len(row) {
			continue
		}
		key := Normalize(row[keyCol])
		if key == "" {
			continue
		}
		if _, dup := index[key]; dup {
			continue // first row wins
		}
		tr := tableRow{line: n + 2, values: make(map[string]string), confidence: opts.Confidence}
		for i, h := range tbl.Header {
			if i >= len(row) || i == keyCol || h == "" {
				continue
			}
			if i == confCol {
				if c, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64); err == nil && c >= 0 && c <= 1 {
					tr.confidence = c
				}
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				tr.values[h] = v
			}
		}
		index[key] = tr
	}

	return &TableLookup{opts: opts, fields: fields, index: index}, nil
}

// Describe implements Fetcher.
func (t *TableLookup) Describe() Descriptor {
	d := Descriptor{
		Name:     t.opts.Name,
		Category: Deterministic,
		Priority: t.opts.Priority,
		Fields:   t.fields,
	}
	if t.opts.KeyField != "" {
		d.Inputs = []string{t.opts.KeyField}
	} else {
		d.Inputs = []string{RecordIDInput}
	}
	return d
}

// Len returns the number of indexed rows.
func (t *TableLookup) Len() int { return len(t.index) }

// Fetch implements Fetcher.
func (t *TableLookup) Fetch(_ context.Context, rec model.Record) (*model.ProposalSet, error) {
	key := rec.ID
	if t.opts.KeyField != "" {
		key = rec.StringValue(t.opts.KeyField)
	}
	row, ok := t.index[Normalize(key)]
	if !ok {
		return nil, resilience.NewFetchError(t.opts.Name, resilience.FetchNoData,
			eris.Errorf("no row for %q", key))
	}

	citation := fmt.Sprintf("table:%s#%d", filepath.Base(t.opts.Path), row.line)
	set := &model.ProposalSet{Fetcher: t.opts.Name, FetchedAt: time.Now().UTC()}
	for _, f := range t.fields {
		v, ok := row.values[f]
		if !ok {
			continue
		}
		set.Proposals = append(set.Proposals, model.Proposal{
			Field:      f,
			Value:      v,
			Confidence: row.confidence,
			Citation:   citation,
		})
	}
	return set, nil
}
