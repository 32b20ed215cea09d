package model

import (
	"fmt"
	"sort"
	"strings"
)

// Field is one named attribute of a record.
type Field struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// IsEmpty reports whether the field carries no usable value.
func (f Field) IsEmpty() bool {
	switch v := f.Value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}

// Override is a manually supplied value that bypasses the confidence rule.
type Override struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Citation   string  `json:"citation,omitempty"`
}

// Record is the enrichment subject: one refined dataset row.
type Record struct {
	ID         string              `json:"id"`
	Profile    string              `json:"profile,omitempty"`
	Fields     map[string]Field    `json:"fields"`
	Overrides  map[string]Override `json:"overrides,omitempty"`
	Provenance *ProvenanceLog      `json:"provenance,omitempty"`
}

// Field returns the named field and whether it is present.
func (r Record) Field(name string) (Field, bool) {
	f, ok := r.Fields[name]
	return f, ok
}

// StringValue returns the field value rendered as a string, or "" if the
// field is missing or empty.
func (r Record) StringValue(name string) string {
	f, ok := r.Fields[name]
	if !ok || f.IsEmpty() {
		return ""
	}
	if s, ok := f.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", f.Value)
}

// FieldNames returns the record's field names in sorted order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy so a worker can own and mutate it exclusively.
func (r Record) Clone() Record {
	c := Record{
		ID:      r.ID,
		Profile: r.Profile,
		Fields:  make(map[string]Field, len(r.Fields)),
	}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	if len(r.Overrides) > 0 {
		c.Overrides = make(map[string]Override, len(r.Overrides))
		for k, v := range r.Overrides {
			c.Overrides[k] = v
		}
	}
	if r.Provenance != nil {
		c.Provenance = r.Provenance.Clone()
	} else {
		c.Provenance = NewProvenanceLog()
	}
	return c
}
