package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestField_IsEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		field Field
		want  bool
	}{
		{"nil", Field{}, true},
		{"blank string", Field{Value: "  "}, true},
		{"string", Field{Value: "x"}, false},
		{"zero int", Field{Value: int64(0)}, false},
		{"false", Field{Value: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.field.IsEmpty())
		})
	}
}

func TestRecord_StringValue(t *testing.T) {
	t.Parallel()

	r := Record{ID: "r1", Fields: map[string]Field{
		"name":      {Value: "Acme", Confidence: 1},
		"employees": {Value: int64(42), Confidence: 1},
		"blank":     {Value: ""},
	}}
	assert.Equal(t, "Acme", r.StringValue("name"))
	assert.Equal(t, "42", r.StringValue("employees"))
	assert.Equal(t, "", r.StringValue("blank"))
	assert.Equal(t, "", r.StringValue("missing"))
	assert.Equal(t, []string{"blank", "employees", "name"}, r.FieldNames())

	_, ok := r.Field("missing")
	assert.False(t, ok)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := Record{
		ID:        "r1",
		Fields:    map[string]Field{"name": {Value: "Acme", Confidence: 1}},
		Overrides: map[string]Override{"switchboard": {Value: "+15550000000", Confidence: 0.99}},
	}
	c := orig.Clone()
	c.Fields["name"] = Field{Value: "Other", Confidence: 0.5}
	c.Overrides["switchboard"] = Override{Value: "changed"}
	c.Provenance.Append(ProvenanceEntry{Field: "name", Value: "Other"})

	assert.Equal(t, "Acme", orig.Fields["name"].Value)
	assert.Equal(t, "+15550000000", orig.Overrides["switchboard"].Value)
	assert.Nil(t, orig.Provenance)
	assert.NotNil(t, c.Provenance)
}

func TestPlanState_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, PlanPending.Terminal())
	assert.False(t, PlanRunning.Terminal())
	for _, s := range []PlanState{PlanSuccess, PlanPartialFailure, PlanBudgetExhausted, PlanAborted, PlanCanceled} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	assert.True(t, StepSkipped.Terminal())
	assert.False(t, StepRunning.Terminal())
}
