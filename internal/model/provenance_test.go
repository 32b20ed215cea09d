package model

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvenanceLog_AppendKeepsOrder(t *testing.T) {
	t.Parallel()

	l := NewProvenanceLog()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Append(ProvenanceEntry{Field: "switchboard", Value: "a", Strategy: StrategyDeterministic, RecordedAt: t0})
	l.Append(ProvenanceEntry{Field: "switchboard", Value: "b", Strategy: StrategyNetwork, RecordedAt: t0.Add(time.Second)})
	l.Append(ProvenanceEntry{Field: "website", Value: "acme.com", Strategy: StrategyCrawl})

	hist := l.History("switchboard")
	require.Len(t, hist, 2)
	assert.Equal(t, "a", hist[0].Value)
	assert.Equal(t, "b", hist[1].Value)
	assert.Equal(t, 1, l.Len("website"))
	assert.False(t, l.History("website")[0].RecordedAt.IsZero())
	assert.Equal(t, []string{"switchboard", "website"}, l.Fields())
}

func TestProvenanceLog_TimestampsNeverGoBackwards(t *testing.T) {
	t.Parallel()

	l := NewProvenanceLog()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Append(ProvenanceEntry{Field: "f", RecordedAt: t0})
	got := l.Append(ProvenanceEntry{Field: "f", RecordedAt: t0.Add(-time.Hour)})

	assert.Equal(t, t0, got.RecordedAt)
}

func TestProvenanceLog_ReadsReturnCopies(t *testing.T) {
	t.Parallel()

	l := NewProvenanceLog()
	l.Append(ProvenanceEntry{Field: "f", Value: "orig"})

	hist := l.History("f")
	hist[0].Value = "mutated"
	snap := l.Snapshot()
	snap["f"][0].Value = "mutated"

	assert.Equal(t, "orig", l.History("f")[0].Value)
}

func TestProvenanceLog_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	l := NewProvenanceLog()
	l.Append(ProvenanceEntry{Field: "f", Value: "1"})
	c := l.Clone()
	c.Append(ProvenanceEntry{Field: "f", Value: "2"})

	assert.Equal(t, 1, l.Len("f"))
	assert.Equal(t, 2, c.Len("f"))
}

func TestProvenanceLog_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	l := NewProvenanceLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(ProvenanceEntry{Field: "f", Value: i})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len("f"))
}

func TestProvenanceLog_JSON(t *testing.T) {
	t.Parallel()

	l := NewProvenanceLog()
	l.Append(ProvenanceEntry{Field: "f", Value: "v", Strategy: StrategyManual, Confidence: 1})

	data, err := json.Marshal(l)
	require.NoError(t, err)

	var back ProvenanceLog
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, 1, back.Len("f"))
	assert.Equal(t, StrategyManual, back.History("f")[0].Strategy)

	var empty ProvenanceLog
	require.NoError(t, json.Unmarshal([]byte("null"), &empty))
	assert.Empty(t, empty.Fields())
}

func TestRankStrategy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StrategyNetwork, ProvenanceEntry{Strategy: StrategyCache, Origin: StrategyNetwork}.RankStrategy())
	assert.Equal(t, StrategyCache, ProvenanceEntry{Strategy: StrategyCache}.RankStrategy())
	assert.Equal(t, StrategyCrawl, ProvenanceEntry{Strategy: StrategyCrawl, Origin: StrategyNetwork}.RankStrategy())
}
