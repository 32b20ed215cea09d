// Package ledger resolves field values from provenance history and keeps the
// append-only, hash-chained audit log of externally visible operations.
package ledger

import (
	"reflect"

	"github.com/sells-group/backfill-cli/internal/model"
)

// TieBreak decides between entries with equal confidence and strategy rank.
type TieBreak string

const (
	// TieBreakPriority prefers the higher fetcher priority, then the earlier entry.
	TieBreakPriority TieBreak = "priority"
	// TieBreakFirst keeps the earliest entry.
	TieBreakFirst TieBreak = "first"
	// TieBreakLast takes the latest entry.
	TieBreakLast TieBreak = "last"
	// TieBreakFlagConflict keeps the earliest entry and reports a conflict
	// when tied entries disagree on the value.
	TieBreakFlagConflict TieBreak = "flag-conflict"
)

// Valid reports whether t is a known tie-break policy.
func (t TieBreak) Valid() bool {
	switch t {
	case TieBreakPriority, TieBreakFirst, TieBreakLast, TieBreakFlagConflict:
		return true
	default:
		return false
	}
}

// Rank orders contributions of equal confidence:
// manual > authoritative > deterministic > network > crawl.
func Rank(e model.ProvenanceEntry) int {
	if e.Strategy == model.StrategyManual {
		return 5
	}
	if e.Authoritative {
		return 4
	}
	switch e.RankStrategy() {
	case model.StrategyDeterministic:
		return 3
	case model.StrategyNetwork:
		return 2
	case model.StrategyCrawl:
		return 1
	default:
		return 0
	}
}

// Resolution is the outcome of resolving one field's history.
type Resolution struct {
	Winner   model.ProvenanceEntry
	Index    int
	Conflict bool
	Tied     []model.ProvenanceEntry
}

// Resolve picks the winning entry from a field's history. Only entries from
// the latest manual entry onward compete. ok is false for an empty history.
func Resolve(history []model.ProvenanceEntry, tb TieBreak) (res Resolution, ok bool) {
	if len(history) == 0 {
		return Resolution{}, false
	}

	start := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Strategy == model.StrategyManual {
			start = i
			break
		}
	}

	var tied []int
	for i := start; i < len(history); i++ {
		if len(tied) == 0 {
			tied = []int{i}
			continue
		}
		switch cmp := compare(history[i], history[tied[0]]); {
		case cmp > 0:
			tied = []int{i}
		case cmp == 0:
			tied = append(tied, i)
		}
	}

	win := tied[0]
	switch tb {
	case TieBreakLast:
		win = tied[len(tied)-1]
	case TieBreakFirst, TieBreakFlagConflict:
	default:
		for _, i := range tied[1:] {
			if history[i].Priority > history[win].Priority {
				win = i
			}
		}
	}

	res = Resolution{Winner: history[win], Index: win}
	if len(tied) > 1 {
		res.Tied = make([]model.ProvenanceEntry, len(tied))
		for j, i := range tied {
			res.Tied[j] = history[i]
		}
		if tb == TieBreakFlagConflict {
			for _, i := range tied[1:] {
				if !reflect.DeepEqual(history[i].Value, history[win].Value) {
					res.Conflict = true
					break
				}
			}
		}
	}
	return res, true
}

// Winner is Resolve without the tie detail.
func Winner(history []model.ProvenanceEntry, tb TieBreak) (model.ProvenanceEntry, bool) {
	res, ok := Resolve(history, tb)
	return res.Winner, ok
}

// compare orders a against b by confidence, then rank.
func compare(a, b model.ProvenanceEntry) int {
	switch {
	case a.Confidence > b.Confidence:
		return 1
	case a.Confidence < b.Confidence:
		return -1
	}
	ra, rb := Rank(a), Rank(b)
	switch {
	case ra > rb:
		return 1
	case ra < rb:
		return -1
	}
	return 0
}
