package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/backfill-cli/internal/model"
)

// Normalize canonicalises one input value: NFKC, case-folded, trimmed, and
// with internal whitespace collapsed to single spaces.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// RecordIDInput names the record identifier as a fingerprint input.
const RecordIDInput = "@id"

// Fingerprint hashes the record's input fields for d. Identical normalised
// inputs always yield the same fingerprint, whatever record they come from.
func Fingerprint(d Descriptor, rec model.Record) string {
	inputs := make(map[string]string, len(d.Inputs))
	for _, name := range d.Inputs {
		if name == RecordIDInput {
			inputs[name] = Normalize(rec.ID)
			continue
		}
		inputs[name] = Normalize(rec.StringValue(name))
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	payload, _ := json.Marshal(inputs)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CacheKey returns the canonical cache key for running d against rec.
func CacheKey(d Descriptor, rec model.Record) string {
	return d.Name + "|" + Fingerprint(d, rec)
}
