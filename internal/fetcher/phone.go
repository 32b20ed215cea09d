package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

// PhoneFormatName is the registry name of the phone formatter.
const PhoneFormatName = "phone_format"

// PhoneFormatter derives a switchboard number in E.164 form from a record's
// raw phone field.
type PhoneFormatter struct {
	Source     string
	Target     string
	Confidence float64
}

// NewPhoneFormatter returns the formatter with its default wiring:
// phone -> switchboard at confidence 0.6.
func NewPhoneFormatter() *PhoneFormatter {
	return &PhoneFormatter{Source: "phone", Target: "switchboard", Confidence: 0.6}
}

// Describe implements Fetcher.
func (p *PhoneFormatter) Describe() Descriptor {
	return Descriptor{
		Name:     PhoneFormatName,
		Category: Deterministic,
		Fields:   []string{p.Target},
		Inputs:   []string{p.Source},
	}
}

// Fetch implements Fetcher.
func (p *PhoneFormatter) Fetch(_ context.Context, rec model.Record) (*model.ProposalSet, error) {
	raw := rec.StringValue(p.Source)
	if raw == "" {
		return nil, resilience.NewFetchError(PhoneFormatName, resilience.FetchNoData,
			eris.Errorf("record has no %s", p.Source))
	}
	e164, ok := FormatE164(raw)
	if !ok {
		return nil, resilience.NewFetchError(PhoneFormatName, resilience.FetchMalformed,
			eris.Errorf("cannot normalise %q", raw))
	}
	return &model.ProposalSet{
		Fetcher: PhoneFormatName,
		Proposals: []model.Proposal{{
			Field:      p.Target,
			Value:      e164,
			Confidence: p.Confidence,
			Citation:   "derived:" + p.Source,
		}},
		FetchedAt: time.Now().UTC(),
	}, nil
}

// FormatE164 normalises a phone number. Ten-digit numbers are taken as North
// American; numbers with an explicit "+" keep their country code.
func FormatE164(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(strings.ToLower(raw), "x#"); i > 0 {
		raw = raw[:i] // drop extensions
	}
	international := strings.HasPrefix(raw, "+")

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case international && len(digits) >= 8 && len(digits) <= 15:
		return "+" + digits, true
	case len(digits) == 10:
		return "+1" + digits, true
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, true
	default:
		return "", false
	}
}
