package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

// EmailDomainName is the registry name of the email domain fetcher.
const EmailDomainName = "email_domain"

var freemailDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "yahoo.com": {}, "hotmail.com": {},
	"outlook.com": {}, "live.com": {}, "aol.com": {}, "icloud.com": {},
	"me.com": {}, "proton.me": {}, "protonmail.com": {}, "gmx.com": {},
}

// EmailDomain proposes a website from the domain of a contact email.
type EmailDomain struct {
	Source     string
	Target     string
	Confidence float64
}

// NewEmailDomain returns the fetcher with its default wiring:
// email -> website at confidence 0.5.
func NewEmailDomain() *EmailDomain {
	return &EmailDomain{Source: "email", Target: "website", Confidence: 0.5}
}

// Describe implements Fetcher.
func (e *EmailDomain) Describe() Descriptor {
	return Descriptor{
		Name:     EmailDomainName,
		Category: Deterministic,
		Fields:   []string{e.Target},
		Inputs:   []string{e.Source},
	}
}

// Fetch implements Fetcher.
func (e *EmailDomain) Fetch(_ context.Context, rec model.Record) (*model.ProposalSet, error) {
	email := strings.ToLower(strings.TrimSpace(rec.StringValue(e.Source)))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return nil, resilience.NewFetchError(EmailDomainName, resilience.FetchNoData,
			eris.Errorf("record has no usable %s", e.Source))
	}
	domain := strings.TrimSuffix(email[at+1:], ".")
	if !strings.Contains(domain, ".") {
		return nil, resilience.NewFetchError(EmailDomainName, resilience.FetchMalformed,
			eris.Errorf("domain %q has no TLD", domain))
	}
	if _, ok := freemailDomains[domain]; ok {
		return nil, resilience.NewFetchError(EmailDomainName, resilience.FetchNoData,
			eris.Errorf("%s is a free mail provider", domain))
	}
	return &model.ProposalSet{
		Fetcher: EmailDomainName,
		Proposals: []model.Proposal{{
			Field:      e.Target,
			Value:      "https://" + domain,
			Confidence: e.Confidence,
			Citation:   "derived:" + e.Source,
		}},
		FetchedAt: time.Now().UTC(),
	}, nil
}
