package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

const maxResponseBytes = 4 << 20

// HTTPOptions configures an http_json fetcher.
type HTTPOptions struct {
	Name      string
	Provider  string
	URL       string
	Crawl     bool
	Priority  int
	Fields    []string
	Inputs    []string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	CacheTTL  time.Duration
	Client    *http.Client
}

// HTTPFetcher queries a JSON endpoint with the record's inputs as query
// parameters and turns the response into proposals. It makes exactly one
// request per Fetch; retries and throttling belong to the caller.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
}

type httpResponse struct {
	Proposals []model.Proposal `json:"proposals"`
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "backfill-cli/1.0"
	}
	client := opts.Client
	if client == nil {
		transport := &http.Transport{
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		}
	}
	return &HTTPFetcher{client: client, opts: opts}
}

// Describe implements Fetcher.
func (f *HTTPFetcher) Describe() Descriptor {
	return Descriptor{
		Name:     f.opts.Name,
		Category: Network,
		Priority: f.opts.Priority,
		Provider: f.opts.Provider,
		Crawl:    f.opts.Crawl,
		Fields:   f.opts.Fields,
		Inputs:   f.opts.Inputs,
		CacheTTL: f.opts.CacheTTL,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rec model.Record) (*model.ProposalSet, error) {
	u, err := url.Parse(f.opts.URL)
	if err != nil {
		return nil, resilience.NewFetchError(f.opts.Name, resilience.FetchTransport, eris.Wrap(err, "parse url"))
	}
	q := u.Query()
	for _, in := range f.opts.Inputs {
		if in == RecordIDInput {
			q.Set("id", rec.ID)
			continue
		}
		q.Set(in, rec.StringValue(in))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, resilience.NewFetchError(f.opts.Name, resilience.FetchTransport, eris.Wrap(err, "create request"))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if f.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.opts.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classifyTransport(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		reason := resilience.FetchUpstream
		if resp.StatusCode == http.StatusNotFound {
			reason = resilience.FetchNoData
		}
		return nil, &resilience.FetchError{
			Fetcher:    f.opts.Name,
			Reason:     reason,
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("http %d from %s", resp.StatusCode, u.Host),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, f.classifyTransport(ctx, err)
	}
	var parsed httpResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.NewFetchError(f.opts.Name, resilience.FetchMalformed, eris.Wrap(err, "decode response"))
	}

	set := &model.ProposalSet{Fetcher: f.opts.Name, FetchedAt: time.Now().UTC()}
	for _, p := range parsed.Proposals {
		if !f.Describe().Provides(p.Field) {
			continue
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return nil, resilience.NewFetchError(f.opts.Name, resilience.FetchMalformed,
				eris.Errorf("confidence %v for %s outside [0,1]", p.Confidence, p.Field))
		}
		if p.Citation == "" {
			p.Citation = u.Scheme + "://" + u.Host + u.Path
		}
		set.Proposals = append(set.Proposals, p)
	}
	if len(set.Proposals) == 0 {
		return nil, resilience.NewFetchError(f.opts.Name, resilience.FetchNoData, eris.New("no proposals for declared fields"))
	}
	return set, nil
}

func (f *HTTPFetcher) classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return eris.Wrapf(ctx.Err(), "fetch %s", f.opts.Name)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return resilience.NewFetchError(f.opts.Name, resilience.FetchTimeout, err)
	}
	return resilience.NewFetchError(f.opts.Name, resilience.FetchTransport, err)
}
