package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

func newTestFetcher(url string) *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		Name:      "vendor",
		Provider:  "vendor-api",
		URL:       url,
		Fields:    []string{"website", "employees"},
		Inputs:    []string{"name", RecordIDInput},
		APIKey:    "secret",
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
	})
}

var acme = model.Record{ID: "r1", Fields: map[string]model.Field{"name": {Value: "Acme"}}}

func TestHTTPFetcher_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "Acme", r.URL.Query().Get("name"))
		assert.Equal(t, "r1", r.URL.Query().Get("id"))
		w.Write([]byte(`{"proposals":[
			{"field":"website","value":"https://acme.test","confidence":0.8},
			{"field":"employees","value":120,"confidence":0.7,"citation":"https://src"},
			{"field":"undeclared","value":"x","confidence":1}
		]}`))
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL + "/enrich")
	d := f.Describe()
	assert.Equal(t, Network, d.Category)
	assert.Equal(t, "vendor-api", d.ProviderName())

	set, err := f.Fetch(context.Background(), acme)
	require.NoError(t, err)
	require.Len(t, set.Proposals, 2)
	assert.Equal(t, "https://acme.test", set.Proposals[0].Value)
	assert.Contains(t, set.Proposals[0].Citation, "/enrich")
	assert.Equal(t, "https://src", set.Proposals[1].Citation)
}

func TestHTTPFetcher_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		reason    resilience.FetchReason
		transient bool
	}{
		{http.StatusServiceUnavailable, resilience.FetchUpstream, true},
		{http.StatusTooManyRequests, resilience.FetchUpstream, true},
		{http.StatusBadRequest, resilience.FetchUpstream, false},
		{http.StatusNotFound, resilience.FetchNoData, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		_, err := newTestFetcher(srv.URL).Fetch(context.Background(), acme)
		srv.Close()

		var fe *resilience.FetchError
		require.ErrorAs(t, err, &fe, "status %d", tt.status)
		assert.Equal(t, tt.reason, fe.Reason)
		assert.Equal(t, tt.status, fe.StatusCode)
		assert.Equal(t, tt.transient, resilience.IsTransient(err), "status %d", tt.status)
	}
}

func TestHTTPFetcher_Malformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"proposals":[{"field":"website","value":"x","confidence":3}]}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		_, err := newTestFetcher(srv.URL).Fetch(context.Background(), acme)
		srv.Close()

		var fe *resilience.FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, resilience.FetchMalformed, fe.Reason)
		assert.False(t, resilience.IsTransient(err))
	}
}

func TestHTTPFetcher_NoProposals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"proposals":[]}`))
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL).Fetch(context.Background(), acme)
	var fe *resilience.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, resilience.FetchNoData, fe.Reason)
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestFetcher(srv.URL).Fetch(ctx, acme)
	require.Error(t, err)
	assert.True(t, resilience.IsTimeout(err))
	assert.True(t, resilience.IsTransient(err))
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestFetcher(url).Fetch(context.Background(), acme)
	var fe *resilience.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, resilience.FetchTransport, fe.Reason)
}
