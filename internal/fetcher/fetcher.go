// Package fetcher defines the uniform fetcher interface, the registry of
// fetcher descriptors, canonical cache keys, and the shipped leaf fetchers.
package fetcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/model"
)

// Category tags a fetcher as local or remote.
type Category string

const (
	// Deterministic fetchers compute locally and are always permitted.
	Deterministic Category = "deterministic"
	// Network fetchers call out and are subject to the network guards.
	Network Category = "network"
)

// Descriptor describes a fetcher to the orchestrator.
type Descriptor struct {
	Name     string
	Category Category
	// Priority breaks ties between equal-confidence proposals; higher wins.
	Priority int
	// Provider keys rate limits and circuit breakers. Defaults to Name.
	Provider string
	// Crawl marks a network fetcher that belongs to the crawl step.
	Crawl bool
	// Fields the fetcher can propose values for.
	Fields []string
	// Inputs are the record fields that form the cache fingerprint. They
	// must cover everything Fetch reads from the record.
	Inputs []string
	// CacheTTL overrides the cache default; negative disables caching.
	CacheTTL time.Duration
}

// ProviderName returns the rate-limit key.
func (d Descriptor) ProviderName() string {
	if d.Provider != "" {
		return d.Provider
	}
	return d.Name
}

// Strategy returns the provenance strategy of a fresh result.
func (d Descriptor) Strategy() model.Strategy {
	switch {
	case d.Category == Deterministic:
		return model.StrategyDeterministic
	case d.Crawl:
		return model.StrategyCrawl
	default:
		return model.StrategyNetwork
	}
}

// Provides reports whether the fetcher can propose the field.
func (d Descriptor) Provides(field string) bool {
	for _, f := range d.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Validate checks that the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return eris.New("fetcher: descriptor name is required")
	}
	if d.Category != Deterministic && d.Category != Network {
		return eris.Errorf("fetcher: %s has unknown category %q", d.Name, d.Category)
	}
	if d.Crawl && d.Category != Network {
		return eris.Errorf("fetcher: %s is a crawl fetcher but not a network one", d.Name)
	}
	if len(d.Fields) == 0 {
		return eris.Errorf("fetcher: %s provides no fields", d.Name)
	}
	return nil
}

// Fetcher is a pluggable adapter that proposes field values for a record.
// Failures should be *resilience.FetchError so callers can classify them.
type Fetcher interface {
	Describe() Descriptor
	Fetch(ctx context.Context, rec model.Record) (*model.ProposalSet, error)
}

// Registry manages available fetchers.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry creates an empty fetcher registry.
func NewRegistry() *Registry {
	return &Registry{
		fetchers: make(map[string]Fetcher),
	}
}

// Register adds a fetcher. Names must be unique.
func (r *Registry) Register(f Fetcher) error {
	d := f.Describe()
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fetchers[d.Name]; ok {
		return eris.Errorf("fetcher: %s already registered", d.Name)
	}
	r.fetchers[d.Name] = f
	return nil
}

// Get returns a fetcher by name, or nil if not found.
func (r *Registry) Get(name string) Fetcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchers[name]
}

// List returns all registered fetcher names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the fetchers accepted by keep, ordered by descending
// priority then name.
func (r *Registry) Select(keep func(Descriptor) bool) []Fetcher {
	r.mu.RLock()
	out := make([]Fetcher, 0, len(r.fetchers))
	for _, f := range r.fetchers {
		if keep(f.Describe()) {
			out = append(out, f)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Describe(), out[j].Describe()
		if di.Priority != dj.Priority {
			return di.Priority > dj.Priority
		}
		return di.Name < dj.Name
	})
	return out
}
