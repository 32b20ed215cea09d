// Package cache deduplicates fetcher calls across records and runs. Entries
// are keyed by fetcher and input fingerprint; identical in-flight calls are
// coalesced so exactly one underlying fetch runs per key.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

// Backend persists cache records beyond the process.
type Backend interface {
	GetCache(ctx context.Context, key string) (*model.CacheRecord, error)
	PutCache(ctx context.Context, rec model.CacheRecord) error
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// Source says how a lookup was satisfied.
type Source string

const (
	// SourceFetched means this caller ran the fetch.
	SourceFetched Source = "fetched"
	// SourceHit means an unexpired cache entry was served.
	SourceHit Source = "hit"
	// SourceCoalesced means this caller awaited another caller's fetch.
	SourceCoalesced Source = "coalesced"
)

// Request describes one cached fetch.
type Request struct {
	Key         string
	Fetcher     string
	Fingerprint string
	// TTL of the stored result; zero uses the cache default, negative skips storage.
	TTL time.Duration
	// Bypass skips reads. The fresh result is still stored.
	Bypass bool
}

// Result is a proposal set with its origin.
type Result struct {
	Set    *model.ProposalSet
	Source Source
}

// Stats counts cache activity.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Coalesced   int64 `json:"coalesced"`
	Corruptions int64 `json:"corruptions"`
}

// FetchCache is safe for concurrent use by all workers of a run.
type FetchCache struct {
	mu      sync.Mutex
	entries map[string]model.CacheRecord
	group   singleflight.Group
	backend Backend
	ttl     time.Duration
	now     func() time.Time

	hits, misses, coalesced, corruptions atomic.Int64
}

// New creates a cache with the default TTL. backend may be nil.
func New(ttl time.Duration, backend Backend) *FetchCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FetchCache{
		entries: make(map[string]model.CacheRecord),
		backend: backend,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Do returns the cached result for req.Key or runs load. Concurrent callers
// with the same key share one load; the first caller's result wins. Failed
// loads are not cached.
func (c *FetchCache) Do(ctx context.Context, req Request, load func(ctx context.Context) (*model.ProposalSet, error)) (Result, error) {
	if !req.Bypass {
		if set, ok := c.lookup(ctx, req.Key); ok {
			c.hits.Add(1)
			return Result{Set: set, Source: SourceHit}, nil
		}
	}

	for {
		var leader bool
		ch := c.group.DoChan(req.Key, func() (any, error) {
			leader = true
			c.misses.Add(1)
			zap.L().Debug("cache: miss", zap.String("key", req.Key), zap.String("fetcher", req.Fetcher))
			set, err := load(ctx)
			if err != nil {
				return nil, err
			}
			c.store(ctx, req, set)
			return set, nil
		})

		select {
		case <-ctx.Done():
			return Result{}, eris.Wrap(ctx.Err(), "cache: await in-flight fetch")
		case res := <-ch:
			if leader {
				if res.Err != nil {
					return Result{}, res.Err
				}
				return Result{Set: res.Val.(*model.ProposalSet), Source: SourceFetched}, nil
			}
			// The leader's own deadline or cancellation is not ours: try again.
			if res.Err != nil && isContextErr(res.Err) && ctx.Err() == nil {
				continue
			}
			if res.Err != nil {
				return Result{}, res.Err
			}
			c.coalesced.Add(1)
			return Result{Set: res.Val.(*model.ProposalSet), Source: SourceCoalesced}, nil
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *FetchCache) lookup(ctx context.Context, key string) (*model.ProposalSet, bool) {
	now := c.now()

	c.mu.Lock()
	rec, ok := c.entries[key]
	if ok && rec.Expired(now) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok && c.backend != nil {
		stored, err := c.backend.GetCache(ctx, key)
		switch {
		case err != nil:
			c.corrupt(key, err)
		case stored != nil && !stored.Expired(now):
			rec, ok = *stored, true
		}
	}
	if !ok {
		return nil, false
	}

	var set model.ProposalSet
	if err := json.Unmarshal(rec.Payload, &set); err != nil {
		c.corrupt(key, err)
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.entries[key] = rec
	c.mu.Unlock()
	return &set, true
}

func (c *FetchCache) corrupt(key string, err error) {
	c.corruptions.Add(1)
	ce := &resilience.CacheCorruption{Key: key, Err: err}
	zap.L().Warn("cache: unreadable entry, treating as miss", zap.Error(ce))
}

func (c *FetchCache) store(ctx context.Context, req Request, set *model.ProposalSet) {
	ttl := req.TTL
	if ttl < 0 {
		return
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	payload, err := json.Marshal(set)
	if err != nil {
		zap.L().Warn("cache: marshal proposal set", zap.String("key", req.Key), zap.Error(err))
		return
	}
	now := c.now()
	rec := model.CacheRecord{
		Key:         req.Key,
		Fetcher:     req.Fetcher,
		Fingerprint: req.Fingerprint,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	c.mu.Lock()
	c.entries[req.Key] = rec
	c.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.PutCache(context.WithoutCancel(ctx), rec); err != nil {
			zap.L().Warn("cache: persist entry", zap.String("key", req.Key), zap.Error(err))
		}
	}
}

// Prune drops expired entries from memory and the backend.
func (c *FetchCache) Prune(ctx context.Context) (int64, error) {
	now := c.now()
	var n int64

	c.mu.Lock()
	for k, rec := range c.entries {
		if rec.Expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()

	if c.backend != nil {
		removed, err := c.backend.DeleteExpiredCache(ctx, now)
		if err != nil {
			return n, eris.Wrap(err, "cache: prune backend")
		}
		n += removed
	}
	return n, nil
}

// Len returns the number of in-memory entries.
func (c *FetchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *FetchCache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Coalesced:   c.coalesced.Load(),
		Corruptions: c.corruptions.Load(),
	}
}
