// Package ratebudget throttles network fetches with one token bucket per
// provider, shared by every worker of a run.
package ratebudget

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/backfill-cli/internal/resilience"
)

// Limit configures one provider. A zero MinInterval means unthrottled.
type Limit struct {
	MinInterval time.Duration
	Burst       int
}

func (l Limit) rate() rate.Limit {
	if l.MinInterval <= 0 {
		return rate.Inf
	}
	return rate.Every(l.MinInterval)
}

func (l Limit) burst() int {
	if l.Burst <= 0 {
		return 1
	}
	return l.Burst
}

// bucket wraps a rate.Limiter with adaptive slow-down after upstream throttling.
// The rate never rises above the configured rate.
type bucket struct {
	limit       Limit
	limiter     *rate.Limiter
	configured  rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

func newBucket(l Limit) *bucket {
	r := l.rate()
	return &bucket{
		limit:       l,
		limiter:     rate.NewLimiter(r, l.burst()),
		configured:  r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Budget holds the per-provider buckets.
type Budget struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a budget with the given provider limits.
func New(limits map[string]Limit) *Budget {
	b := &Budget{
		buckets: make(map[string]*bucket, len(limits)),
		now:     time.Now,
	}
	for provider, l := range limits {
		b.buckets[provider] = newBucket(l)
	}
	return b
}

// Configure adds a provider limit unless the provider is already configured.
// The first configuration of a provider wins for the lifetime of the Budget;
// a later, different limit is logged and ignored.
func (b *Budget) Configure(provider string, l Limit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok := b.buckets[provider]; ok {
		if bk.limit != l {
			zap.L().Warn("ratebudget: provider already configured, keeping earlier limit",
				zap.String("provider", provider),
				zap.Duration("kept_min_interval", bk.limit.MinInterval),
				zap.Int("kept_burst", bk.limit.Burst),
				zap.Duration("ignored_min_interval", l.MinInterval),
				zap.Int("ignored_burst", l.Burst),
			)
		}
		return false
	}
	b.buckets[provider] = newBucket(l)
	return true
}

// Limit returns the limit configured for provider.
func (b *Budget) Limit(provider string) (Limit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk := b.buckets[provider]; bk != nil {
		return bk.limit, true
	}
	return Limit{}, false
}

// Providers returns the configured providers, sorted.
func (b *Budget) Providers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.buckets))
	for name := range b.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Budget) bucket(provider string) *bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buckets[provider]
}

// Acquire takes a token for provider. It returns immediately when a token is
// available, waits when the next token arrives before ctx's deadline, and
// otherwise returns ErrRateLimitExceeded without consuming a token.
// Unconfigured providers are not throttled.
func (b *Budget) Acquire(ctx context.Context, provider string) error {
	bk := b.bucket(provider)
	if bk == nil {
		return nil
	}

	now := b.now()
	r := bk.limiter.ReserveN(now, 1)
	if !r.OK() {
		return eris.Wrapf(resilience.ErrRateLimitExceeded, "ratebudget: %s", provider)
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && now.Add(delay).After(deadline) {
		r.CancelAt(now)
		return eris.Wrapf(resilience.ErrRateLimitExceeded, "ratebudget: %s needs %s", provider, delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(b.now())
		return eris.Wrapf(ctx.Err(), "ratebudget: wait for %s", provider)
	}
}

// AllowAt takes a token at time t if one is available, without waiting.
// It is the simulated-clock entry point.
func (b *Budget) AllowAt(provider string, t time.Time) bool {
	bk := b.bucket(provider)
	if bk == nil {
		return true
	}
	return bk.limiter.AllowN(t, 1)
}

// OnThrottled halves the provider's rate after the upstream signalled 429,
// down to a quarter of the configured rate.
func (b *Budget) OnThrottled(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.buckets[provider]
	if bk == nil || bk.configured == rate.Inf {
		return
	}
	newRate := bk.currentRate * 0.5
	if newRate < bk.minRate {
		newRate = bk.minRate
	}
	bk.currentRate = newRate
	bk.limiter.SetLimitAt(b.now(), newRate)
	zap.L().Warn("ratebudget: reducing rate after upstream throttling",
		zap.String("provider", provider),
		zap.Float64("new_rate", float64(newRate)),
	)
}

// OnSuccess recovers 20% of the rate after a successful call, up to the
// configured rate.
func (b *Budget) OnSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.buckets[provider]
	if bk == nil || bk.currentRate >= bk.configured {
		return
	}
	newRate := bk.currentRate * 1.2
	if newRate > bk.configured {
		newRate = bk.configured
	}
	bk.currentRate = newRate
	bk.limiter.SetLimitAt(b.now(), newRate)
}

// Rate returns the provider's current rate, or rate.Inf when unthrottled.
func (b *Budget) Rate(provider string) rate.Limit {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk := b.buckets[provider]; bk != nil {
		return bk.currentRate
	}
	return rate.Inf
}
