package ratebudget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/sells-group/backfill-cli/internal/resilience"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAllowAt_BurstThenSteadyState(t *testing.T) {
	for _, tc := range []struct {
		interval time.Duration
		burst    int
	}{
		{time.Second, 1},
		{time.Second, 3},
		{250 * time.Millisecond, 5},
		{2 * time.Second, 2},
	} {
		b := New(map[string]Limit{"p": {MinInterval: tc.interval, Burst: tc.burst}})

		// No more than burst calls succeed at the start of the window.
		granted := 0
		for i := 0; i < tc.burst*3; i++ {
			if b.AllowAt("p", epoch) {
				granted++
			}
		}
		assert.Equal(t, tc.burst, granted, "burst for %v/%d", tc.interval, tc.burst)

		// Hammer the limiter every millisecond for a long window: throughput
		// never exceeds 1/interval beyond the initial burst.
		window := 50 * tc.interval
		steady := 0
		for at := time.Millisecond; at <= window; at += time.Millisecond {
			if b.AllowAt("p", epoch.Add(at)) {
				steady++
			}
		}
		maxSteady := int(window / tc.interval)
		assert.LessOrEqual(t, steady, maxSteady, "steady for %v/%d", tc.interval, tc.burst)
		assert.GreaterOrEqual(t, steady, maxSteady-1, "limiter should not starve")
	}
}

func TestAllowAt_UnconfiguredProviderUnthrottled(t *testing.T) {
	b := New(nil)
	for i := 0; i < 100; i++ {
		assert.True(t, b.AllowAt("free", epoch))
	}
}

func TestAcquire_ImmediateWhenTokenAvailable(t *testing.T) {
	b := New(map[string]Limit{"p": {MinInterval: time.Hour, Burst: 2}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, b.Acquire(ctx, "p"))
	require.NoError(t, b.Acquire(ctx, "p"))
}

func TestAcquire_RejectsWhenWaitExceedsDeadline(t *testing.T) {
	b := New(map[string]Limit{"p": {MinInterval: time.Hour}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Acquire(ctx, "p"))
	err := b.Acquire(ctx, "p")
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
}

func TestAcquire_RejectionDoesNotConsumeToken(t *testing.T) {
	b := New(map[string]Limit{"p": {MinInterval: 100 * time.Millisecond}})
	b.now = func() time.Time { return epoch }

	short, cancel := context.WithDeadline(context.Background(), epoch.Add(10*time.Millisecond))
	defer cancel()
	require.NoError(t, b.Acquire(short, "p"))
	require.Error(t, b.Acquire(short, "p"))

	// The cancelled reservation is returned, so the next token is still due
	// one interval after the first.
	assert.True(t, b.AllowAt("p", epoch.Add(100*time.Millisecond)))
}

func TestAcquire_WaitsWithinDeadline(t *testing.T) {
	b := New(map[string]Limit{"p": {MinInterval: 30 * time.Millisecond}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, b.Acquire(ctx, "p"))
	start := time.Now()
	require.NoError(t, b.Acquire(ctx, "p"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestConfigure_FirstWins(t *testing.T) {
	b := New(nil)
	assert.True(t, b.Configure("p", Limit{MinInterval: time.Second, Burst: 2}))
	assert.False(t, b.Configure("p", Limit{MinInterval: time.Millisecond}))
	assert.Equal(t, rate.Every(time.Second), b.Rate("p"))
	assert.Equal(t, []string{"p"}, b.Providers())
}

func TestConfigure_LaterDifferentLimitIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	defer undo()

	b := New(nil)
	first := Limit{MinInterval: time.Second, Burst: 2}
	require.True(t, b.Configure("p", first))

	assert.False(t, b.Configure("p", first))
	assert.Equal(t, 0, logs.Len())

	assert.False(t, b.Configure("p", Limit{MinInterval: time.Minute, Burst: 1}))
	kept, ok := b.Limit("p")
	require.True(t, ok)
	assert.Equal(t, first, kept)

	warned := logs.FilterMessage("ratebudget: provider already configured, keeping earlier limit").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "p", warned[0].ContextMap()["provider"])

	_, ok = b.Limit("other")
	assert.False(t, ok)
}

func TestOnThrottled_NeverExceedsConfiguredRate(t *testing.T) {
	b := New(map[string]Limit{"p": {MinInterval: 100 * time.Millisecond}})
	configured := b.Rate("p")

	b.OnThrottled("p")
	assert.InDelta(t, float64(configured)/2, float64(b.Rate("p")), 0.001)

	for i := 0; i < 5; i++ {
		b.OnThrottled("p")
	}
	assert.InDelta(t, float64(configured)/4, float64(b.Rate("p")), 0.001)

	for i := 0; i < 50; i++ {
		b.OnSuccess("p")
	}
	assert.Equal(t, configured, b.Rate("p"))
}
