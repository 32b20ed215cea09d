package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewFetchError("x", FetchMalformed, errors.New("bad payload"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoValCount_ReportsAttemptsAndCallbacks(t *testing.T) {
	var seen []error
	cfg := fastRetry(4)
	cfg.OnAttempt = func(attempt int, err error) {
		if attempt != len(seen)+1 {
			t.Errorf("attempt %d reported out of order", attempt)
		}
		seen = append(seen, err)
	}

	calls := 0
	val, attempts, err := DoValCount(context.Background(), cfg, func(_ context.Context) (string, error) {
		calls++
		if calls < 4 {
			return "", NewFetchError("x", FetchTimeout, context.DeadlineExceeded)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" || attempts != 4 {
		t.Errorf("got val=%q attempts=%d, want ok/4", val, attempts)
	}
	if len(seen) != 4 || seen[3] != nil {
		t.Errorf("expected 3 failures then a success, got %v", seen)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Second}

	var calls int
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("temporary"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancel, got %d", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(error) bool { return false }

	var calls int
	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("temporary"), 503)
	})
	if calls != 1 {
		t.Errorf("expected 1 call with ShouldRetry=false, got %d", calls)
	}
}

func TestComputeBackoff_Capped(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2.0,
	})
	cfg.JitterFraction = 0
	if d := computeBackoff(0, cfg); d != 100*time.Millisecond {
		t.Errorf("attempt 0: got %v", d)
	}
	if d := computeBackoff(1, cfg); d != 200*time.Millisecond {
		t.Errorf("attempt 1: got %v", d)
	}
	if d := computeBackoff(5, cfg); d != 300*time.Millisecond {
		t.Errorf("attempt 5: got %v, want cap", d)
	}
}
