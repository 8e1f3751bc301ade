package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayExponentialGrowth(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 10, want: time.Second},
	}

	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v; want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.Delay(1); got != 100*time.Millisecond {
		t.Errorf("Delay(1) with zero config = %v; want 100ms", got)
	}

	fixed := Config{InitialDelay: 50 * time.Millisecond, Multiplier: 0.5}
	if got := fixed.Delay(3); got != 50*time.Millisecond {
		t.Errorf("Delay(3) with sub-1 multiplier = %v; want fixed 50ms", got)
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	errTransient := errors.New("transient")
	calls := 0

	got, err := WithRetry(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
	}, func(error) bool { return true }, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WithRetry() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("WithRetry() = %q; want ok", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	errTransient := errors.New("transient")
	calls := 0

	_, err := WithRetry(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
	}, func(error) bool { return true }, func() (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("WithRetry() error = %v; want %v", err, errTransient)
	}
	if calls != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	errFatal := errors.New("fatal")
	calls := 0

	_, err := WithRetry(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}, func(err error) bool { return !errors.Is(err, errFatal) }, func() (int, error) {
		calls++
		return 0, errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("WithRetry() error = %v; want %v", err, errFatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := WithRetry(ctx, Config{
		MaxAttempts:  10,
		InitialDelay: time.Hour, // never elapses; cancellation must win
	}, func(error) bool { return true }, func() (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WithRetry() error = %v; want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}
