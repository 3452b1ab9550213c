package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.delayWithRand(tt.attempt, 0); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayClampsToMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 10}
	if got := p.delayWithRand(5, 0); got != 5*time.Second {
		t.Errorf("expected clamp to 5s, got %v", got)
	}
}

func TestDelayJitter(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}
	if got := p.delayWithRand(1, 1.0); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s with full jitter, got %v", got)
	}
	if got := p.delayWithRand(1, 0); got != time.Second {
		t.Errorf("expected 1s with zero jitter, got %v", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	calls := 0
	v, err := Retry(context.Background(), p, 5, nil, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("got v=%d calls=%d", v, calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	fatal := errors.New("fatal")
	calls := 0
	_, err := Retry(context.Background(), p, 5, func(err error) bool { return !errors.Is(err, fatal) }, func() (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	calls := 0
	last := errors.New("always")
	_, err := Retry(context.Background(), p, 3, nil, func() (int, error) {
		calls++
		return 0, last
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, p, 3, nil, func() (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
