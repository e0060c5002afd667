package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRateLimiterWaitEnforcesGap(t *testing.T) {
	rl := NewRateLimiter(30*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("second Wait returned after %v, want at least the 30ms gap", elapsed)
	}
}

func TestRateLimiterWaitCancellation(t *testing.T) {
	rl := NewRateLimiter(time.Millisecond, zerolog.Nop())
	rl.RecordRateLimit(30)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait under hold: err = %v, want deadline exceeded", err)
	}
}

func TestRateLimiterRecordRateLimit(t *testing.T) {
	rl := NewRateLimiter(time.Millisecond, zerolog.Nop())
	if rl.Limited() {
		t.Fatalf("fresh limiter reports limited")
	}
	rl.RecordRateLimit(2)
	if !rl.Limited() {
		t.Errorf("limiter not holding after a 429")
	}

	// A shorter hold never truncates an existing one.
	rl2 := NewRateLimiter(time.Millisecond, zerolog.Nop())
	rl2.RecordRateLimit(10)
	stats := rl2.GetStats()
	first := stats["banned_until"].(time.Time)
	rl2.RecordRateLimit(1)
	stats = rl2.GetStats()
	if second := stats["banned_until"].(time.Time); second.Before(first) {
		t.Errorf("banned_until moved backwards: %v -> %v", first, second)
	}
}

func TestCalculateRetryDelay(t *testing.T) {
	base := time.Second
	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 20; i++ {
			delay := calculateRetryDelay(attempt, base)
			if delay < base*3/4 {
				t.Fatalf("attempt %d: delay %v below jitter floor", attempt, delay)
			}
			if delay > 30*time.Second+15*time.Second {
				t.Fatalf("attempt %d: delay %v above cap", attempt, delay)
			}
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("read tcp: connection reset"), true},
		{"http 429", &APIError{StatusCode: 429}, true},
		{"http 418", &APIError{StatusCode: 418}, true},
		{"http 500", &APIError{StatusCode: 500}, true},
		{"disconnected -1001", &APIError{StatusCode: 400, Code: -1001}, true},
		{"too many requests -1003", &APIError{StatusCode: 400, Code: CodeTooManyRequests}, true},
		{"system busy -1016", &APIError{StatusCode: 400, Code: -1016}, true},
		{"precision -1111", &APIError{StatusCode: 400, Code: CodeInvalidPrecision}, false},
		{"bad request", &APIError{StatusCode: 400, Code: -4003}, false},
		{"wrapped", fmt.Errorf("klines: %w", &APIError{StatusCode: 503}), true},
	}

	for _, tt := range tests {
		if got := IsRetryableError(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryableError = %v, want %v", tt.name, got, tt.want)
		}
	}
}
