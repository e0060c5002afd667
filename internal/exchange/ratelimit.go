package exchange

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ==================== RATE LIMITER ====================

// RateLimiter enforces a minimum gap between REST requests to one venue and
// tracks 429/418 responses. After a 429 the limiter holds all callers until
// the retry-after deadline passes; repeated hits extend the hold.
type RateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastRequest time.Time
	bannedUntil time.Time
	usedWeight  int
	log         zerolog.Logger
}

// NewRateLimiter creates a limiter with the given minimum request gap.
func NewRateLimiter(minInterval time.Duration, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		minInterval: minInterval,
		log:         log,
	}
}

// Wait blocks until a request slot is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()

		var wait time.Duration
		if now.Before(rl.bannedUntil) {
			wait = rl.bannedUntil.Sub(now)
		} else if elapsed := now.Sub(rl.lastRequest); elapsed < rl.minInterval {
			wait = rl.minInterval - elapsed
		}

		if wait == 0 {
			rl.lastRequest = now
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordRateLimit registers a 429/418 response. retryAfter is the venue's
// Retry-After hint in seconds, 0 when absent.
func (rl *RateLimiter) RecordRateLimit(retryAfter int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	hold := 30 * time.Second
	if retryAfter > 0 {
		hold = time.Duration(retryAfter) * time.Second
	}
	until := time.Now().Add(hold)
	if until.After(rl.bannedUntil) {
		rl.bannedUntil = until
	}
	rl.log.Warn().
		Dur("hold", hold).
		Msg("rate limit hit, holding REST requests")
}

// RecordWeight stores the used-weight value reported by the venue.
func (rl *RateLimiter) RecordWeight(weight int) {
	rl.mu.Lock()
	rl.usedWeight = weight
	rl.mu.Unlock()
}

// Limited reports whether the limiter is currently holding requests.
func (rl *RateLimiter) Limited() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return time.Now().Before(rl.bannedUntil)
}

// GetStats returns current limiter state for the status endpoint.
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"used_weight":  rl.usedWeight,
		"limited":      time.Now().Before(rl.bannedUntil),
		"min_gap_ms":   rl.minInterval.Milliseconds(),
		"banned_until": rl.bannedUntil,
	}
}

// ==================== RETRY HELPERS ====================

// calculateRetryDelay returns an exponential backoff delay with 25% jitter.
func calculateRetryDelay(attempt int, base time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay*3/4 + jitter
}

// IsRetryableError reports whether an error is worth retrying: rate limits,
// server errors and the transient venue codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		// Network-level errors (timeouts, resets) are retryable.
		return true
	}
	switch {
	case apiErr.StatusCode == 429 || apiErr.StatusCode == 418:
		return true
	case apiErr.StatusCode >= 500:
		return true
	case apiErr.Code == -1001 || apiErr.Code == CodeTooManyRequests ||
		apiErr.Code == -1015 || apiErr.Code == -1016:
		return true
	}
	return false
}
