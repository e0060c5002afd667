// Package order translates strategy matches into venue orders: admission
// checks, entry pricing with TP/SL pairing, retry policy and failure
// classification.
package order

import (
	"errors"

	"ocbot/internal/exchange"
)

// Class buckets a failure for retry and cooldown policy.
type Class int

const (
	// ClassTransient covers network errors, timeouts and 5xx. Retried with
	// backoff.
	ClassTransient Class = iota
	// ClassRateLimited is a 429/418, retried honoring the venue hold.
	ClassRateLimited
	// ClassValidation covers local rejections: missing filter, bad notional.
	// Fails fast with a per-strategy cooldown.
	ClassValidation
	// ClassPrecision is a venue tick/step rejection, retried once after
	// re-rounding and then treated as fatal.
	ClassPrecision
	// ClassBusiness is a deliberate skip: position already open, max
	// concurrent trades reached, side selection null. No cooldown.
	ClassBusiness
	// ClassFatal covers bad credentials, insufficient margin and position
	// mode mismatches. Sets cooldown and notifies the bot owner.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassValidation:
		return "validation"
	case ClassPrecision:
		return "precision"
	case ClassBusiness:
		return "business"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Sentinel skip reasons raised before any venue call.
var (
	ErrPositionOpen     = errors.New("position already open for strategy")
	ErrMaxConcurrent    = errors.New("max concurrent trades reached")
	ErrInCooldown       = errors.New("strategy in failure cooldown")
	ErrNoFilter         = errors.New("no symbol filter, symbol not tradable")
	ErrExtendMiss       = errors.New("price outside extend admission window")
	ErrBelowMinNotional = errors.New("notional below venue minimum")
	ErrZeroQuantity     = errors.New("quantity zero after step rounding")
)

// Classify maps an error onto the taxonomy.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrPositionOpen),
		errors.Is(err, ErrMaxConcurrent),
		errors.Is(err, ErrInCooldown),
		errors.Is(err, ErrExtendMiss):
		return ClassBusiness
	case errors.Is(err, ErrNoFilter),
		errors.Is(err, ErrBelowMinNotional),
		errors.Is(err, ErrZeroQuantity):
		return ClassValidation
	}

	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		// Network-level error.
		return ClassTransient
	}
	switch {
	case apiErr.StatusCode == 429 || apiErr.StatusCode == 418 ||
		apiErr.Code == exchange.CodeTooManyRequests:
		return ClassRateLimited
	case apiErr.StatusCode >= 500:
		return ClassTransient
	case apiErr.Code == exchange.CodeInvalidPrecision:
		return ClassPrecision
	case apiErr.Code == exchange.CodeInsufficientMargin,
		apiErr.Code == exchange.CodePositionModeMismatch,
		apiErr.StatusCode == 401:
		return ClassFatal
	}
	return ClassValidation
}

// Retryable reports whether a class participates in the backoff loop.
func Retryable(c Class) bool {
	return c == ClassTransient || c == ClassRateLimited
}
