package marketdata

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/detector"
)

// Resolver answers "what was the open of this bucket" with tiered sources:
//
//  1. kline buffer candle keyed by exact bucket start (ws_bucket_open)
//  2. latest buffered candle whose start equals the bucket (ws_latest_candle_open)
//  3. previous bucket's close as an approximation (ws_prev_close)
//  4. current price, alert path only (fallback_current_price)
//
// Exact sources are cached for the lifetime of the bucket entry; approximate
// sources are memoized briefly so a later kline for the same bucket upgrades
// the answer within about a second.
type Resolver struct {
	klines *KlineBuffer
	opens  *OpenPriceCache
	rest   *RestFallback // nil when the REST tier is disabled

	memoTTL time.Duration
	log     zerolog.Logger
}

// NewResolver creates the tiered resolver. rest may be nil.
func NewResolver(klines *KlineBuffer, opens *OpenPriceCache, rest *RestFallback, cfg config.OpenPriceConfig, log zerolog.Logger) *Resolver {
	return &Resolver{
		klines:  klines,
		opens:   opens,
		rest:    rest,
		memoTTL: time.Duration(cfg.MemoTTLMs) * time.Millisecond,
		log:     log.With().Str("component", "open_resolver").Logger(),
	}
}

// exactSource reports whether a provenance tag is bucket-exact and therefore
// cacheable until eviction.
func exactSource(source string) bool {
	switch source {
	case SourceWSBucketOpen, SourceWSLatestOpen, SourceRestOHLCV:
		return true
	}
	return false
}

// ResolveOpen implements the detector's OpenResolver contract.
func (r *Resolver) ResolveOpen(ctx context.Context, venue, symbol, interval string, bucketStart int64, currentPrice float64, allowPriceFallback bool) (float64, string, bool) {
	if entry, ok := r.opens.Get(venue, symbol, interval, bucketStart); ok {
		if exactSource(entry.Source) {
			return entry.Open, entry.Source, true
		}
		// Approximate entries serve only within the memo window, and the
		// current-price fallback is never acceptable for the order path.
		if time.Since(entry.ResolvedAt) < r.memoTTL {
			if entry.Source == SourceFallbackCurrent && !allowPriceFallback {
				return 0, "", false
			}
			return entry.Open, entry.Source, true
		}
	}

	if open, ok := r.klines.GetKlineOpen(venue, symbol, interval, bucketStart); ok {
		r.opens.Set(venue, symbol, interval, bucketStart, open, SourceWSBucketOpen)
		return open, SourceWSBucketOpen, true
	}

	if latest, ok := r.klines.GetLatestCandle(venue, symbol, interval); ok {
		if latest.OpenTime == bucketStart && latest.Open > 0 {
			r.opens.Set(venue, symbol, interval, bucketStart, latest.Open, SourceWSLatestOpen)
			return latest.Open, SourceWSLatestOpen, true
		}
	}

	intervalMs, err := detector.IntervalMs(interval)
	if err == nil {
		if closePrice, ok := r.klines.GetKlineClose(venue, symbol, interval, bucketStart-intervalMs); ok {
			r.log.Warn().
				Str("venue", venue).
				Str("symbol", symbol).
				Str("interval", interval).
				Int64("bucket_start", bucketStart).
				Str("source", SourceWSPrevClose).
				Msg("bucket open approximated from previous close")
			r.opens.Set(venue, symbol, interval, bucketStart, closePrice, SourceWSPrevClose)
			if r.rest != nil {
				r.rest.RequestPrime(venue, symbol, interval, bucketStart)
			}
			return closePrice, SourceWSPrevClose, true
		}
	}

	// Cold buffer: ask the REST primer to fill this bucket for later ticks.
	if r.rest != nil {
		r.rest.RequestPrime(venue, symbol, interval, bucketStart)
	}

	if allowPriceFallback && currentPrice > 0 {
		r.log.Warn().
			Str("venue", venue).
			Str("symbol", symbol).
			Str("interval", interval).
			Int64("bucket_start", bucketStart).
			Str("source", SourceFallbackCurrent).
			Msg("bucket open unresolvable, alert path using current price")
		r.opens.Set(venue, symbol, interval, bucketStart, currentPrice, SourceFallbackCurrent)
		return currentPrice, SourceFallbackCurrent, true
	}
	return 0, "", false
}
