package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/exchange"
)

type primeRequest struct {
	venue       string
	symbol      string
	interval    string
	bucketStart int64
}

// RestFallback primes cold buckets from venue kline endpoints. It never runs
// on the resolve path itself: resolvers enqueue a prime request and keep
// going, the workers fill the open-price cache in the background.
//
// The endpoint is ban-prone under WebSocket loss with many active symbols,
// so requests are coalesced per bucket, bounded in queue and concurrency,
// gated on staleness and circuit-broken after a 429.
type RestFallback struct {
	clients map[string]exchange.RestClient
	klines  *KlineBuffer
	opens   *OpenPriceCache
	cfg     config.OpenPriceConfig
	log     zerolog.Logger

	queue chan primeRequest

	mu       sync.Mutex
	inflight map[string]struct{}
	last429  time.Time

	primed  atomic.Int64
	dropped atomic.Int64
}

// NewRestFallback creates the primer over the given venue clients.
func NewRestFallback(clients []exchange.RestClient, klines *KlineBuffer, opens *OpenPriceCache, cfg config.OpenPriceConfig, log zerolog.Logger) *RestFallback {
	byVenue := make(map[string]exchange.RestClient, len(clients))
	for _, c := range clients {
		byVenue[c.Venue()] = c
	}
	return &RestFallback{
		clients:  byVenue,
		klines:   klines,
		opens:    opens,
		cfg:      cfg,
		log:      log.With().Str("component", "rest_fallback").Logger(),
		queue:    make(chan primeRequest, cfg.RestQueueSize),
		inflight: make(map[string]struct{}),
	}
}

// RequestPrime enqueues a background kline fetch for a bucket. Requests are
// dropped when the bucket is too fresh, the circuit is open, the bucket is
// already in flight or the queue is full.
func (rf *RestFallback) RequestPrime(venue, symbol, interval string, bucketStart int64) {
	if time.Now().UnixMilli()-bucketStart < int64(rf.cfg.PrimeToleranceMs) {
		return
	}
	if rf.circuitOpen() {
		return
	}
	key := openKey(venue, symbol, interval, bucketStart)

	rf.mu.Lock()
	if _, busy := rf.inflight[key]; busy {
		rf.mu.Unlock()
		return
	}
	rf.inflight[key] = struct{}{}
	rf.mu.Unlock()

	select {
	case rf.queue <- primeRequest{venue: venue, symbol: symbol, interval: interval, bucketStart: bucketStart}:
	default:
		rf.dropped.Add(1)
		rf.mu.Lock()
		delete(rf.inflight, key)
		rf.mu.Unlock()
	}
}

func (rf *RestFallback) circuitOpen() bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	window := time.Duration(rf.cfg.RestBreakWindowSec) * time.Second
	return time.Since(rf.last429) < window
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (rf *RestFallback) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < rf.cfg.RestConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rf.worker(ctx)
		}()
	}
	wg.Wait()
}

func (rf *RestFallback) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-rf.queue:
			rf.prime(ctx, req)
		}
	}
}

func (rf *RestFallback) prime(ctx context.Context, req primeRequest) {
	key := openKey(req.venue, req.symbol, req.interval, req.bucketStart)
	defer func() {
		rf.mu.Lock()
		delete(rf.inflight, key)
		rf.mu.Unlock()
	}()

	if rf.circuitOpen() {
		return
	}
	client, ok := rf.clients[req.venue]
	if !ok {
		return
	}

	klines, err := client.GetKlines(ctx, req.symbol, req.interval, 2)
	if err != nil {
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 429 || apiErr.StatusCode == 418) {
			rf.mu.Lock()
			rf.last429 = time.Now()
			rf.mu.Unlock()
			rf.log.Warn().
				Str("venue", req.venue).
				Msg("rate limited on kline fetch, opening circuit")
			return
		}
		rf.log.Debug().Err(err).Str("symbol", req.symbol).Msg("kline prime failed")
		return
	}

	for _, k := range klines {
		rf.klines.Update(req.venue, req.symbol, req.interval, k)
		if k.OpenTime == req.bucketStart && k.Open > 0 {
			rf.opens.Set(req.venue, req.symbol, req.interval, req.bucketStart, k.Open, SourceRestOHLCV)
			rf.primed.Add(1)
		}
	}
}

// GetStats returns primer counters for the status endpoint.
func (rf *RestFallback) GetStats() map[string]interface{} {
	rf.mu.Lock()
	inflight := len(rf.inflight)
	circuit := time.Since(rf.last429) < time.Duration(rf.cfg.RestBreakWindowSec)*time.Second
	rf.mu.Unlock()
	return map[string]interface{}{
		"queued":       len(rf.queue),
		"inflight":     inflight,
		"primed":       rf.primed.Load(),
		"dropped":      rf.dropped.Load(),
		"circuit_open": circuit,
	}
}
