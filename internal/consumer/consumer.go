// Package consumer is the hot loop between the WebSocket ingress and the
// match pipeline: it throttles, batches and deduplicates ticks, then fans
// detector results out to the per-bot order services.
package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/detector"
	"ocbot/internal/exchange"
)

// MatchHandler receives one strategy match. Implementations own their error
// handling; a failing handler must not affect sibling matches.
type MatchHandler func(ctx context.Context, match detector.MatchResult)

// AlertHandler receives one emitted price alert.
type AlertHandler func(alert detector.Alert)

// Consumer drains the tick queue in batches. Within a batch only the latest
// tick per (venue, symbol) survives, so per-symbol timestamp order holds
// across sequential batches while distinct symbols process in parallel.
type Consumer struct {
	cfg      config.ConsumerConfig
	detector *detector.Detector
	alerts   *detector.AlertManager
	onMatch  MatchHandler
	onAlert  AlertHandler
	log      zerolog.Logger

	queue chan exchange.Tick

	throttleMu    sync.Mutex
	lastProcessed map[string]time.Time

	received          atomic.Int64
	throttled         atomic.Int64
	droppedOverflow   atomic.Int64
	processed         atomic.Int64
	batches           atomic.Int64
	matchesDispatched atomic.Int64
}

// New creates the consumer. alerts and onAlert may be nil when the alert
// path is disabled.
func New(cfg config.ConsumerConfig, det *detector.Detector, alerts *detector.AlertManager, onMatch MatchHandler, onAlert AlertHandler, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:           cfg,
		detector:      det,
		alerts:        alerts,
		onMatch:       onMatch,
		onAlert:       onAlert,
		log:           log.With().Str("component", "consumer").Logger(),
		queue:         make(chan exchange.Tick, cfg.QueueCapacity),
		lastProcessed: make(map[string]time.Time),
	}
}

// Push enqueues a tick from an ingress client. Never blocks: when the queue
// is full the oldest waiting tick is dropped so freshness wins. Ticks inside
// the per-symbol throttle window are dropped immediately.
func (c *Consumer) Push(tick exchange.Tick) {
	c.received.Add(1)
	if tick.Price <= 0 {
		return
	}

	key := tick.Venue + ":" + tick.Symbol
	c.throttleMu.Lock()
	last, ok := c.lastProcessed[key]
	c.throttleMu.Unlock()
	if ok && time.Since(last) < c.cfg.MinTickInterval() {
		c.throttled.Add(1)
		return
	}

	for {
		select {
		case c.queue <- tick:
			return
		default:
		}
		select {
		case <-c.queue:
			c.droppedOverflow.Add(1)
		default:
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		batch := c.collectBatch(ctx)
		if ctx.Err() != nil {
			return
		}
		if len(batch) == 0 {
			continue
		}
		c.processBatch(ctx, batch)
	}
}

// collectBatch blocks for the first tick, then accumulates until batch_size
// or batch_timeout, whichever comes first.
func (c *Consumer) collectBatch(ctx context.Context) []exchange.Tick {
	var first exchange.Tick
	select {
	case <-ctx.Done():
		return nil
	case first = <-c.queue:
	}

	batch := make([]exchange.Tick, 0, c.cfg.BatchSize)
	batch = append(batch, first)

	timer := time.NewTimer(c.cfg.BatchTimeout())
	defer timer.Stop()

	for len(batch) < c.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return batch
		case <-timer.C:
			return batch
		case t := <-c.queue:
			batch = append(batch, t)
		}
	}
	return batch
}

// dedupe keeps only the newest tick per (venue, symbol). Older ticks are
// discarded, never reordered.
func dedupe(batch []exchange.Tick) []exchange.Tick {
	latest := make(map[string]exchange.Tick, len(batch))
	for _, t := range batch {
		key := t.Venue + ":" + t.Symbol
		if prev, ok := latest[key]; !ok || t.Timestamp >= prev.Timestamp {
			latest[key] = t
		}
	}
	out := make([]exchange.Tick, 0, len(latest))
	for _, t := range latest {
		out = append(out, t)
	}
	return out
}

func (c *Consumer) processBatch(ctx context.Context, batch []exchange.Tick) {
	c.batches.Add(1)
	ticks := dedupe(batch)

	sem := make(chan struct{}, c.cfg.TickConcurrency)
	var wg sync.WaitGroup
	for _, tick := range ticks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t exchange.Tick) {
			defer wg.Done()
			defer func() { <-sem }()
			c.processTick(ctx, t)
		}(tick)
	}
	wg.Wait()
}

func (c *Consumer) processTick(ctx context.Context, tick exchange.Tick) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Str("symbol", tick.Symbol).
				Msg("tick processing panicked")
		}
	}()

	key := tick.Venue + ":" + tick.Symbol
	c.throttleMu.Lock()
	c.lastProcessed[key] = time.Now()
	c.throttleMu.Unlock()
	c.processed.Add(1)

	matches := c.detector.DetectTick(ctx, tick)
	if len(matches) > 0 && c.onMatch != nil {
		c.dispatchMatches(ctx, matches)
	}

	if c.alerts != nil && c.onAlert != nil {
		for _, alert := range c.alerts.Evaluate(ctx, tick) {
			c.onAlert(alert)
		}
	}
}

// dispatchMatches fans out to the per-bot order services. Each dispatch runs
// independently, one slow or failing bot never blocks or cancels the others.
func (c *Consumer) dispatchMatches(ctx context.Context, matches []detector.MatchResult) {
	var wg sync.WaitGroup
	for _, match := range matches {
		wg.Add(1)
		go func(m detector.MatchResult) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().
						Interface("panic", r).
						Int64("strategy_id", m.Strategy.ID).
						Msg("match dispatch panicked")
				}
			}()
			c.onMatch(ctx, m)
		}(match)
	}
	wg.Wait()
	c.matchesDispatched.Add(int64(len(matches)))
}

// GetStats returns consumer counters for the status endpoint.
func (c *Consumer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"received":           c.received.Load(),
		"throttled":          c.throttled.Load(),
		"dropped_overflow":   c.droppedOverflow.Load(),
		"processed":          c.processed.Load(),
		"batches":            c.batches.Load(),
		"matches_dispatched": c.matchesDispatched.Load(),
		"queue_depth":        len(c.queue),
	}
}
