package telegram

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/exchange"
)

// Dispatch purposes, one queue and pacing clock each.
const (
	PurposeOrder        = "order"
	PurposeAlertBinance = "alert_binance"
	PurposeAlertBybit   = "alert_bybit"
	PurposeMonitor      = "monitor"
)

const transientRequeueBackoff = 5 * time.Second

type message struct {
	chatID     string
	text       string
	enqueuedAt time.Time
}

// queueState is one purpose queue: its own FIFO, global pacing clock and 429
// backoff. Created lazily on first enqueue and reaped when idle and empty.
type queueState struct {
	purpose string
	client  *Client

	mu           sync.Mutex
	items        *list.List
	notify       chan struct{}
	lastSend     time.Time
	lastActivity time.Time
	backoffUntil time.Time
	consecutive  int // consecutive 429 count
	drainRunning bool
}

// Dispatcher owns all purpose queues and the shared per-chat pacing state.
// Producers enqueue and return immediately; drain goroutines do the sending.
type Dispatcher struct {
	cfg config.TelegramConfig
	log zerolog.Logger

	ctx context.Context

	mu     sync.Mutex
	queues map[string]*queueState
	tokens map[string]string

	chatMu   sync.Mutex
	chatLast map[string]time.Time

	sent      atomic.Int64
	discarded atomic.Int64
}

// NewDispatcher creates the dispatcher from per-purpose bot tokens. Purposes
// with an empty token silently drop their messages.
func NewDispatcher(cfg config.TelegramConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg: cfg,
		log: log.With().Str("component", "telegram").Logger(),
		tokens: map[string]string{
			PurposeOrder:        cfg.OrderBotToken,
			PurposeAlertBinance: cfg.AlertBotTokenA,
			PurposeAlertBybit:   cfg.AlertBotTokenB,
			PurposeMonitor:      cfg.MonitorBotToken,
		},
		queues:   make(map[string]*queueState),
		chatLast: make(map[string]time.Time),
	}
}

// Start binds the dispatcher to its lifetime context and starts the reaper.
// It must be called before the first Enqueue; messages enqueued earlier are
// dropped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
	go d.reaper(ctx)
}

// Enqueue queues one message on a purpose queue.
func (d *Dispatcher) Enqueue(purpose, chatID, text string) {
	if !d.cfg.Enabled || chatID == "" || text == "" {
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		q := d.queue(purpose)
		if q == nil {
			return
		}

		q.mu.Lock()
		if !q.drainRunning {
			// Lost a race with the reaper; the next d.queue call recreates.
			q.mu.Unlock()
			continue
		}
		q.items.PushBack(message{chatID: chatID, text: text, enqueuedAt: time.Now()})
		q.lastActivity = time.Now()
		q.mu.Unlock()

		select {
		case q.notify <- struct{}{}:
		default:
		}
		return
	}
}

// NotifyOrder implements the order service's notifier contract.
func (d *Dispatcher) NotifyOrder(chatID, text string) {
	d.Enqueue(PurposeOrder, chatID, text)
}

// NotifyMonitor sends to the operator monitor chat.
func (d *Dispatcher) NotifyMonitor(text string) {
	d.Enqueue(PurposeMonitor, d.cfg.MonitorChatID, text)
}

// AlertPurpose maps a venue to its alert queue.
func AlertPurpose(venue string) string {
	if venue == exchange.VenueBybit {
		return PurposeAlertBybit
	}
	return PurposeAlertBinance
}

func (d *Dispatcher) queue(purpose string) *queueState {
	d.mu.Lock()
	defer d.mu.Unlock()

	// No lifetime context yet: the drain goroutine would have nothing to
	// stop on, so messages before Start are dropped.
	if d.ctx == nil {
		return nil
	}
	if q, ok := d.queues[purpose]; ok {
		return q
	}
	token := d.tokens[purpose]
	if token == "" {
		return nil
	}
	q := &queueState{
		purpose:      purpose,
		client:       NewClient(token, time.Duration(d.cfg.SendTimeoutSec)*time.Second),
		items:        list.New(),
		notify:       make(chan struct{}, 1),
		lastActivity: time.Now(),
		drainRunning: true,
	}
	d.queues[purpose] = q
	go d.drain(q)
	return q
}

// drain sends one queue's messages, honoring the global pacing clock, the
// shared per-chat gap and any active 429 backoff.
func (d *Dispatcher) drain(q *queueState) {
	for {
		msg, ok := d.next(q)
		if !ok {
			return
		}

		if wait := d.sendDelay(q, msg.chatID); wait > 0 {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		d.send(q, msg)
	}
}

// next pops the head of the queue, blocking until an item arrives or the
// queue is reaped.
func (d *Dispatcher) next(q *queueState) (message, bool) {
	for {
		q.mu.Lock()
		if !q.drainRunning {
			q.mu.Unlock()
			return message{}, false
		}
		if front := q.items.Front(); front != nil {
			msg := q.items.Remove(front).(message)
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-d.ctx.Done():
			return message{}, false
		case <-q.notify:
		}
	}
}

// sendDelay computes how long to wait before the next send attempt.
func (d *Dispatcher) sendDelay(q *queueState, chatID string) time.Duration {
	now := time.Now()
	var until time.Time

	q.mu.Lock()
	if q.backoffUntil.After(until) {
		until = q.backoffUntil
	}
	globalReady := q.lastSend.Add(time.Duration(d.cfg.MinGapGlobalMs) * time.Millisecond)
	if globalReady.After(until) {
		until = globalReady
	}
	q.mu.Unlock()

	d.chatMu.Lock()
	chatReady := d.chatLast[chatID].Add(time.Duration(d.cfg.PerChatMinGapMs) * time.Millisecond)
	d.chatMu.Unlock()
	if chatReady.After(until) {
		until = chatReady
	}

	if until.After(now) {
		return until.Sub(now)
	}
	return 0
}

func (d *Dispatcher) send(q *queueState, msg message) {
	ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.cfg.SendTimeoutSec)*time.Second)
	err := q.client.SendMessage(ctx, msg.chatID, msg.text)
	cancel()

	now := time.Now()
	if err == nil {
		d.sent.Add(1)
		q.mu.Lock()
		q.lastSend = now
		q.lastActivity = now
		q.consecutive = 0
		q.mu.Unlock()
		d.chatMu.Lock()
		d.chatLast[msg.chatID] = now
		d.chatMu.Unlock()
		return
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		switch {
		case sendErr.RateLimited():
			q.mu.Lock()
			q.consecutive++
			hold := rateLimitHold(sendErr.RetryAfter, q.consecutive)
			q.backoffUntil = now.Add(hold)
			q.items.PushFront(msg)
			consecutive := q.consecutive
			q.mu.Unlock()
			d.log.Warn().
				Str("purpose", q.purpose).
				Int("consecutive", consecutive).
				Dur("hold", hold).
				Msg("telegram rate limited, deferring queue")
			return
		case sendErr.Permanent():
			d.discarded.Add(1)
			d.log.Warn().
				Str("purpose", q.purpose).
				Str("chat_id", msg.chatID).
				Int("code", sendErr.Code).
				Msg("telegram message discarded")
			return
		}
	}

	// Transient transport error: short backoff, message keeps its place.
	q.mu.Lock()
	q.backoffUntil = now.Add(transientRequeueBackoff)
	q.items.PushFront(msg)
	q.mu.Unlock()
	d.log.Debug().Err(err).Str("purpose", q.purpose).Msg("telegram transient failure, requeued")
}

// rateLimitHold computes the queue hold after a 429: the venue's retry-after
// plus a safety buffer, escalated by the consecutive-429 count capped at 5.
func rateLimitHold(retryAfterSec, consecutive int) time.Duration {
	multiplier := consecutive
	if multiplier > 5 {
		multiplier = 5
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return time.Duration(retryAfterSec*1000+5000) * time.Millisecond * time.Duration(multiplier)
}

// reaper drops idle empty queues and stale per-chat trackers.
func (d *Dispatcher) reaper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	queueIdle := time.Duration(d.cfg.QueueMaxIdleMin) * time.Minute
	chatIdle := time.Duration(d.cfg.ChatMaxIdleHours) * time.Hour

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		for purpose, q := range d.queues {
			q.mu.Lock()
			empty := q.items.Len() == 0
			idle := time.Since(q.lastActivity) > queueIdle
			if empty && idle {
				q.drainRunning = false
				delete(d.queues, purpose)
				d.log.Debug().Str("purpose", purpose).Msg("idle queue reaped")
			}
			q.mu.Unlock()
			if empty && idle {
				// Wake the drain goroutine so it observes the stop flag.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
		}
		d.mu.Unlock()

		d.chatMu.Lock()
		for chatID, last := range d.chatLast {
			if time.Since(last) > chatIdle {
				delete(d.chatLast, chatID)
			}
		}
		d.chatMu.Unlock()
	}
}

// GetStats returns dispatcher counters for the status endpoint.
func (d *Dispatcher) GetStats() map[string]interface{} {
	d.mu.Lock()
	depths := make(map[string]int, len(d.queues))
	for purpose, q := range d.queues {
		q.mu.Lock()
		depths[purpose] = q.items.Len()
		q.mu.Unlock()
	}
	d.mu.Unlock()
	return map[string]interface{}{
		"sent":         d.sent.Load(),
		"discarded":    d.discarded.Load(),
		"queue_depths": depths,
	}
}
