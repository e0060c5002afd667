package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	bybitWSBaseURL        = "wss://stream.bybit.com/v5/public/linear"
	bybitTestnetWSBaseURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	bybitPingInterval = 20 * time.Second
)

// BybitWS maintains the public linear stream for tickers and klines. The v5
// stream requires application-level pings every 20s or the server drops the
// connection.
type BybitWS struct {
	baseURL string
	onTick  TickHandler
	onKline KlineHandler
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}

	reconnectCh chan struct{}
	connected   atomic.Bool
	msgCount    atomic.Int64
	lastMsgAt   atomic.Int64
}

// NewBybitWS creates the Bybit linear stream client.
func NewBybitWS(testnet bool, onTick TickHandler, onKline KlineHandler, log zerolog.Logger) *BybitWS {
	baseURL := bybitWSBaseURL
	if testnet {
		baseURL = bybitTestnetWSBaseURL
	}
	return &BybitWS{
		baseURL:     baseURL,
		onTick:      onTick,
		onKline:     onKline,
		log:         log.With().Str("venue", VenueBybit).Str("component", "ws").Logger(),
		topics:      make(map[string]struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
}

// SubscribeTicks registers ticker topics for the given symbols.
func (w *BybitWS) SubscribeTicks(symbols []string) {
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, "tickers."+s)
	}
	w.subscribe(topics)
}

// SubscribeKlines registers kline topics for the given symbol/interval pairs.
func (w *BybitWS) SubscribeKlines(symbols []string, intervals []string) {
	var topics []string
	for _, s := range symbols {
		for _, iv := range intervals {
			topics = append(topics, fmt.Sprintf("kline.%s.%s", bybitInterval(iv), s))
		}
	}
	w.subscribe(topics)
}

func (w *BybitWS) subscribe(topics []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []string
	for _, t := range topics {
		if _, ok := w.topics[t]; !ok {
			w.topics[t] = struct{}{}
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 || w.conn == nil {
		return
	}
	if err := w.sendSubscribeLocked(fresh); err != nil {
		w.log.Warn().Err(err).Msg("live subscribe failed, forcing reconnect")
		select {
		case w.reconnectCh <- struct{}{}:
		default:
		}
	}
}

func (w *BybitWS) sendSubscribeLocked(topics []string) error {
	const chunkSize = 10
	for i := 0; i < len(topics); i += chunkSize {
		end := i + chunkSize
		if end > len(topics) {
			end = len(topics)
		}
		msg := map[string]interface{}{
			"op":   "subscribe",
			"args": topics[i:end],
		}
		if err := w.conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// Run connects and processes messages until ctx is cancelled.
func (w *BybitWS) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := w.connect(ctx); err != nil {
			w.log.Error().Err(err).Dur("backoff", backoff).Msg("connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		w.readLoop(ctx)
		w.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		w.log.Warn().Msg("connection lost, reconnecting")
	}
}

func (w *BybitWS) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.baseURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	topics := make([]string, 0, len(w.topics))
	for t := range w.topics {
		topics = append(topics, t)
	}
	err = w.sendSubscribeLocked(topics)
	w.mu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("resubscribe failed: %w", err)
	}

	w.connected.Store(true)
	w.log.Info().Int("topics", len(topics)).Msg("connected")
	return nil
}

func (w *BybitWS) readLoop(ctx context.Context) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(bybitPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-w.reconnectCh:
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				w.mu.Lock()
				err := conn.WriteJSON(map[string]string{"op": "ping"})
				w.mu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(3 * bybitPingInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		w.msgCount.Add(1)
		w.lastMsgAt.Store(time.Now().UnixMilli())
		w.handleMessage(data)
	}
}

type bybitStreamMsg struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

type bybitKline struct {
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Confirm   bool   `json:"confirm"`
	Timestamp int64  `json:"timestamp"`
}

func (w *BybitWS) handleMessage(data []byte) {
	var msg bybitStreamMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
		return
	}

	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		var t bybitTicker
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return
		}
		// Delta frames omit lastPrice when it did not change.
		price := parseFloat(t.LastPrice)
		if price <= 0 || w.onTick == nil {
			return
		}
		w.onTick(Tick{
			Venue:     VenueBybit,
			Symbol:    t.Symbol,
			Price:     price,
			Timestamp: msg.TS,
		})

	case strings.HasPrefix(msg.Topic, "kline."):
		// Topic form: kline.{interval}.{symbol}
		parts := strings.SplitN(msg.Topic, ".", 3)
		if len(parts) != 3 || w.onKline == nil {
			return
		}
		interval := sharedInterval(parts[1])
		symbol := parts[2]

		var klines []bybitKline
		if err := json.Unmarshal(msg.Data, &klines); err != nil {
			return
		}
		for _, k := range klines {
			w.onKline(VenueBybit, symbol, interval, Kline{
				OpenTime:  k.Start,
				CloseTime: k.End,
				Open:      parseFloat(k.Open),
				High:      parseFloat(k.High),
				Low:       parseFloat(k.Low),
				Close:     parseFloat(k.Close),
				Volume:    parseFloat(k.Volume),
				IsFinal:   k.Confirm,
			})
		}
	}
}

// sharedInterval converts Bybit's interval notation back to the shared one.
func sharedInterval(bybit string) string {
	switch bybit {
	case "1", "3", "5", "15", "30":
		return bybit + "m"
	case "60":
		return "1h"
	case "120":
		return "2h"
	case "240":
		return "4h"
	case "D":
		return "1d"
	default:
		return bybit + "m"
	}
}

// GetStats returns connection state for the status endpoint.
func (w *BybitWS) GetStats() map[string]interface{} {
	w.mu.Lock()
	topics := len(w.topics)
	w.mu.Unlock()
	return map[string]interface{}{
		"connected":   w.connected.Load(),
		"topics":      topics,
		"messages":    w.msgCount.Load(),
		"last_msg_at": w.lastMsgAt.Load(),
	}
}
