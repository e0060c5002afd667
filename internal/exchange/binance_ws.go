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
	binanceWSBaseURL        = "wss://fstream.binance.com/stream"
	binanceTestnetWSBaseURL = "wss://stream.binancefuture.com/stream"
)

// TickHandler receives normalized price events from a venue stream.
type TickHandler func(Tick)

// KlineHandler receives candle updates keyed by venue, symbol and interval.
type KlineHandler func(venue, symbol, interval string, k Kline)

// BinanceWS maintains the combined-stream connection for aggTrade and kline
// streams. Lost connections reconnect with backoff and resubscribe everything.
type BinanceWS struct {
	baseURL string
	onTick  TickHandler
	onKline KlineHandler
	log     zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	streams map[string]struct{}
	msgID   int64

	reconnectCh chan struct{}
	connected   atomic.Bool
	msgCount    atomic.Int64
	lastMsgAt   atomic.Int64
}

// NewBinanceWS creates the Binance futures stream client.
func NewBinanceWS(testnet bool, onTick TickHandler, onKline KlineHandler, log zerolog.Logger) *BinanceWS {
	baseURL := binanceWSBaseURL
	if testnet {
		baseURL = binanceTestnetWSBaseURL
	}
	return &BinanceWS{
		baseURL:     baseURL,
		onTick:      onTick,
		onKline:     onKline,
		log:         log.With().Str("venue", VenueBinance).Str("component", "ws").Logger(),
		streams:     make(map[string]struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
}

// SubscribeTicks registers aggTrade streams for the given symbols.
func (w *BinanceWS) SubscribeTicks(symbols []string) {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@aggTrade")
	}
	w.subscribe(streams)
}

// SubscribeKlines registers kline streams for the given symbol/interval pairs.
func (w *BinanceWS) SubscribeKlines(symbols []string, intervals []string) {
	var streams []string
	for _, s := range symbols {
		for _, iv := range intervals {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), iv))
		}
	}
	w.subscribe(streams)
}

func (w *BinanceWS) subscribe(streams []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []string
	for _, s := range streams {
		if _, ok := w.streams[s]; !ok {
			w.streams[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 || w.conn == nil {
		return
	}
	if err := w.sendSubscribeLocked(fresh); err != nil {
		w.log.Warn().Err(err).Msg("live subscribe failed, forcing reconnect")
		w.requestReconnect()
	}
}

func (w *BinanceWS) sendSubscribeLocked(streams []string) error {
	// Binance caps subscribe frames, send in chunks.
	const chunkSize = 100
	for i := 0; i < len(streams); i += chunkSize {
		end := i + chunkSize
		if end > len(streams) {
			end = len(streams)
		}
		w.msgID++
		msg := map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": streams[i:end],
			"id":     w.msgID,
		}
		if err := w.conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *BinanceWS) requestReconnect() {
	select {
	case w.reconnectCh <- struct{}{}:
	default:
	}
}

// Run connects and processes messages until ctx is cancelled. Reconnects with
// exponential backoff capped at 30s.
func (w *BinanceWS) Run(ctx context.Context) {
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

func (w *BinanceWS) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.baseURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	w.mu.Lock()
	w.conn = conn
	streams := make([]string, 0, len(w.streams))
	for s := range w.streams {
		streams = append(streams, s)
	}
	err = w.sendSubscribeLocked(streams)
	w.mu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("resubscribe failed: %w", err)
	}

	w.connected.Store(true)
	w.log.Info().Int("streams", len(streams)).Msg("connected")
	return nil
}

type binanceStreamMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceAggTrade struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

type binanceKlineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsFinal   bool   `json:"x"`
	} `json:"k"`
}

func (w *BinanceWS) readLoop(ctx context.Context) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	defer conn.Close()

	// done releases the watcher when the read loop exits on its own, so a
	// stale watcher never consumes a reconnect signal meant for the next
	// connection.
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-w.reconnectCh:
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Minute))
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

func (w *BinanceWS) handleMessage(data []byte) {
	var msg binanceStreamMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Stream == "" {
		return
	}

	switch {
	case strings.Contains(msg.Stream, "@aggTrade"):
		var t binanceAggTrade
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return
		}
		price := parseFloat(t.Price)
		if price <= 0 || w.onTick == nil {
			return
		}
		w.onTick(Tick{
			Venue:     VenueBinance,
			Symbol:    t.Symbol,
			Price:     price,
			Timestamp: t.TradeTime,
		})

	case strings.Contains(msg.Stream, "@kline_"):
		var e binanceKlineEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		if w.onKline == nil {
			return
		}
		w.onKline(VenueBinance, e.Symbol, e.Kline.Interval, Kline{
			OpenTime:  e.Kline.OpenTime,
			CloseTime: e.Kline.CloseTime,
			Open:      parseFloat(e.Kline.Open),
			High:      parseFloat(e.Kline.High),
			Low:       parseFloat(e.Kline.Low),
			Close:     parseFloat(e.Kline.Close),
			Volume:    parseFloat(e.Kline.Volume),
			IsFinal:   e.Kline.IsFinal,
		})
	}
}

// GetStats returns connection state for the status endpoint.
func (w *BinanceWS) GetStats() map[string]interface{} {
	w.mu.Lock()
	streams := len(w.streams)
	w.mu.Unlock()
	return map[string]interface{}{
		"connected":   w.connected.Load(),
		"streams":     streams,
		"messages":    w.msgCount.Load(),
		"last_msg_at": w.lastMsgAt.Load(),
	}
}
