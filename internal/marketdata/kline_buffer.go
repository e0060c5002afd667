// Package marketdata owns the candle buffers and the open-price resolution
// the detector depends on: a rolling per-stream kline window fed by the
// WebSocket clients, an LRU of resolved bucket opens with provenance, and an
// optional REST primer for cold buckets.
package marketdata

import (
	"sort"
	"sync"

	"ocbot/internal/exchange"
)

// klineWindowSize bounds the rolling window per (venue, symbol, interval).
const klineWindowSize = 10

// KlineBuffer holds the most recent candles per (venue, symbol, interval),
// including the in-progress one. Fed by the WebSocket kline streams.
type KlineBuffer struct {
	buffers sync.Map // "venue:symbol:interval" -> *klineWindow
}

type klineWindow struct {
	mu      sync.RWMutex
	candles []exchange.Kline // ascending by OpenTime
}

// NewKlineBuffer creates an empty buffer.
func NewKlineBuffer() *KlineBuffer {
	return &KlineBuffer{}
}

func bufferKey(venue, symbol, interval string) string {
	return venue + ":" + symbol + ":" + interval
}

// Update inserts or replaces the candle for its bucket. Safe to call from the
// WebSocket read loops.
func (kb *KlineBuffer) Update(venue, symbol, interval string, k exchange.Kline) {
	key := bufferKey(venue, symbol, interval)
	v, _ := kb.buffers.LoadOrStore(key, &klineWindow{})
	w := v.(*klineWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	idx := sort.Search(len(w.candles), func(i int) bool {
		return w.candles[i].OpenTime >= k.OpenTime
	})
	if idx < len(w.candles) && w.candles[idx].OpenTime == k.OpenTime {
		w.candles[idx] = k
		return
	}
	w.candles = append(w.candles, exchange.Kline{})
	copy(w.candles[idx+1:], w.candles[idx:])
	w.candles[idx] = k

	if len(w.candles) > klineWindowSize {
		w.candles = w.candles[len(w.candles)-klineWindowSize:]
	}
}

// GetKlineOpen returns the open of the candle starting exactly at bucketStart.
func (kb *KlineBuffer) GetKlineOpen(venue, symbol, interval string, bucketStart int64) (float64, bool) {
	k, ok := kb.lookup(venue, symbol, interval, bucketStart)
	if !ok || k.Open <= 0 {
		return 0, false
	}
	return k.Open, true
}

// GetKlineClose returns the close of the candle starting exactly at bucketStart.
func (kb *KlineBuffer) GetKlineClose(venue, symbol, interval string, bucketStart int64) (float64, bool) {
	k, ok := kb.lookup(venue, symbol, interval, bucketStart)
	if !ok || k.Close <= 0 {
		return 0, false
	}
	return k.Close, true
}

// GetLatestCandle returns the newest candle in the window.
func (kb *KlineBuffer) GetLatestCandle(venue, symbol, interval string) (exchange.Kline, bool) {
	v, ok := kb.buffers.Load(bufferKey(venue, symbol, interval))
	if !ok {
		return exchange.Kline{}, false
	}
	w := v.(*klineWindow)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.candles) == 0 {
		return exchange.Kline{}, false
	}
	return w.candles[len(w.candles)-1], true
}

func (kb *KlineBuffer) lookup(venue, symbol, interval string, bucketStart int64) (exchange.Kline, bool) {
	v, ok := kb.buffers.Load(bufferKey(venue, symbol, interval))
	if !ok {
		return exchange.Kline{}, false
	}
	w := v.(*klineWindow)
	w.mu.RLock()
	defer w.mu.RUnlock()

	idx := sort.Search(len(w.candles), func(i int) bool {
		return w.candles[i].OpenTime >= bucketStart
	})
	if idx < len(w.candles) && w.candles[idx].OpenTime == bucketStart {
		return w.candles[idx], true
	}
	return exchange.Kline{}, false
}

// Len returns the number of tracked streams.
func (kb *KlineBuffer) Len() int {
	n := 0
	kb.buffers.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
