package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
)

const (
	binanceFuturesBaseURL = "https://fapi.binance.com"
	binanceTestnetBaseURL = "https://testnet.binancefuture.com"
)

// BinanceClient is a signed REST client for Binance USDT-M futures.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	limiter    *RateLimiter
	maxRetries int
	retryBase  time.Duration
	log        zerolog.Logger
}

// NewBinanceClient creates a Binance futures REST client.
func NewBinanceClient(cfg config.VenueConfig, log zerolog.Logger) *BinanceClient {
	baseURL := binanceFuturesBaseURL
	if cfg.TestNet {
		baseURL = binanceTestnetBaseURL
	}
	return &BinanceClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    baseURL,
		recvWindow: int64(cfg.RecvWindowMs),
		httpClient: &http.Client{Timeout: time.Duration(cfg.RestTimeoutSec) * time.Second},
		limiter:    NewRateLimiter(time.Duration(cfg.MinRequestGap)*time.Millisecond, log),
		maxRetries: 3,
		retryBase:  time.Second,
		log:        log.With().Str("venue", VenueBinance).Logger(),
	}
}

// Venue returns the venue identifier.
func (c *BinanceClient) Venue() string { return VenueBinance }

// Limiter exposes the rate limiter for the status endpoint.
func (c *BinanceClient) Limiter() *RateLimiter { return c.limiter }

// sign computes the HMAC-SHA256 signature of the query string.
func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest performs one HTTP request with rate limiting, signing and error
// decoding. Signed requests get timestamp, recvWindow and signature appended.
func (c *BinanceClient) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + c.sign(query)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if weight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); weight != "" {
		if w, perr := strconv.Atoi(weight); perr == nil {
			c.limiter.RecordWeight(w)
		}
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	if resp.StatusCode == 429 || resp.StatusCode == 418 {
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		c.limiter.RecordRateLimit(retryAfter)
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Code:       apiErr.Code,
		Message:    apiErr.Msg,
	}
}

// doWithRetry wraps doRequest with the retry loop for transient failures.
func (c *BinanceClient) doWithRetry(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateRetryDelay(attempt-1, c.retryBase)
			c.log.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("path", path).
				Msg("retrying request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doRequest(ctx, method, path, cloneValues(params), signed)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		for _, val := range vals {
			out.Add(k, val)
		}
	}
	return out
}

// ==================== ORDERS ====================

// PlaceOrder submits one futures order.
func (c *BinanceClient) PlaceOrder(ctx context.Context, p OrderParams) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", p.Symbol)
	params.Set("side", p.Side)
	params.Set("type", string(p.Type))
	if p.PositionSide != "" {
		params.Set("positionSide", p.PositionSide)
	}
	if p.Quantity > 0 {
		params.Set("quantity", strconv.FormatFloat(p.Quantity, 'f', -1, 64))
	}
	if p.Price > 0 {
		params.Set("price", strconv.FormatFloat(p.Price, 'f', -1, 64))
	}
	if p.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(p.StopPrice, 'f', -1, 64))
	}
	if p.TimeInForce != "" {
		params.Set("timeInForce", p.TimeInForce)
	}
	if p.ReduceOnly && p.PositionSide == PositionSideBoth {
		// reduceOnly is rejected in hedge mode, the position side carries it
		params.Set("reduceOnly", "true")
	}
	if p.ClientOrderID != "" {
		params.Set("newClientOrderId", p.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doWithRetry(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return &OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		AvgPrice:      avg,
	}, nil
}

// CancelOrder cancels one open order.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	_, err := c.doWithRetry(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// ==================== MARKET DATA ====================

// GetKlines retrieves recent candles for a symbol and interval.
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doWithRetry(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	// Binance returns klines as positional arrays of mixed types.
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, r := range raw {
		if len(r) < 7 {
			continue
		}
		k := Kline{IsFinal: true}
		if v, ok := r[0].(float64); ok {
			k.OpenTime = int64(v)
		}
		k.Open = parseFloatField(r[1])
		k.High = parseFloatField(r[2])
		k.Low = parseFloatField(r[3])
		k.Close = parseFloatField(r[4])
		k.Volume = parseFloatField(r[5])
		if v, ok := r[6].(float64); ok {
			k.CloseTime = int64(v)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseFloatField(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// GetSymbolInfos retrieves precision constraints for all trading symbols.
func (c *BinanceClient) GetSymbolInfos(ctx context.Context) ([]SymbolInfo, error) {
	body, err := c.doWithRetry(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	infos := make([]SymbolInfo, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		info := SymbolInfo{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				info.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			case "MIN_NOTIONAL":
				info.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetBalance retrieves the USDT futures wallet balance.
func (c *BinanceClient) GetBalance(ctx context.Context) (*AccountBalance, error) {
	body, err := c.doWithRetry(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return nil, err
	}

	var balances []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return nil, fmt.Errorf("failed to parse balances: %w", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			bal, _ := strconv.ParseFloat(b.Balance, 64)
			return &AccountBalance{Asset: b.Asset, Balance: bal}, nil
		}
	}
	return &AccountBalance{Asset: "USDT"}, nil
}
