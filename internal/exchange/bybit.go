package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ocbot/config"
)

const (
	bybitBaseURL        = "https://api.bybit.com"
	bybitTestnetBaseURL = "https://api-testnet.bybit.com"

	bybitCategoryLinear = "linear"
)

// Bybit v5 return codes mapped onto the shared classification codes.
var bybitCodeMap = map[int]int{
	10001:  CodeInvalidPrecision,     // parameter error, qty/price precision
	10006:  CodeTooManyRequests,      // too many visits
	110007: CodeInsufficientMargin,   // insufficient available balance
	110017: CodePositionModeMismatch, // position idx not match position mode
	170131: CodeInsufficientMargin,
}

// BybitClient is a signed REST client for Bybit v5 linear perpetuals.
type BybitClient struct {
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

// NewBybitClient creates a Bybit linear REST client.
func NewBybitClient(cfg config.VenueConfig, log zerolog.Logger) *BybitClient {
	baseURL := bybitBaseURL
	if cfg.TestNet {
		baseURL = bybitTestnetBaseURL
	}
	return &BybitClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    baseURL,
		recvWindow: int64(cfg.RecvWindowMs),
		httpClient: &http.Client{Timeout: time.Duration(cfg.RestTimeoutSec) * time.Second},
		limiter:    NewRateLimiter(time.Duration(cfg.MinRequestGap)*time.Millisecond, log),
		maxRetries: 3,
		retryBase:  time.Second,
		log:        log.With().Str("venue", VenueBybit).Logger(),
	}
}

// Venue returns the venue identifier.
func (c *BybitClient) Venue() string { return VenueBybit }

// Limiter exposes the rate limiter for the status endpoint.
func (c *BybitClient) Limiter() *RateLimiter { return c.limiter }

// sign computes the v5 signature over timestamp + apiKey + recvWindow + payload.
func (c *BybitClient) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + strconv.FormatInt(c.recvWindow, 10) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// doRequest performs one HTTP request. GET payload is the raw query string,
// POST payload is the JSON body. Signed requests carry the X-BAPI headers.
func (c *BybitClient) doRequest(ctx context.Context, method, path, query string, body []byte, signed bool) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		payload := query
		if body != nil {
			payload = string(body)
		}
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(c.recvWindow, 10))
		req.Header.Set("X-BAPI-SIGN-TYPE", "2")
		req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == 429 {
			retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			c.limiter.RecordRateLimit(retryAfter)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if env.RetCode != 0 {
		code, ok := bybitCodeMap[env.RetCode]
		if !ok {
			code = env.RetCode
		}
		if code == CodeTooManyRequests {
			c.limiter.RecordRateLimit(0)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Code: code, Message: env.RetMsg}
	}
	return env.Result, nil
}

func (c *BybitClient) doWithRetry(ctx context.Context, method, path, query string, body []byte, signed bool) (json.RawMessage, error) {
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

		result, err := c.doRequest(ctx, method, path, query, body, signed)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

// ==================== ORDERS ====================

// positionIdx maps the shared position side onto Bybit's index convention:
// 0 one-way, 1 hedge buy side, 2 hedge sell side.
func positionIdx(positionSide string) int {
	switch positionSide {
	case PositionSideLong:
		return 1
	case PositionSideShort:
		return 2
	default:
		return 0
	}
}

// PlaceOrder submits one linear perpetual order. Stop and take-profit market
// orders become conditional market orders with a trigger price.
func (c *BybitClient) PlaceOrder(ctx context.Context, p OrderParams) (*OrderAck, error) {
	side := "Buy"
	if p.Side == OrderSideSell {
		side = "Sell"
	}

	body := map[string]interface{}{
		"category":    bybitCategoryLinear,
		"symbol":      p.Symbol,
		"side":        side,
		"qty":         strconv.FormatFloat(p.Quantity, 'f', -1, 64),
		"positionIdx": positionIdx(p.PositionSide),
	}

	switch p.Type {
	case OrderTypeLimit:
		body["orderType"] = "Limit"
		body["price"] = strconv.FormatFloat(p.Price, 'f', -1, 64)
		body["timeInForce"] = "GTC"
	case OrderTypeStopMarket, OrderTypeTPMarket:
		body["orderType"] = "Market"
		body["triggerPrice"] = strconv.FormatFloat(p.StopPrice, 'f', -1, 64)
		body["triggerDirection"] = triggerDirection(p.Type, side)
		body["reduceOnly"] = true
	default:
		body["orderType"] = "Market"
	}
	if p.ReduceOnly {
		body["reduceOnly"] = true
	}
	if p.ClientOrderID != "" {
		body["orderLinkId"] = p.ClientOrderID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	result, err := c.doWithRetry(ctx, http.MethodPost, "/v5/order/create", "", payload, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return &OrderAck{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.OrderLinkID,
		Status:        "NEW",
	}, nil
}

// triggerDirection returns 1 (triggers when price rises to triggerPrice) or
// 2 (falls to triggerPrice). A take-profit for a long exits with a Sell above
// the market, its stop-loss with a Sell below, and mirrored for shorts.
func triggerDirection(orderType OrderType, side string) int {
	if orderType == OrderTypeTPMarket {
		if side == "Sell" {
			return 1
		}
		return 2
	}
	if side == "Sell" {
		return 2
	}
	return 1
}

// CancelOrder cancels one open order.
func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload, err := json.Marshal(map[string]string{
		"category": bybitCategoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cancel: %w", err)
	}
	_, err = c.doWithRetry(ctx, http.MethodPost, "/v5/order/cancel", "", payload, true)
	return err
}

// ==================== MARKET DATA ====================

// bybitInterval converts the shared interval notation to Bybit's.
func bybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return strings.TrimSuffix(interval, "m")
	}
}

// GetKlines retrieves recent candles. Bybit returns newest first, so the
// result is reversed to oldest-first to match the shared convention.
func (c *BybitClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	query := fmt.Sprintf("category=%s&symbol=%s&interval=%s&limit=%d",
		bybitCategoryLinear, symbol, bybitInterval(interval), limit)

	result, err := c.doWithRetry(ctx, http.MethodGet, "/v5/market/kline", query, nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	klines := make([]Kline, 0, len(resp.List))
	for i := len(resp.List) - 1; i >= 0; i-- {
		r := resp.List[i]
		if len(r) < 6 {
			continue
		}
		openTime, _ := strconv.ParseInt(r[0], 10, 64)
		k := Kline{OpenTime: openTime, IsFinal: true}
		k.Open, _ = strconv.ParseFloat(r[1], 64)
		k.High, _ = strconv.ParseFloat(r[2], 64)
		k.Low, _ = strconv.ParseFloat(r[3], 64)
		k.Close, _ = strconv.ParseFloat(r[4], 64)
		k.Volume, _ = strconv.ParseFloat(r[5], 64)
		klines = append(klines, k)
	}
	return klines, nil
}

// GetSymbolInfos retrieves precision constraints for all linear symbols.
func (c *BybitClient) GetSymbolInfos(ctx context.Context) ([]SymbolInfo, error) {
	query := "category=" + bybitCategoryLinear + "&limit=1000"
	result, err := c.doWithRetry(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Status      string `json:"status"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse instruments info: %w", err)
	}

	infos := make([]SymbolInfo, 0, len(resp.List))
	for _, s := range resp.List {
		if s.Status != "Trading" {
			continue
		}
		info := SymbolInfo{Symbol: s.Symbol}
		info.TickSize, _ = strconv.ParseFloat(s.PriceFilter.TickSize, 64)
		info.StepSize, _ = strconv.ParseFloat(s.LotSizeFilter.QtyStep, 64)
		info.MinNotional, _ = strconv.ParseFloat(s.LotSizeFilter.MinNotionalValue, 64)
		maxLev, _ := strconv.ParseFloat(s.LeverageFilter.MaxLeverage, 64)
		info.MaxLeverage = int(maxLev)
		infos = append(infos, info)
	}
	return infos, nil
}

// GetBalance retrieves the USDT balance of the unified account.
func (c *BybitClient) GetBalance(ctx context.Context) (*AccountBalance, error) {
	query := "accountType=UNIFIED&coin=USDT"
	result, err := c.doWithRetry(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse wallet balance: %w", err)
	}
	for _, acct := range resp.List {
		for _, coin := range acct.Coin {
			if coin.Coin == "USDT" {
				bal, _ := strconv.ParseFloat(coin.WalletBalance, 64)
				return &AccountBalance{Asset: "USDT", Balance: bal}, nil
			}
		}
	}
	return &AccountBalance{Asset: "USDT"}, nil
}
