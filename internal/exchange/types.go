// Package exchange holds the venue clients: signed REST access and the
// WebSocket market-data ingress for Binance USDT-M futures and Bybit v5
// linear perpetuals.
package exchange

import (
	"context"
	"fmt"
	"strconv"
)

// Venue identifiers
const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
)

// Order sides and position sides as sent on the wire
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
	PositionSideBoth  = "BOTH"
)

// OrderType is the venue order type
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTPMarket   OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForceGTC keeps limit orders resting until cancelled
const TimeInForceGTC = "GTC"

// Tick is a normalized price event from a venue stream.
type Tick struct {
	Venue     string
	Symbol    string
	Price     float64
	Timestamp int64 // event time, epoch ms
}

// Kline is one candle with strictly typed fields.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
	IsFinal   bool
}

// SymbolInfo carries the precision constraints reported by exchange info.
type SymbolInfo struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinNotional float64
	MaxLeverage int
}

// OrderParams describes one order submission.
type OrderParams struct {
	Symbol        string
	Side          string // BUY or SELL
	PositionSide  string // LONG, SHORT or BOTH
	Type          OrderType
	Quantity      float64
	Price         float64 // limit price, 0 for market
	StopPrice     float64 // trigger price for stop/TP orders
	TimeInForce   string
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the venue acknowledgement of a submitted order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string
	AvgPrice      float64 // average fill price, 0 until filled
}

// AccountBalance is the quote-currency balance of the futures wallet.
type AccountBalance struct {
	Asset   string
	Balance float64
}

// RestClient is the signed REST surface the core needs from a venue.
type RestClient interface {
	Venue() string
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetSymbolInfos(ctx context.Context) ([]SymbolInfo, error)
	GetBalance(ctx context.Context) (*AccountBalance, error)
}

// APIError is a venue REST error with the exchange error code preserved.
type APIError struct {
	StatusCode int
	Code       int // venue error code, e.g. -1111, -2019, -4061
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Venue error codes the order pipeline classifies on. Bybit codes are mapped
// onto the Binance-style values by the bybit client.
const (
	CodeInvalidPrecision     = -1111
	CodeInsufficientMargin   = -2019
	CodePositionModeMismatch = -4061
	CodeTooManyRequests      = -1003
)

// parseFloat converts a wire price string, returning 0 on malformed input.
func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
