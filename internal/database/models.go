package database

import "time"

// Trade type values for Strategy.TradeType
const (
	TradeTypeLong  = "long"
	TradeTypeShort = "short"
	TradeTypeBoth  = "both"
)

// Position side values
const (
	SideLong  = "long"
	SideShort = "short"
)

// Position status values
const (
	PositionOpen      = "open"
	PositionClosed    = "closed"
	PositionCancelled = "cancelled"
)

// Bot owns strategies and the credentials used to trade them.
// ChatID is the Telegram recipient for this bot's order notifications.
type Bot struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	Venue               string    `json:"venue"`
	APIKey              string    `json:"-"`
	SecretKey           string    `json:"-"`
	IsReverseStrategy   bool      `json:"is_reverse_strategy"`
	MaxConcurrentTrades int       `json:"max_concurrent_trades"`
	Leverage            int       `json:"leverage"`
	MarginType          string    `json:"margin_type"`   // CROSSED or ISOLATED
	PositionMode        string    `json:"position_mode"` // ONE_WAY or HEDGE
	ChatID              string    `json:"chat_id"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Strategy is one user-configured OC trigger on a (venue, symbol, interval).
// TakeProfit and Stoploss are in tenth-of-percent units; Stoploss 0 means no
// stop-loss. Extend is the pullback ratio in percent of the open-to-current
// delta (0-100).
type Strategy struct {
	ID                int64     `json:"id"`
	BotID             int64     `json:"bot_id"`
	Venue             string    `json:"venue"`
	Symbol            string    `json:"symbol"`
	Interval          string    `json:"interval"`
	OCThreshold       float64   `json:"oc_threshold"`
	TradeType         string    `json:"trade_type"`
	IsReverseStrategy bool      `json:"is_reverse_strategy"`
	Extend            int       `json:"extend"`
	TakeProfit        int       `json:"take_profit"`
	Stoploss          int       `json:"stoploss"`
	Reduce            float64   `json:"reduce"`
	UpReduce          float64   `json:"up_reduce"`
	Amount            float64   `json:"amount"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Position records one entry with its paired TP/SL order ids.
type Position struct {
	ID              int64      `json:"id"`
	BotID           int64      `json:"bot_id"`
	StrategyID      int64      `json:"strategy_id"`
	Venue           string     `json:"venue"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	EntryPrice      float64    `json:"entry_price"`
	Amount          float64    `json:"amount"` // contracts
	TakeProfitPrice float64    `json:"take_profit_price"`
	StopLossPrice   *float64   `json:"stop_loss_price"` // nil when stoploss disabled
	EntryOrderID    string     `json:"entry_order_id"`
	TPOrderID       string     `json:"tp_order_id"`
	SLOrderID       string     `json:"sl_order_id"`
	Status          string     `json:"status"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at"`
	CloseReason     string     `json:"close_reason"`
	PnL             float64    `json:"pnl"`
}

// SymbolFilter holds venue precision constraints for one symbol.
type SymbolFilter struct {
	Venue       string    `json:"venue"`
	Symbol      string    `json:"symbol"`
	TickSize    float64   `json:"tick_size"`
	StepSize    float64   `json:"step_size"`
	MinNotional float64   `json:"min_notional"`
	MaxLeverage int       `json:"max_leverage"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PriceAlertConfig drives the out-of-band alert path.
type PriceAlertConfig struct {
	ID               int64     `json:"id"`
	Venue            string    `json:"venue"`
	Symbols          []string  `json:"symbols"`
	Intervals        []string  `json:"intervals"`
	ThresholdPercent float64   `json:"threshold_percent"`
	ChatID           string    `json:"chat_id"`
	IsActive         bool      `json:"is_active"`
	UpdatedAt        time.Time `json:"updated_at"`
}
