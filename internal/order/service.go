package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/cache"
	"ocbot/internal/database"
	"ocbot/internal/detector"
	"ocbot/internal/exchange"
)

type positionStore interface {
	InsertPosition(ctx context.Context, p *database.Position) error
	CountOpenPositionsByBot(ctx context.Context, botID int64) (int, error)
}

// Notifier delivers order outcomes to the bot owner and the monitor chat.
// Implementations must not block.
type Notifier interface {
	NotifyOrder(chatID, text string)
	NotifyMonitor(text string)
}

// Service executes signals for one bot: admission, pricing, entry with paired
// TP/SL, position record and failure classification. One Service per bot;
// matches for different bots run in parallel.
type Service struct {
	bot     database.Bot
	client  exchange.RestClient
	filters *cache.FilterCache
	guard   *cache.PositionGuard
	store   positionStore
	cfg     config.OrderConfig
	notify  Notifier
	anchors *Anchors
	log     zerolog.Logger
}

// NewService creates the order service for one bot. notify may be nil.
func NewService(bot database.Bot, client exchange.RestClient, filters *cache.FilterCache, guard *cache.PositionGuard, store positionStore, cfg config.OrderConfig, notify Notifier, log zerolog.Logger) *Service {
	return &Service{
		bot:     bot,
		client:  client,
		filters: filters,
		guard:   guard,
		store:   store,
		cfg:     cfg,
		notify:  notify,
		anchors: NewAnchors(),
		log: log.With().
			Str("component", "order_service").
			Int64("bot_id", bot.ID).
			Logger(),
	}
}

// HandleMatch runs one signal end to end. All failures are handled here;
// the caller never sees an error.
func (s *Service) HandleMatch(ctx context.Context, match detector.MatchResult) {
	strat := match.Strategy
	l := s.log.With().
		Int64("strategy_id", strat.ID).
		Str("symbol", strat.Symbol).
		Float64("oc", match.OCPercent).
		Logger()

	side, ok := detector.SelectSide(match.Direction, strat.TradeType, strat.IsReverseStrategy)
	if !ok {
		l.Info().
			Str("direction", match.Direction).
			Str("trade_type", strat.TradeType).
			Bool("is_reverse", strat.IsReverseStrategy).
			Msg("side selection skip")
		return
	}

	if err := s.admit(ctx, strat); err != nil {
		l.Info().Str("reason", err.Error()).Msg("admission skip")
		return
	}

	filter, ok := s.filters.Get(strat.Venue, detector.NormalizeSymbol(strat.Symbol))
	if !ok {
		l.Warn().Msg("symbol filter missing, symbol not tradable")
		s.guard.SetCooldown(ctx, strat.ID)
		return
	}

	quote, err := BuildQuote(match, side, filter, s.anchors, s.cfg.MaxDiffRatio, s.cfg.PassiveLimitOnExtendMiss)
	if err != nil {
		class := Classify(err)
		if class == ClassBusiness {
			l.Info().Str("reason", err.Error()).Msg("pricing skip")
			return
		}
		l.Warn().Err(err).Msg("pricing failed")
		s.guard.SetCooldown(ctx, strat.ID)
		return
	}

	if err := s.execute(ctx, match, quote, filter); err != nil {
		class := Classify(err)
		l.Warn().
			Err(err).
			Str("class", class.String()).
			Msg("order execution failed")
		s.guard.SetCooldown(ctx, strat.ID)
		if class == ClassFatal && s.notify != nil && s.bot.ChatID != "" {
			s.notify.NotifyOrder(s.bot.ChatID, fmt.Sprintf(
				"⚠️ %s order failed for %s %s: %v",
				s.bot.Name, strat.Symbol, strings.ToUpper(side), err))
		}
		return
	}
}

// admit applies the cheap pre-trade checks: open-position guard, failure
// cooldown and the bot's concurrent-trade cap.
func (s *Service) admit(ctx context.Context, strat database.Strategy) error {
	if s.guard.HasOpenPosition(ctx, strat.ID) {
		return ErrPositionOpen
	}
	if s.guard.InCooldown(ctx, strat.ID) {
		return ErrInCooldown
	}
	count, err := s.store.CountOpenPositionsByBot(ctx, s.bot.ID)
	if err != nil {
		return fmt.Errorf("failed to count open positions: %w", err)
	}
	if count >= s.bot.MaxConcurrentTrades {
		return ErrMaxConcurrent
	}
	return nil
}

// execute places the entry, pairs TP/SL and records the position. The entry
// to TP to SL order is fixed, with the configured delay before the SL.
func (s *Service) execute(ctx context.Context, match detector.MatchResult, quote *Quote, filter database.SymbolFilter) error {
	strat := match.Strategy
	symbol := detector.NormalizeSymbol(strat.Symbol)
	positionSide := s.positionSide(quote.Side)

	entryParams := exchange.OrderParams{
		Symbol:        symbol,
		Side:          entrySide(quote.Side),
		PositionSide:  positionSide,
		Type:          quote.OrderType,
		Quantity:      quote.Quantity,
		ClientOrderID: "oc-" + uuid.NewString()[:18],
	}
	if quote.OrderType == exchange.OrderTypeLimit {
		entryParams.Price = quote.Entry
		entryParams.TimeInForce = exchange.TimeInForceGTC
	}

	entryAck, err := s.placeWithRetry(ctx, entryParams, filter)
	if err != nil {
		return fmt.Errorf("entry order: %w", err)
	}

	// Fill-price discovery: market entries report an average price, limit
	// entries rest at the computed price.
	fillPrice := quote.Entry
	if quote.OrderType == exchange.OrderTypeMarket && entryAck.AvgPrice > 0 {
		fillPrice = entryAck.AvgPrice
	}

	s.guard.MarkOpen(ctx, strat.ID)

	closeSide := exitSide(quote.Side)
	tpParams := exchange.OrderParams{
		Symbol:       symbol,
		Side:         closeSide,
		PositionSide: positionSide,
		Type:         exchange.OrderTypeTPMarket,
		Quantity:     quote.Quantity,
		StopPrice:    quote.TakeProfit,
		ReduceOnly:   true,
	}
	tpAck, tpErr := s.placeWithRetry(ctx, tpParams, filter)

	var slAck *exchange.OrderAck
	var slErr error
	if quote.StopLoss != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.TPSLDelay()):
		}
		slParams := exchange.OrderParams{
			Symbol:       symbol,
			Side:         closeSide,
			PositionSide: positionSide,
			Type:         exchange.OrderTypeStopMarket,
			Quantity:     quote.Quantity,
			StopPrice:    *quote.StopLoss,
			ReduceOnly:   true,
		}
		slAck, slErr = s.placeWithRetry(ctx, slParams, filter)
	}

	position := &database.Position{
		BotID:           s.bot.ID,
		StrategyID:      strat.ID,
		Venue:           strat.Venue,
		Symbol:          symbol,
		Side:            quote.Side,
		EntryPrice:      fillPrice,
		Amount:          quote.Quantity,
		TakeProfitPrice: quote.TakeProfit,
		StopLossPrice:   quote.StopLoss,
		EntryOrderID:    entryAck.OrderID,
		Status:          database.PositionOpen,
		OpenedAt:        time.Now(),
	}
	if tpAck != nil {
		position.TPOrderID = tpAck.OrderID
	}
	if slAck != nil {
		position.SLOrderID = slAck.OrderID
	}
	if err := s.store.InsertPosition(ctx, position); err != nil {
		// The one-open-per-strategy unique index fires here on a race.
		return fmt.Errorf("position record: %w", err)
	}

	s.log.Info().
		Int64("strategy_id", strat.ID).
		Str("symbol", symbol).
		Str("side", quote.Side).
		Str("type", string(quote.OrderType)).
		Float64("entry", fillPrice).
		Float64("tp", quote.TakeProfit).
		Float64("qty", quote.Quantity).
		Str("open_source", match.OpenSource).
		Bool("passive_limit", quote.PassiveLimit).
		Msg("position opened")

	if s.notify != nil && s.bot.ChatID != "" {
		s.notify.NotifyOrder(s.bot.ChatID, formatOrderMessage(s.bot.Name, match, quote, fillPrice))
	}

	// A failed exit leg leaves the position unprotected; surface it rather
	// than unwinding the entry.
	if tpErr != nil {
		return fmt.Errorf("take profit order: %w", tpErr)
	}
	if slErr != nil {
		return fmt.Errorf("stop loss order: %w", slErr)
	}
	return nil
}

// placeWithRetry submits an order, retrying transient and rate-limited
// failures with exponential backoff. A precision rejection is re-rounded and
// retried once before turning fatal.
func (s *Service) placeWithRetry(ctx context.Context, params exchange.OrderParams, filter database.SymbolFilter) (*exchange.OrderAck, error) {
	attempt := func() (*exchange.OrderAck, error) {
		ack, err := s.client.PlaceOrder(ctx, params)
		if err != nil {
			if Retryable(Classify(err)) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return ack, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.cfg.RetryBaseMs) * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	ack, err := backoff.RetryWithData(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetries)), ctx))
	if err == nil {
		return ack, nil
	}
	if Classify(err) != ClassPrecision {
		return nil, err
	}

	// Re-round and retry once.
	params.Price = RoundToTick(params.Price, filter.TickSize)
	params.StopPrice = RoundToTick(params.StopPrice, filter.TickSize)
	params.Quantity = FloorToStep(params.Quantity, filter.StepSize)
	s.log.Warn().
		Str("symbol", params.Symbol).
		Msg("precision rejection, re-rounding and retrying once")
	return s.client.PlaceOrder(ctx, params)
}

// positionSide maps the internal side to the venue convention for the bot's
// position mode: hedge mode addresses LONG/SHORT, one-way always BOTH.
func (s *Service) positionSide(side string) string {
	if s.bot.PositionMode != "HEDGE" {
		return exchange.PositionSideBoth
	}
	if side == database.SideLong {
		return exchange.PositionSideLong
	}
	return exchange.PositionSideShort
}

func entrySide(side string) string {
	if side == database.SideLong {
		return exchange.OrderSideBuy
	}
	return exchange.OrderSideSell
}

func exitSide(side string) string {
	if side == database.SideLong {
		return exchange.OrderSideSell
	}
	return exchange.OrderSideBuy
}

func formatOrderMessage(botName string, match detector.MatchResult, quote *Quote, fillPrice float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 %s\n", botName)
	fmt.Fprintf(&b, "%s %s %s\n", strings.ToUpper(quote.Side), match.Strategy.Symbol, quote.OrderType)
	fmt.Fprintf(&b, "OC: %.2f%% (%s)\n", match.OCPercent, match.Interval)
	fmt.Fprintf(&b, "Entry: %.8g  Qty: %.8g\n", fillPrice, quote.Quantity)
	fmt.Fprintf(&b, "TP: %.8g", quote.TakeProfit)
	if quote.StopLoss != nil {
		fmt.Fprintf(&b, "  SL: %.8g", *quote.StopLoss)
	}
	return b.String()
}

// Router fans matches out to the order service owning the strategy's bot.
type Router struct {
	services map[int64]*Service
	log      zerolog.Logger
}

// NewRouter creates a router over per-bot services keyed by bot id.
func NewRouter(services map[int64]*Service, log zerolog.Logger) *Router {
	return &Router{
		services: services,
		log:      log.With().Str("component", "order_router").Logger(),
	}
}

// Dispatch routes one match to its bot's service.
func (r *Router) Dispatch(ctx context.Context, match detector.MatchResult) {
	svc, ok := r.services[match.Strategy.BotID]
	if !ok {
		r.log.Warn().
			Int64("bot_id", match.Strategy.BotID).
			Int64("strategy_id", match.Strategy.ID).
			Msg("no order service for bot")
		return
	}
	svc.HandleMatch(ctx, match)
}
