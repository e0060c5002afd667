package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"ocbot/config"
	"ocbot/internal/api"
	"ocbot/internal/cache"
	"ocbot/internal/consumer"
	"ocbot/internal/database"
	"ocbot/internal/detector"
	"ocbot/internal/exchange"
	"ocbot/internal/logging"
	"ocbot/internal/marketdata"
	"ocbot/internal/order"
	"ocbot/internal/telegram"
)

const shutdownDrainTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LoggingConfig)
	log.Info().Msg("starting oc engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("engine failed")
	}
	log.Info().Msg("engine stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	// ==================== STORE ====================

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	redisClient := cache.NewRedisClient(ctx, cfg.RedisConfig, log)
	if redisClient != nil {
		defer redisClient.Close()
	}
	guard := cache.NewPositionGuard(redisClient, cfg.OrderConfig, log)

	// ==================== VENUE CLIENTS ====================

	// Shared unauthenticated clients for exchange info and kline fallback.
	var publicClients []exchange.RestClient
	if cfg.BinanceConfig.Enabled {
		publicClients = append(publicClients, exchange.NewBinanceClient(cfg.BinanceConfig, log))
	}
	if cfg.BybitConfig.Enabled {
		publicClients = append(publicClients, exchange.NewBybitClient(cfg.BybitConfig, log))
	}
	if len(publicClients) == 0 {
		return fmt.Errorf("no venue enabled")
	}

	// ==================== CACHES ====================

	filterCache := cache.NewFilterCache()
	filterRefresher := cache.NewFilterRefresher(db, publicClients, filterCache, cfg.CacheConfig, log)
	if err := filterRefresher.Seed(ctx); err != nil {
		return fmt.Errorf("filter seed: %w", err)
	}

	strategyCache := cache.NewStrategyCache(db, cfg.CacheConfig, log)
	if err := strategyCache.Refresh(ctx); err != nil {
		return fmt.Errorf("strategy cache: %w", err)
	}

	// ==================== MARKET DATA ====================

	klines := marketdata.NewKlineBuffer()
	opens := marketdata.NewOpenPriceCache(cfg.OpenPriceConfig, log)
	var restFallback *marketdata.RestFallback
	if cfg.OpenPriceConfig.RestFallbackEnabled {
		restFallback = marketdata.NewRestFallback(publicClients, klines, opens, cfg.OpenPriceConfig, log)
	}
	resolver := marketdata.NewResolver(klines, opens, restFallback, cfg.OpenPriceConfig, log)

	// ==================== DETECTION ====================

	det := detector.New(strategyCache, resolver, cfg.DetectorConfig.NoiseThresholdPercent, log)
	alerts := detector.NewAlertManager(db, resolver, cfg.AlertConfig, log)
	if err := alerts.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial alert refresh failed")
	}

	// ==================== NOTIFICATIONS ====================

	dispatcher := telegram.NewDispatcher(cfg.TelegramConfig, log)
	dispatcher.Start(ctx)

	// ==================== ORDER SERVICES ====================

	bots, err := db.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("list bots: %w", err)
	}
	services := make(map[int64]*order.Service, len(bots))
	for _, bot := range bots {
		client, err := tradingClient(bot, cfg, log)
		if err != nil {
			log.Error().Err(err).Int64("bot_id", bot.ID).Msg("skipping bot")
			continue
		}
		services[bot.ID] = order.NewService(bot, client, filterCache, guard, db, cfg.OrderConfig, dispatcher, log)
	}
	log.Info().Int("bots", len(services)).Msg("order services ready")
	router := order.NewRouter(services, log)

	// ==================== HOT LOOP ====================

	onAlert := func(a detector.Alert) {
		dispatcher.Enqueue(telegram.AlertPurpose(a.Venue), a.ChatID, formatAlert(a))
	}
	cons := consumer.New(cfg.ConsumerConfig, det, alerts, router.Dispatch, onAlert, log)

	var binanceWS *exchange.BinanceWS
	var bybitWS *exchange.BybitWS
	if cfg.BinanceConfig.Enabled {
		binanceWS = exchange.NewBinanceWS(cfg.BinanceConfig.TestNet, cons.Push, klines.Update, log)
	}
	if cfg.BybitConfig.Enabled {
		bybitWS = exchange.NewBybitWS(cfg.BybitConfig.TestNet, cons.Push, klines.Update, log)
	}
	syncSubscriptions(binanceWS, bybitWS, strategyCache, alerts)

	// ==================== STATUS SERVER ====================

	server := api.NewServer(cfg.ServerConfig, log)
	server.RegisterHealth("database", db.HealthCheck)
	server.RegisterStats("consumer", cons.GetStats)
	server.RegisterStats("detector", det.GetStats)
	server.RegisterStats("alerts", alerts.GetStats)
	server.RegisterStats("strategy_cache", strategyCache.GetStats)
	server.RegisterStats("filter_cache", filterCache.GetStats)
	server.RegisterStats("filter_refresh", filterRefresher.GetStats)
	server.RegisterStats("open_price_cache", opens.GetStats)
	server.RegisterStats("position_guard", guard.GetStats)
	server.RegisterStats("telegram", dispatcher.GetStats)
	if restFallback != nil {
		server.RegisterStats("rest_fallback", restFallback.GetStats)
	}
	if binanceWS != nil {
		server.RegisterStats("binance_ws", binanceWS.GetStats)
	}
	if bybitWS != nil {
		server.RegisterStats("bybit_ws", bybitWS.GetStats)
	}

	// ==================== TASKS ====================

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug().Str("task", name).Msg("task stopped")
		}()
	}

	start("consumer", cons.Run)
	start("strategy_cache", strategyCache.Run)
	start("filter_refresh", filterRefresher.Run)
	start("alert_refresh", alerts.Run)
	start("open_price_sweep", opens.Run)
	if restFallback != nil {
		start("rest_fallback", restFallback.Run)
	}
	if binanceWS != nil {
		start("binance_ws", binanceWS.Run)
	}
	if bybitWS != nil {
		start("bybit_ws", bybitWS.Run)
	}
	start("subscription_sync", func(ctx context.Context) {
		interval := time.Duration(cfg.CacheConfig.StrategyRefreshSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				syncSubscriptions(binanceWS, bybitWS, strategyCache, alerts)
			}
		}
	})
	if cfg.ServerConfig.Enabled {
		start("status_server", func(ctx context.Context) {
			if err := server.Start(ctx); err != nil {
				log.Error().Err(err).Msg("status server failed")
			}
		})
	}

	<-ctx.Done()
	log.Info().Msg("shutting down, draining tasks")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		log.Warn().Msg("drain deadline exceeded, exiting")
	}
	return nil
}

// tradingClient builds the signed per-bot client with the bot's credentials
// layered over the venue defaults.
func tradingClient(bot database.Bot, cfg *config.Config, log zerolog.Logger) (exchange.RestClient, error) {
	switch bot.Venue {
	case exchange.VenueBinance:
		vc := cfg.BinanceConfig
		vc.APIKey = bot.APIKey
		vc.SecretKey = bot.SecretKey
		return exchange.NewBinanceClient(vc, log), nil
	case exchange.VenueBybit:
		vc := cfg.BybitConfig
		vc.APIKey = bot.APIKey
		vc.SecretKey = bot.SecretKey
		return exchange.NewBybitClient(vc, log), nil
	}
	return nil, fmt.Errorf("unknown venue %q", bot.Venue)
}

// syncSubscriptions pushes the current strategy and alert universe onto the
// WebSocket clients. Subscribing is additive and idempotent.
func syncSubscriptions(binanceWS *exchange.BinanceWS, bybitWS *exchange.BybitWS, strategies *cache.StrategyCache, alerts *detector.AlertManager) {
	if binanceWS != nil {
		symbols := merge(strategies.Symbols(exchange.VenueBinance), alerts.Symbols(exchange.VenueBinance))
		intervals := merge(strategies.Intervals(exchange.VenueBinance), alerts.Intervals(exchange.VenueBinance))
		binanceWS.SubscribeTicks(symbols)
		binanceWS.SubscribeKlines(symbols, intervals)
	}
	if bybitWS != nil {
		symbols := merge(strategies.Symbols(exchange.VenueBybit), alerts.Symbols(exchange.VenueBybit))
		intervals := merge(strategies.Intervals(exchange.VenueBybit), alerts.Intervals(exchange.VenueBybit))
		bybitWS.SubscribeTicks(symbols)
		bybitWS.SubscribeKlines(symbols, intervals)
	}
}

func merge(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(a, b...) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func formatAlert(a detector.Alert) string {
	arrow := "📈"
	if a.OCPercent < 0 {
		arrow = "📉"
	}
	return fmt.Sprintf("%s %s %s (%s)\nOC: %+.2f%%\nPrice: %.8g (open %.8g, %s)",
		arrow, a.Symbol, a.Venue, a.Interval, a.OCPercent, a.Price, a.Open, a.Source)
}
