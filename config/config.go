package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"ocbot/internal/logging"
)

type Config struct {
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  logging.Config `json:"logging"`
	ServerConfig   ServerConfig   `json:"server"`

	BinanceConfig VenueConfig `json:"binance"`
	BybitConfig   VenueConfig `json:"bybit"`

	ConsumerConfig  ConsumerConfig  `json:"consumer"`
	DetectorConfig  DetectorConfig  `json:"detector"`
	OpenPriceConfig OpenPriceConfig `json:"open_price"`
	CacheConfig     CacheConfig     `json:"cache"`
	OrderConfig     OrderConfig     `json:"order"`
	AlertConfig     AlertConfig     `json:"alert"`
	TelegramConfig  TelegramConfig  `json:"telegram"`
}

// VenueConfig holds per-venue REST and WebSocket settings
type VenueConfig struct {
	Enabled        bool   `json:"enabled"`
	APIKey         string `json:"api_key"`
	SecretKey      string `json:"secret_key"`
	TestNet        bool   `json:"testnet"`
	RestTimeoutSec int    `json:"rest_timeout_sec"` // default 15
	MinRequestGap  int    `json:"min_request_gap"`  // ms between REST calls, default 100
	RecvWindowMs   int    `json:"recv_window_ms"`   // default 10000
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the position guard and cooldowns
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ServerConfig holds the status HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

// ConsumerConfig tunes the tick consumer hot loop
type ConsumerConfig struct {
	QueueCapacity     int `json:"queue_capacity"`       // default 8192
	MinTickIntervalMs int `json:"min_tick_interval_ms"` // per-symbol throttle, default 75
	BatchSize         int `json:"batch_size"`           // default 200
	BatchTimeoutMs    int `json:"batch_timeout_ms"`     // default 50
	TickConcurrency   int `json:"tick_concurrency"`     // default 16
}

// DetectorConfig tunes the OC match engine
type DetectorConfig struct {
	NoiseThresholdPercent float64 `json:"noise_threshold_percent"` // default 0.01
}

// OpenPriceConfig tunes the open-price cache and its tiered resolution
type OpenPriceConfig struct {
	CacheSize           int  `json:"cache_size"`            // LRU bound, default 1000
	EntryTTLMin         int  `json:"entry_ttl_min"`         // sweep entries older than this, default 15
	SweepIntervalSec    int  `json:"sweep_interval_sec"`    // default 60
	MemoTTLMs           int  `json:"memo_ttl_ms"`           // resolution memo, default 1000
	RestFallbackEnabled bool `json:"rest_fallback_enabled"` // default false (rate-ban prone)
	RestQueueSize       int  `json:"rest_queue_size"`       // bounded FIFO, default 256
	RestConcurrency     int  `json:"rest_concurrency"`      // in-flight cap, default 2
	RestBreakWindowSec  int  `json:"rest_break_window_sec"` // 429 circuit window, default 120
	PrimeToleranceMs    int  `json:"prime_tolerance_ms"`    // min staleness before REST engages, default 1500
}

// CacheConfig tunes the strategy and symbol-filter caches
type CacheConfig struct {
	StrategyRefreshSec int `json:"strategy_refresh_sec"` // default 60
	FilterRefreshMin   int `json:"filter_refresh_min"`   // default 30
	WatchdogTimeoutMin int `json:"watchdog_timeout_min"` // refresh guard watchdog, default 5
}

// OrderConfig tunes the per-bot order services
type OrderConfig struct {
	MaxDiffRatio             float64 `json:"max_diff_ratio"`               // extend admission window, default 0.5
	PassiveLimitOnExtendMiss bool    `json:"passive_limit_on_extend_miss"` // default false
	PositionGuardTTLSec      int     `json:"position_guard_ttl_sec"`       // default 5
	FailureCooldownSec       int     `json:"failure_cooldown_sec"`         // default 60
	TPSLDelayMs              int     `json:"tp_sl_delay_ms"`               // gap between TP and SL placement, default 1000
	MaxRetries               int     `json:"max_retries"`                  // transient retries, default 3
	RetryBaseMs              int     `json:"retry_base_ms"`                // default 1000
}

// AlertConfig tunes the price-alert path
type AlertConfig struct {
	RearmRatio     float64 `json:"rearm_ratio"`       // default 0.6
	RefreshSec     int     `json:"refresh_sec"`       // watcher rebuild interval, default 60
	MinAlertGapSec int     `json:"min_alert_gap_sec"` // per (config,symbol,interval), default 60
}

// TelegramConfig holds per-purpose bot credentials and pacing
type TelegramConfig struct {
	Enabled          bool   `json:"enabled"`
	OrderBotToken    string `json:"order_bot_token"`
	AlertBotTokenA   string `json:"alert_bot_token_a"` // Binance price alerts
	AlertBotTokenB   string `json:"alert_bot_token_b"` // Bybit price alerts
	MonitorBotToken  string `json:"monitor_bot_token"`
	MonitorChatID    string `json:"monitor_chat_id"`
	MinGapGlobalMs   int    `json:"min_gap_global_ms"`   // per-client pacing, default 1000
	PerChatMinGapMs  int    `json:"per_chat_min_gap_ms"` // shared across clients, default 3000
	QueueMaxIdleMin  int    `json:"queue_max_idle_min"`  // default 30
	ChatMaxIdleHours int    `json:"chat_max_idle_hours"` // default 6
	SendTimeoutSec   int    `json:"send_timeout_sec"`    // default 10
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Env values take precedence over config.json.
func applyEnvOverrides(cfg *Config) {
	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Server
	cfg.ServerConfig.Enabled = getEnvOrDefault("STATUS_SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("STATUS_SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("STATUS_SERVER_PORT", cfg.ServerConfig.Port)

	// Venues - credentials only via environment
	cfg.BinanceConfig.Enabled = getEnvOrDefault("BINANCE_ENABLED", "true") == "true"
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", "false") == "true"
	cfg.BybitConfig.Enabled = getEnvOrDefault("BYBIT_ENABLED", "true") == "true"
	cfg.BybitConfig.APIKey = getEnvOrDefault("BYBIT_API_KEY", cfg.BybitConfig.APIKey)
	cfg.BybitConfig.SecretKey = getEnvOrDefault("BYBIT_SECRET_KEY", cfg.BybitConfig.SecretKey)
	cfg.BybitConfig.TestNet = getEnvOrDefault("BYBIT_TESTNET", "false") == "true"

	// Hot loop
	cfg.ConsumerConfig.MinTickIntervalMs = getEnvIntOrDefault("MIN_TICK_INTERVAL_MS", cfg.ConsumerConfig.MinTickIntervalMs)
	cfg.ConsumerConfig.BatchSize = getEnvIntOrDefault("TICK_BATCH_SIZE", cfg.ConsumerConfig.BatchSize)
	cfg.ConsumerConfig.BatchTimeoutMs = getEnvIntOrDefault("TICK_BATCH_TIMEOUT_MS", cfg.ConsumerConfig.BatchTimeoutMs)
	cfg.ConsumerConfig.TickConcurrency = getEnvIntOrDefault("TICK_CONCURRENCY", cfg.ConsumerConfig.TickConcurrency)

	// Open-price resolution
	cfg.OpenPriceConfig.RestFallbackEnabled = getEnvOrDefault("REST_KLINES_FALLBACK", "false") == "true"

	// Order services
	cfg.OrderConfig.PassiveLimitOnExtendMiss = getEnvOrDefault("PASSIVE_LIMIT_ON_EXTEND_MISS", boolStr(cfg.OrderConfig.PassiveLimitOnExtendMiss)) == "true"

	// Telegram
	cfg.TelegramConfig.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolStr(cfg.TelegramConfig.Enabled)) == "true"
	cfg.TelegramConfig.OrderBotToken = getEnvOrDefault("TELEGRAM_ORDER_BOT_TOKEN", cfg.TelegramConfig.OrderBotToken)
	cfg.TelegramConfig.AlertBotTokenA = getEnvOrDefault("TELEGRAM_ALERT_BOT_TOKEN_A", cfg.TelegramConfig.AlertBotTokenA)
	cfg.TelegramConfig.AlertBotTokenB = getEnvOrDefault("TELEGRAM_ALERT_BOT_TOKEN_B", cfg.TelegramConfig.AlertBotTokenB)
	cfg.TelegramConfig.MonitorBotToken = getEnvOrDefault("TELEGRAM_MONITOR_BOT_TOKEN", cfg.TelegramConfig.MonitorBotToken)
	cfg.TelegramConfig.MonitorChatID = getEnvOrDefault("TELEGRAM_MONITOR_CHAT_ID", cfg.TelegramConfig.MonitorChatID)
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}

	for _, vc := range []*VenueConfig{&cfg.BinanceConfig, &cfg.BybitConfig} {
		if vc.RestTimeoutSec == 0 {
			vc.RestTimeoutSec = 15
		}
		if vc.MinRequestGap == 0 {
			vc.MinRequestGap = 100
		}
		if vc.RecvWindowMs == 0 {
			vc.RecvWindowMs = 10000
		}
	}

	if cfg.ConsumerConfig.QueueCapacity == 0 {
		cfg.ConsumerConfig.QueueCapacity = 8192
	}
	if cfg.ConsumerConfig.MinTickIntervalMs == 0 {
		cfg.ConsumerConfig.MinTickIntervalMs = 75
	}
	if cfg.ConsumerConfig.BatchSize == 0 {
		cfg.ConsumerConfig.BatchSize = 200
	}
	if cfg.ConsumerConfig.BatchTimeoutMs == 0 {
		cfg.ConsumerConfig.BatchTimeoutMs = 50
	}
	if cfg.ConsumerConfig.TickConcurrency == 0 {
		cfg.ConsumerConfig.TickConcurrency = 16
	}

	if cfg.DetectorConfig.NoiseThresholdPercent == 0 {
		cfg.DetectorConfig.NoiseThresholdPercent = 0.01
	}

	if cfg.OpenPriceConfig.CacheSize == 0 {
		cfg.OpenPriceConfig.CacheSize = 1000
	}
	if cfg.OpenPriceConfig.EntryTTLMin == 0 {
		cfg.OpenPriceConfig.EntryTTLMin = 15
	}
	if cfg.OpenPriceConfig.SweepIntervalSec == 0 {
		cfg.OpenPriceConfig.SweepIntervalSec = 60
	}
	if cfg.OpenPriceConfig.MemoTTLMs == 0 {
		cfg.OpenPriceConfig.MemoTTLMs = 1000
	}
	if cfg.OpenPriceConfig.RestQueueSize == 0 {
		cfg.OpenPriceConfig.RestQueueSize = 256
	}
	if cfg.OpenPriceConfig.RestConcurrency == 0 {
		cfg.OpenPriceConfig.RestConcurrency = 2
	}
	if cfg.OpenPriceConfig.RestBreakWindowSec == 0 {
		cfg.OpenPriceConfig.RestBreakWindowSec = 120
	}
	if cfg.OpenPriceConfig.PrimeToleranceMs == 0 {
		cfg.OpenPriceConfig.PrimeToleranceMs = 1500
	}

	if cfg.CacheConfig.StrategyRefreshSec == 0 {
		cfg.CacheConfig.StrategyRefreshSec = 60
	}
	if cfg.CacheConfig.FilterRefreshMin == 0 {
		cfg.CacheConfig.FilterRefreshMin = 30
	}
	if cfg.CacheConfig.WatchdogTimeoutMin == 0 {
		cfg.CacheConfig.WatchdogTimeoutMin = 5
	}

	if cfg.OrderConfig.MaxDiffRatio == 0 {
		cfg.OrderConfig.MaxDiffRatio = 0.5
	}
	if cfg.OrderConfig.PositionGuardTTLSec == 0 {
		cfg.OrderConfig.PositionGuardTTLSec = 5
	}
	if cfg.OrderConfig.FailureCooldownSec == 0 {
		cfg.OrderConfig.FailureCooldownSec = 60
	}
	if cfg.OrderConfig.TPSLDelayMs == 0 {
		cfg.OrderConfig.TPSLDelayMs = 1000
	}
	if cfg.OrderConfig.MaxRetries == 0 {
		cfg.OrderConfig.MaxRetries = 3
	}
	if cfg.OrderConfig.RetryBaseMs == 0 {
		cfg.OrderConfig.RetryBaseMs = 1000
	}

	if cfg.AlertConfig.RearmRatio == 0 {
		cfg.AlertConfig.RearmRatio = 0.6
	}
	if cfg.AlertConfig.RefreshSec == 0 {
		cfg.AlertConfig.RefreshSec = 60
	}
	if cfg.AlertConfig.MinAlertGapSec == 0 {
		cfg.AlertConfig.MinAlertGapSec = 60
	}

	if cfg.TelegramConfig.MinGapGlobalMs == 0 {
		cfg.TelegramConfig.MinGapGlobalMs = 1000
	}
	if cfg.TelegramConfig.PerChatMinGapMs == 0 {
		cfg.TelegramConfig.PerChatMinGapMs = 3000
	}
	if cfg.TelegramConfig.QueueMaxIdleMin == 0 {
		cfg.TelegramConfig.QueueMaxIdleMin = 30
	}
	if cfg.TelegramConfig.ChatMaxIdleHours == 0 {
		cfg.TelegramConfig.ChatMaxIdleHours = 6
	}
	if cfg.TelegramConfig.SendTimeoutSec == 0 {
		cfg.TelegramConfig.SendTimeoutSec = 10
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Duration helpers for the handful of callers that want time.Duration directly.

func (c ConsumerConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}

func (c ConsumerConfig) MinTickInterval() time.Duration {
	return time.Duration(c.MinTickIntervalMs) * time.Millisecond
}

func (c OrderConfig) PositionGuardTTL() time.Duration {
	return time.Duration(c.PositionGuardTTLSec) * time.Second
}

func (c OrderConfig) FailureCooldown() time.Duration {
	return time.Duration(c.FailureCooldownSec) * time.Second
}

func (c OrderConfig) TPSLDelay() time.Duration {
	return time.Duration(c.TPSLDelayMs) * time.Millisecond
}
