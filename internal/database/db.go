package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			venue VARCHAR(20) NOT NULL,
			api_key TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			is_reverse_strategy BOOLEAN NOT NULL DEFAULT FALSE,
			max_concurrent_trades INT NOT NULL DEFAULT 5,
			leverage INT NOT NULL DEFAULT 10,
			margin_type VARCHAR(10) NOT NULL DEFAULT 'CROSSED',
			position_mode VARCHAR(10) NOT NULL DEFAULT 'ONE_WAY',
			chat_id VARCHAR(50),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_venue ON bots(venue)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_active ON bots(is_active)`,

		`CREATE TABLE IF NOT EXISTS strategies (
			id SERIAL PRIMARY KEY,
			bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			venue VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			oc_threshold DECIMAL(10, 4) NOT NULL,
			trade_type VARCHAR(10) NOT NULL DEFAULT 'both',
			is_reverse_strategy BOOLEAN NOT NULL DEFAULT TRUE,
			extend INT NOT NULL DEFAULT 0,
			take_profit INT NOT NULL DEFAULT 0,
			stoploss INT NOT NULL DEFAULT 0,
			reduce DECIMAL(10, 4) NOT NULL DEFAULT 0,
			up_reduce DECIMAL(10, 4) NOT NULL DEFAULT 0,
			amount DECIMAL(20, 8) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_bot ON strategies(bot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_lookup ON strategies(venue, symbol, is_active)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id SERIAL PRIMARY KEY,
			bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			strategy_id INT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
			venue VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			take_profit_price DECIMAL(20, 8),
			stop_loss_price DECIMAL(20, 8),
			entry_order_id VARCHAR(50),
			tp_order_id VARCHAR(50),
			sl_order_id VARCHAR(50),
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			close_reason VARCHAR(50),
			pnl DECIMAL(20, 8),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_bot_status ON positions(bot_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_strategy_status ON positions(strategy_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open_per_strategy
			ON positions(strategy_id) WHERE status = 'open'`,

		`CREATE TABLE IF NOT EXISTS symbol_filters (
			venue VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			tick_size DECIMAL(20, 10) NOT NULL,
			step_size DECIMAL(20, 10) NOT NULL,
			min_notional DECIMAL(20, 8) NOT NULL,
			max_leverage INT NOT NULL DEFAULT 20,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (venue, symbol)
		)`,

		`CREATE TABLE IF NOT EXISTS price_alert_configs (
			id SERIAL PRIMARY KEY,
			venue VARCHAR(20) NOT NULL,
			symbols TEXT[] NOT NULL DEFAULT '{}',
			intervals TEXT[] NOT NULL DEFAULT '{}',
			threshold_percent DECIMAL(10, 4) NOT NULL,
			chat_id VARCHAR(50) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_alert_configs_active ON price_alert_configs(is_active)`,

		`CREATE TABLE IF NOT EXISTS app_configs (
			key VARCHAR(100) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Msg("database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
