package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ==================== BOTS ====================

// ListActiveBots retrieves all active bots.
func (db *DB) ListActiveBots(ctx context.Context) ([]Bot, error) {
	query := `
		SELECT id, name, venue, api_key, secret_key, is_reverse_strategy,
			max_concurrent_trades, leverage, margin_type, position_mode,
			COALESCE(chat_id, ''), is_active, created_at, updated_at
		FROM bots WHERE is_active = TRUE ORDER BY id`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		var b Bot
		if err := rows.Scan(
			&b.ID, &b.Name, &b.Venue, &b.APIKey, &b.SecretKey, &b.IsReverseStrategy,
			&b.MaxConcurrentTrades, &b.Leverage, &b.MarginType, &b.PositionMode,
			&b.ChatID, &b.IsActive, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// ==================== STRATEGIES ====================

// ListActiveStrategies retrieves all active strategies of active bots.
func (db *DB) ListActiveStrategies(ctx context.Context) ([]Strategy, error) {
	query := `
		SELECT s.id, s.bot_id, s.venue, s.symbol, s.interval, s.oc_threshold,
			s.trade_type, s.is_reverse_strategy, s.extend, s.take_profit,
			s.stoploss, s.reduce, s.up_reduce, s.amount, s.is_active,
			s.created_at, s.updated_at
		FROM strategies s
		JOIN bots b ON b.id = s.bot_id
		WHERE s.is_active = TRUE AND b.is_active = TRUE
		ORDER BY s.id`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var strategies []Strategy
	for rows.Next() {
		var s Strategy
		if err := rows.Scan(
			&s.ID, &s.BotID, &s.Venue, &s.Symbol, &s.Interval, &s.OCThreshold,
			&s.TradeType, &s.IsReverseStrategy, &s.Extend, &s.TakeProfit,
			&s.Stoploss, &s.Reduce, &s.UpReduce, &s.Amount, &s.IsActive,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		strategies = append(strategies, s)
	}
	return strategies, rows.Err()
}

// ==================== APP CONFIG ====================

// GetConfig retrieves a single configuration value by key.
// Returns ("", nil) when the key does not exist.
func (db *DB) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := db.Pool.QueryRow(ctx,
		`SELECT value FROM app_configs WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a configuration value.
func (db *DB) SetConfig(ctx context.Context, key, value string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO app_configs (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}
