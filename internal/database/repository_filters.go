package database

import (
	"context"
	"fmt"
)

// ==================== SYMBOL FILTERS ====================

// GetSymbolFilters retrieves all filters for a venue.
func (db *DB) GetSymbolFilters(ctx context.Context, venue string) ([]SymbolFilter, error) {
	query := `
		SELECT venue, symbol, tick_size, step_size, min_notional, max_leverage, updated_at
		FROM symbol_filters WHERE venue = $1`

	rows, err := db.Pool.Query(ctx, query, venue)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol filters: %w", err)
	}
	defer rows.Close()

	var filters []SymbolFilter
	for rows.Next() {
		var f SymbolFilter
		if err := rows.Scan(&f.Venue, &f.Symbol, &f.TickSize, &f.StepSize,
			&f.MinNotional, &f.MaxLeverage, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan symbol filter: %w", err)
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// UpsertSymbolFilters bulk-upserts filters for a venue.
func (db *DB) UpsertSymbolFilters(ctx context.Context, filters []SymbolFilter) error {
	query := `
		INSERT INTO symbol_filters (venue, symbol, tick_size, step_size, min_notional, max_leverage, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (venue, symbol) DO UPDATE SET
			tick_size = $3, step_size = $4, min_notional = $5,
			max_leverage = $6, updated_at = NOW()`

	for _, f := range filters {
		if _, err := db.Pool.Exec(ctx, query,
			f.Venue, f.Symbol, f.TickSize, f.StepSize, f.MinNotional, f.MaxLeverage); err != nil {
			return fmt.Errorf("failed to upsert filter %s/%s: %w", f.Venue, f.Symbol, err)
		}
	}
	return nil
}

// DeleteSymbolFiltersNotIn removes filters for symbols no longer tradable on a venue.
func (db *DB) DeleteSymbolFiltersNotIn(ctx context.Context, venue string, symbols []string) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM symbol_filters WHERE venue = $1 AND NOT (symbol = ANY($2))`,
		venue, symbols)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale filters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ==================== PRICE ALERT CONFIGS ====================

// ListAlertConfigs retrieves all active price alert configurations.
func (db *DB) ListAlertConfigs(ctx context.Context) ([]PriceAlertConfig, error) {
	query := `
		SELECT id, venue, symbols, intervals, threshold_percent, chat_id, is_active, updated_at
		FROM price_alert_configs WHERE is_active = TRUE`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert configs: %w", err)
	}
	defer rows.Close()

	var configs []PriceAlertConfig
	for rows.Next() {
		var c PriceAlertConfig
		if err := rows.Scan(&c.ID, &c.Venue, &c.Symbols, &c.Intervals,
			&c.ThresholdPercent, &c.ChatID, &c.IsActive, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
