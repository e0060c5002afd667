package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== POSITIONS ====================

// InsertPosition creates a new position record. The partial unique index on
// (strategy_id) WHERE status = 'open' makes the one-open-position-per-strategy
// rule race-safe at the store level.
func (db *DB) InsertPosition(ctx context.Context, p *Position) error {
	query := `
		INSERT INTO positions (
			bot_id, strategy_id, venue, symbol, side, entry_price, amount,
			take_profit_price, stop_loss_price, entry_order_id, tp_order_id,
			sl_order_id, status, opened_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		) RETURNING id`

	err := db.Pool.QueryRow(ctx, query,
		p.BotID, p.StrategyID, p.Venue, p.Symbol, p.Side, p.EntryPrice, p.Amount,
		p.TakeProfitPrice, p.StopLossPrice, p.EntryOrderID, p.TPOrderID,
		p.SLOrderID, p.Status, p.OpenedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

// UpdatePosition updates the mutable fields of an existing position.
func (db *DB) UpdatePosition(ctx context.Context, p *Position) error {
	query := `
		UPDATE positions SET
			take_profit_price = $2,
			stop_loss_price = $3,
			tp_order_id = $4,
			sl_order_id = $5,
			status = $6,
			closed_at = $7,
			close_reason = $8,
			pnl = $9,
			updated_at = $10
		WHERE id = $1`

	_, err := db.Pool.Exec(ctx, query,
		p.ID, p.TakeProfitPrice, p.StopLossPrice, p.TPOrderID, p.SLOrderID,
		p.Status, p.ClosedAt, p.CloseReason, p.PnL, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return nil
}

// FindOpenPositionsByBot retrieves open positions for a bot.
func (db *DB) FindOpenPositionsByBot(ctx context.Context, botID int64) ([]Position, error) {
	return db.findOpenPositions(ctx, "bot_id", botID)
}

// FindOpenPositionsByStrategy retrieves open positions for a strategy.
func (db *DB) FindOpenPositionsByStrategy(ctx context.Context, strategyID int64) ([]Position, error) {
	return db.findOpenPositions(ctx, "strategy_id", strategyID)
}

func (db *DB) findOpenPositions(ctx context.Context, column string, id int64) ([]Position, error) {
	query := fmt.Sprintf(`
		SELECT id, bot_id, strategy_id, venue, symbol, side, entry_price, amount,
			COALESCE(take_profit_price, 0), stop_loss_price,
			COALESCE(entry_order_id, ''), COALESCE(tp_order_id, ''),
			COALESCE(sl_order_id, ''), status, opened_at, closed_at,
			COALESCE(close_reason, ''), COALESCE(pnl, 0)
		FROM positions WHERE %s = $1 AND status = 'open'`, column)

	rows, err := db.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find open positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(
			&p.ID, &p.BotID, &p.StrategyID, &p.Venue, &p.Symbol, &p.Side,
			&p.EntryPrice, &p.Amount, &p.TakeProfitPrice, &p.StopLossPrice,
			&p.EntryOrderID, &p.TPOrderID, &p.SLOrderID, &p.Status,
			&p.OpenedAt, &p.ClosedAt, &p.CloseReason, &p.PnL,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CountOpenPositionsByBot returns the number of open positions for a bot.
func (db *DB) CountOpenPositionsByBot(ctx context.Context, botID int64) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE bot_id = $1 AND status = 'open'`,
		botID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return count, nil
}
