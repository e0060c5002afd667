package order

import (
	"math"

	"github.com/shopspring/decimal"

	"ocbot/internal/database"
	"ocbot/internal/detector"
	"ocbot/internal/exchange"
)

// Quote is a fully priced order plan: entry with paired TP and optional SL,
// rounded to the venue's precision constraints.
type Quote struct {
	Side       string // long or short
	OrderType  exchange.OrderType
	Entry      float64
	TakeProfit float64
	StopLoss   *float64 // nil when stoploss is disabled
	Quantity   float64
	// PassiveLimit marks a resting LIMIT placed after an extend-window miss.
	PassiveLimit bool
}

// RoundToTick rounds a price to the nearest tick.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(tickSize)
	rounded, _ := p.Div(tick).Round(0).Mul(tick).Float64()
	return rounded
}

// FloorToStep floors a quantity to the step size.
func FloorToStep(qty, stepSize float64) float64 {
	if stepSize <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(stepSize)
	floored, _ := q.Div(step).Floor().Mul(step).Float64()
	return floored
}

// BuildQuote prices one match for the selected side.
//
// Counter-trend strategies enter on a LIMIT at a pullback from the current
// price; extend controls how deep into the open-to-current delta the entry
// sits. The entry and delta are anchored by the bucket's first threshold
// crossing, so later ticks in the same bucket are admitted against where the
// market sits relative to that fixed entry. Trend-following strategies enter
// MARKET at the current price.
func BuildQuote(match detector.MatchResult, side string, filter database.SymbolFilter, anchors *Anchors, maxDiffRatio float64, passiveLimitOnMiss bool) (*Quote, error) {
	strat := match.Strategy
	current := match.CurrentPrice
	delta := math.Abs(current - match.OpenPrice)

	q := &Quote{Side: side}

	if strat.IsReverseStrategy {
		q.OrderType = exchange.OrderTypeLimit
		extendRatio := float64(strat.Extend) / 100
		entry := current + extendRatio*delta
		if side == database.SideLong {
			entry = current - extendRatio*delta
		}
		if anchors != nil {
			entry, delta = anchors.anchorFor(strat.ID, match.BucketStart, side, entry, delta)
		}
		q.Entry = entry

		// Extend admission: the tick must sit close enough to the anchored
		// entry, measured against the anchored delta.
		if strat.Extend > 0 && delta > 0 {
			diff := math.Abs(current-q.Entry) / delta
			// Small slack keeps the boundary inclusive under float error.
			if diff > maxDiffRatio+1e-9 {
				if !passiveLimitOnMiss {
					return nil, ErrExtendMiss
				}
				q.PassiveLimit = true
			}
		}
	} else {
		q.OrderType = exchange.OrderTypeMarket
		q.Entry = current
	}

	// take_profit and stoploss arrive in tenth-of-percent units.
	tpEffective := float64(strat.TakeProfit) / 10
	slEffective := float64(strat.Stoploss) / 10
	if side == database.SideLong {
		q.TakeProfit = q.Entry * (1 + tpEffective/100)
	} else {
		q.TakeProfit = q.Entry * (1 - tpEffective/100)
	}
	if strat.Stoploss > 0 {
		var sl float64
		if side == database.SideLong {
			sl = q.Entry * (1 - slEffective/100)
		} else {
			sl = q.Entry * (1 + slEffective/100)
		}
		sl = RoundToTick(sl, filter.TickSize)
		q.StopLoss = &sl
	}

	q.Entry = RoundToTick(q.Entry, filter.TickSize)
	q.TakeProfit = RoundToTick(q.TakeProfit, filter.TickSize)
	if q.Entry <= 0 {
		return nil, ErrZeroQuantity
	}

	qty := FloorToStep(strat.Amount/q.Entry, filter.StepSize)
	if qty <= 0 {
		return nil, ErrZeroQuantity
	}
	if qty*q.Entry < filter.MinNotional {
		// One step up is allowed to clear the minimum; anything more would
		// silently trade a larger size than configured. Decimal addition
		// keeps the bumped quantity exactly on the step grid.
		qty, _ = decimal.NewFromFloat(qty).Add(decimal.NewFromFloat(filter.StepSize)).Float64()
		if qty*q.Entry < filter.MinNotional {
			return nil, ErrBelowMinNotional
		}
	}
	q.Quantity = qty

	return q, nil
}
