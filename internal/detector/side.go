package detector

import "ocbot/internal/database"

// Direction of the bucket move.
const (
	DirectionBullish = "bullish"
	DirectionBearish = "bearish"
)

// SelectSide maps (direction, trade_type, is_reverse_strategy) to the side to
// enter, or ("", false) for a deliberate skip. Trend-following strategies
// (is_reverse=false) enter with the move, counter-trend strategies against it;
// trade_type then restricts which sides are allowed.
func SelectSide(direction, tradeType string, isReverse bool) (string, bool) {
	var side string
	if direction == DirectionBullish {
		side = database.SideLong
		if isReverse {
			side = database.SideShort
		}
	} else {
		side = database.SideShort
		if isReverse {
			side = database.SideLong
		}
	}

	switch tradeType {
	case database.TradeTypeBoth:
		return side, true
	case database.TradeTypeLong:
		if side == database.SideLong {
			return side, true
		}
	case database.TradeTypeShort:
		if side == database.SideShort {
			return side, true
		}
	}
	return "", false
}
