package detector

import (
	"testing"

	"ocbot/internal/database"
)

// TestSelectSide walks the full decision table for direction, trade type and
// the reverse flag.
func TestSelectSide(t *testing.T) {
	tests := []struct {
		direction string
		tradeType string
		isReverse bool
		wantSide  string
		wantOK    bool
	}{
		{DirectionBullish, database.TradeTypeLong, false, database.SideLong, true},
		{DirectionBullish, database.TradeTypeShort, false, "", false},
		{DirectionBullish, database.TradeTypeBoth, false, database.SideLong, true},
		{DirectionBearish, database.TradeTypeLong, false, "", false},
		{DirectionBearish, database.TradeTypeShort, false, database.SideShort, true},
		{DirectionBearish, database.TradeTypeBoth, false, database.SideShort, true},
		{DirectionBullish, database.TradeTypeLong, true, "", false},
		{DirectionBullish, database.TradeTypeShort, true, database.SideShort, true},
		{DirectionBullish, database.TradeTypeBoth, true, database.SideShort, true},
		{DirectionBearish, database.TradeTypeLong, true, database.SideLong, true},
		{DirectionBearish, database.TradeTypeShort, true, "", false},
		{DirectionBearish, database.TradeTypeBoth, true, database.SideLong, true},
	}

	for _, tt := range tests {
		side, ok := SelectSide(tt.direction, tt.tradeType, tt.isReverse)
		if ok != tt.wantOK || side != tt.wantSide {
			t.Errorf("SelectSide(%s, %s, %v) = (%q, %v), want (%q, %v)",
				tt.direction, tt.tradeType, tt.isReverse, side, ok, tt.wantSide, tt.wantOK)
		}
	}
}

// TestSelectSideIdempotent verifies repeated application gives the same answer.
func TestSelectSideIdempotent(t *testing.T) {
	for i := 0; i < 3; i++ {
		side, ok := SelectSide(DirectionBearish, database.TradeTypeBoth, true)
		if !ok || side != database.SideLong {
			t.Fatalf("iteration %d: SelectSide = (%q, %v), want (long, true)", i, side, ok)
		}
	}
}
