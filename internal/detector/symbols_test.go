package detector

import "testing"

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTCUSDT"},
		{"btcusdt", "BTCUSDT"},
		{"btc/usdt", "BTCUSDT"},
		{"BTC:USDT", "BTCUSDT"},
		{"eth_usdt", "ETHUSDT"},
		{"sol usdt", "SOLUSDT"},
		{"sol", "SOLUSDT"},
		{"1000pepe", "1000PEPEUSDT"},
		{"ETHBTC", "ETHBTC"},
		{"  doge  ", "DOGEUSDT"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestNormalizeSymbolIdempotent verifies normalize(normalize(s)) == normalize(s).
func TestNormalizeSymbolIdempotent(t *testing.T) {
	inputs := []string{"btc/usdt", "sol", "ETHBTC", "1000pepe_usdt", "xrp:usdc"}
	for _, in := range inputs {
		once := NormalizeSymbol(in)
		twice := NormalizeSymbol(once)
		if once != twice {
			t.Errorf("NormalizeSymbol not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
