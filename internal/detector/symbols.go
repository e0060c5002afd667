package detector

import "strings"

// quoteSuffixes are the quote assets a normalized symbol may already end in.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// NormalizeSymbol canonicalizes user- or venue-supplied symbol notation:
// uppercase, separators stripped, USDT appended when no quote suffix is
// present. The result is idempotent under repeated normalization.
//
//	"btc/usdt" -> "BTCUSDT"
//	"ETH_usdt" -> "ETHUSDT"
//	"sol"      -> "SOLUSDT"
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	replacer := strings.NewReplacer("/", "", ":", "", "_", "", " ", "")
	s = replacer.Replace(s)
	if s == "" {
		return ""
	}
	for _, suffix := range quoteSuffixes {
		if strings.HasSuffix(s, suffix) {
			return s
		}
	}
	return s + "USDT"
}
