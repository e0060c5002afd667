// Package detector turns price ticks into strategy matches: it aligns ticks
// to interval buckets, resolves the bucket open, computes the open-to-current
// percentage and filters against configured thresholds.
package detector

import "fmt"

// intervalMillis maps supported interval notations to their length in ms.
var intervalMillis = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

// IntervalMs returns the bucket length of an interval in milliseconds.
func IntervalMs(interval string) (int64, error) {
	ms, ok := intervalMillis[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return ms, nil
}

// SupportedIntervals returns all interval notations the engine accepts.
func SupportedIntervals() []string {
	out := make([]string, 0, len(intervalMillis))
	for iv := range intervalMillis {
		out = append(out, iv)
	}
	return out
}

// BucketStart aligns a timestamp to the start of its interval bucket.
// All callers deriving buckets from the same (interval, timestamp) must use
// this function so keys agree across caches.
func BucketStart(timestampMs, intervalMs int64) int64 {
	if intervalMs <= 0 {
		return timestampMs
	}
	return timestampMs - timestampMs%intervalMs
}
