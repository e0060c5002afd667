package detector

import "testing"

func TestIntervalMs(t *testing.T) {
	tests := []struct {
		interval string
		want     int64
		wantErr  bool
	}{
		{"1m", 60_000, false},
		{"5m", 300_000, false},
		{"15m", 900_000, false},
		{"1h", 3_600_000, false},
		{"4h", 14_400_000, false},
		{"1d", 86_400_000, false},
		{"7m", 0, true},
		{"", 0, true},
		{"1w", 0, true},
	}

	for _, tt := range tests {
		got, err := IntervalMs(tt.interval)
		if tt.wantErr {
			if err == nil {
				t.Errorf("IntervalMs(%q): expected error, got %d", tt.interval, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("IntervalMs(%q): unexpected error: %v", tt.interval, err)
			continue
		}
		if got != tt.want {
			t.Errorf("IntervalMs(%q) = %d, want %d", tt.interval, got, tt.want)
		}
	}
}

// TestBucketStartAlignment checks the bucket invariant: the result is a
// multiple of the interval and contains the timestamp.
func TestBucketStartAlignment(t *testing.T) {
	timestamps := []int64{0, 1, 59_999, 60_000, 60_001, 1_700_000_123_456}

	for _, interval := range []string{"1m", "5m", "1h", "1d"} {
		intervalMs, err := IntervalMs(interval)
		if err != nil {
			t.Fatalf("IntervalMs(%q): %v", interval, err)
		}
		for _, ts := range timestamps {
			start := BucketStart(ts, intervalMs)
			if start%intervalMs != 0 {
				t.Errorf("BucketStart(%d, %s) = %d, not a multiple of %d", ts, interval, start, intervalMs)
			}
			if start > ts || ts >= start+intervalMs {
				t.Errorf("BucketStart(%d, %s) = %d, timestamp outside [start, start+interval)", ts, interval, start)
			}
		}
	}
}

func TestBucketStartExactBoundary(t *testing.T) {
	// A timestamp exactly on the boundary starts its own bucket.
	if got := BucketStart(120_000, 60_000); got != 120_000 {
		t.Errorf("BucketStart(120000, 60000) = %d, want 120000", got)
	}
	if got := BucketStart(119_999, 60_000); got != 60_000 {
		t.Errorf("BucketStart(119999, 60000) = %d, want 60000", got)
	}
}
