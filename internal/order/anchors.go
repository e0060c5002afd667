package order

import "sync"

// Anchors fixes the counter-trend entry per (strategy, bucket). The first
// threshold crossing in a bucket computes the pullback entry from its own
// tick; every later tick in the same bucket is admitted against that anchored
// entry and delta, so the admission window actually measures how far the
// market has moved since the trigger.
type Anchors struct {
	mu sync.Mutex
	m  map[int64]anchorState // keyed by strategy id
}

type anchorState struct {
	bucketStart int64
	side        string
	entry       float64
	delta       float64
}

// NewAnchors creates an empty anchor set.
func NewAnchors() *Anchors {
	return &Anchors{m: make(map[int64]anchorState)}
}

// anchorFor returns the anchored entry and delta for the strategy's current
// bucket, creating the anchor from the given values when the bucket or side
// changed. One state per strategy; a new bucket replaces the old anchor, so
// the map never grows past the strategy count.
func (a *Anchors) anchorFor(strategyID, bucketStart int64, side string, entry, delta float64) (float64, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.m[strategyID]
	if !ok || st.bucketStart != bucketStart || st.side != side {
		st = anchorState{bucketStart: bucketStart, side: side, entry: entry, delta: delta}
		a.m[strategyID] = st
	}
	return st.entry, st.delta
}
