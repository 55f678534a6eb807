package train

// BestTracker keeps the best value observed so far. Only a strictly greater
// value replaces it; the first observation sets it without counting as an
// improvement.
type BestTracker struct {
	best float64
	seen bool
}

// Observe records v and returns the best value so far and whether v beat
// the previous best.
func (b *BestTracker) Observe(v float64) (best float64, improved bool) {
	switch {
	case !b.seen:
		b.best, b.seen = v, true
	case v > b.best:
		b.best = v
		improved = true
	}
	return b.best, improved
}

// Best returns the best value and whether anything was observed.
func (b *BestTracker) Best() (float64, bool) { return b.best, b.seen }

// State is the progress of a run.
type State struct {
	Epoch      int
	GlobalStep int

	BestNorm BestTracker
	BestPunc BestTracker
}

// EpochResult summarizes one epoch.
type EpochResult struct {
	Epoch int

	NormLoss float64 // mean over the epoch's steps
	PuncLoss float64
	Skipped  int // steps dropped by the gradient scaler

	DevNormF1, DevPuncF1   float64
	TestNormF1, TestPuncF1 float64
}
