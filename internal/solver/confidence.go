package solver

import (
	"math"

	"github.com/vortex-trading/vortex/internal/detector"
	"github.com/vortex-trading/vortex/internal/dex"
)

// ---------------------------------------------------------------------------
// Confidence — volatility + route length + venue degradation
// ---------------------------------------------------------------------------

// ConfidenceWeights are the penalty weights of the confidence score. The
// score is bounded to [0, 1]; 1 means a short route over quiet, healthy
// venues.
type ConfidenceWeights struct {
	Volatility float64 `yaml:"volatility"`
	RouteLen   float64 `yaml:"route_len"`
	Degraded   float64 `yaml:"degraded"`
	VolScale   float64 `yaml:"vol_scale"` // volatility that costs a full Volatility weight
}

// DefaultConfidenceWeights returns the default penalty weights.
func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{
		Volatility: 0.5,
		RouteLen:   0.1,
		Degraded:   0.4,
		VolScale:   0.02,
	}
}

// confidence scores a candidate. Float math by design: confidence feeds
// risk admission and metrics, never routing.
func (s *Solver) confidence(cand *detector.Candidate) float64 {
	w := s.config.Confidence

	// Worst micro-volatility across the route's pools.
	var vol float64
	for _, snap := range cand.Snapshots {
		if v := historyVolatility(s.store.History(snap.Pool)); v > vol {
			vol = v
		}
	}
	volNorm := 0.0
	if w.VolScale > 0 {
		volNorm = math.Min(vol/w.VolScale, 1)
	}

	degradedLegs := 0
	for _, snap := range cand.Snapshots {
		if s.degraded(snap.Venue) {
			degradedLegs++
		}
	}

	score := 1.0
	score -= w.Volatility * volNorm
	score -= w.RouteLen * float64(len(cand.Hops)-2)
	score -= w.Degraded * float64(degradedLegs)

	return math.Max(0, math.Min(1, score))
}

// historyVolatility is the stddev of log mid-price returns over a snapshot
// ring.
func historyVolatility(history []*dex.Snapshot) float64 {
	if len(history) < 3 {
		return 0
	}
	var returns []float64
	for i := 1; i < len(history); i++ {
		p0, p1 := history[i-1].MidPrice(), history[i].MidPrice()
		if p0 <= 0 || p1 <= 0 {
			continue
		}
		returns = append(returns, math.Log(p1/p0))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}
