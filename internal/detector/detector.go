package detector

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/market"
	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Opportunity Detector — change notice -> candidate cycles
// ---------------------------------------------------------------------------

// Candidate is a cycle the detector believes may be profitable, before any
// exact quoting. It pins the snapshots it was judged against; the solver
// quotes on exactly these and drops the candidate if any has advanced.
type Candidate struct {
	Cycle      uint32
	Hops       []Hop
	Snapshots  []*dex.Snapshot // pinned, one per hop
	Trigger    solana.Pubkey
	EdgeBps    uint32 // pre-filter estimate: (price product - 1) in bps
	DetectedAt time.Time
}

// Config configures the detector.
type Config struct {
	ThresholdBps     uint32  `yaml:"threshold_bps"`      // price product must exceed 1 by this much
	MaxVolatility    float64 `yaml:"max_volatility"`     // per-pool micro-volatility ceiling, 0 disables
	DropOnDegraded   bool    `yaml:"drop_on_degraded"`   // discard candidates crossing a degraded venue
	OutputBuffer     int     `yaml:"output_buffer"`
	RecentRingSize   int     `yaml:"recent_ring_size"`
}

// DefaultConfig returns detector defaults.
func DefaultConfig() Config {
	return Config{
		ThresholdBps:   10,
		MaxVolatility:  0.05,
		DropOnDegraded: true,
		OutputBuffer:   512,
		RecentRingSize: 128,
	}
}

// DegradedFunc reports whether a venue is currently degraded.
type DegradedFunc func(venue string) bool

// Detector recomputes candidate cycles touching each changed pool. It never
// quotes exact amounts; the two-phase split keeps this hot path cheap.
type Detector struct {
	config   Config
	index    *Index
	store    *market.Store
	degraded DegradedFunc

	out chan *Candidate

	recentMu sync.Mutex
	recent   []*Candidate
	recentAt int

	// Stats.
	evaluated atomic.Int64
	emitted   atomic.Int64
	skipped   atomic.Int64
	dropped   atomic.Int64
}

// New creates a detector.
func New(config Config, index *Index, store *market.Store, degraded DegradedFunc) *Detector {
	if config.OutputBuffer <= 0 {
		config.OutputBuffer = 512
	}
	if config.RecentRingSize <= 0 {
		config.RecentRingSize = 128
	}
	if degraded == nil {
		degraded = func(string) bool { return false }
	}
	return &Detector{
		config:   config,
		index:    index,
		store:    store,
		degraded: degraded,
		out:      make(chan *Candidate, config.OutputBuffer),
		recent:   make([]*Candidate, config.RecentRingSize),
	}
}

// Candidates returns the detector output channel.
func (d *Detector) Candidates() <-chan *Candidate {
	return d.out
}

// Run consumes change notices until the channel closes or ctx is cancelled.
// Candidates are emitted in notice order; ties within one notice are broken
// by ascending cycle id.
func (d *Detector) Run(ctx context.Context, notices <-chan solana.Pubkey) error {
	defer close(d.out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pool, ok := <-notices:
			if !ok {
				return nil
			}
			d.onChange(pool)
		}
	}
}

func (d *Detector) onChange(pool solana.Pubkey) {
	if d.config.MaxVolatility > 0 {
		if vol := d.microVolatility(pool); vol > d.config.MaxVolatility {
			d.skipped.Add(1)
			return
		}
	}

	for _, cycle := range d.index.CyclesFor(pool) {
		d.evaluated.Add(1)
		cand := d.evaluate(cycle, pool)
		if cand == nil {
			continue
		}
		select {
		case d.out <- cand:
			d.emitted.Add(1)
			d.remember(cand)
		default:
			// Solver saturated: drop the oldest candidate for the newest.
			select {
			case <-d.out:
				d.dropped.Add(1)
			default:
			}
			select {
			case d.out <- cand:
				d.emitted.Add(1)
				d.remember(cand)
			default:
				d.dropped.Add(1)
			}
		}
	}
}

// evaluate runs the cheap price-ratio pre-filter: the product of spot mid
// prices around the cycle must exceed 1 by the configured threshold. The
// profitable traversal direction is whichever product is > 1.
func (d *Detector) evaluate(cycle *Cycle, trigger solana.Pubkey) *Candidate {
	snaps := make([]*dex.Snapshot, len(cycle.Hops))
	product := 1.0
	for i, hop := range cycle.Hops {
		snap, ok := d.store.Get(hop.Pool)
		if !ok {
			return nil // a leg has no snapshot yet
		}
		if d.config.DropOnDegraded && d.degraded(snap.Venue) {
			d.skipped.Add(1)
			return nil
		}
		mid := snap.MidPrice()
		if mid <= 0 {
			return nil
		}
		if hop.AToB {
			product *= mid
		} else {
			product /= mid
		}
		snaps[i] = snap
	}

	threshold := 1.0 + float64(d.config.ThresholdBps)/10_000
	var hops []Hop
	var edge float64
	switch {
	case product > threshold:
		hops = cycle.Hops
		edge = product - 1
	case product > 0 && 1/product > threshold:
		hops = reverseHops(cycle.Hops)
		edge = 1/product - 1
	default:
		return nil
	}

	return &Candidate{
		Cycle:      cycle.ID,
		Hops:       hops,
		Snapshots:  orderSnapshots(snaps, cycle.Hops, hops),
		Trigger:    trigger,
		EdgeBps:    uint32(edge * 10_000),
		DetectedAt: time.Now(),
	}
}

// microVolatility measures log mid-price dispersion over the pool's
// snapshot ring. Float math is fine here: this feeds filtering and
// confidence only, never routing.
func (d *Detector) microVolatility(pool solana.Pubkey) float64 {
	history := d.store.History(pool)
	if len(history) < 2 {
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

func (d *Detector) remember(c *Candidate) {
	d.recentMu.Lock()
	d.recent[d.recentAt%len(d.recent)] = c
	d.recentAt++
	d.recentMu.Unlock()
}

// Recent returns recently emitted candidates, newest first.
func (d *Detector) Recent() []*Candidate {
	d.recentMu.Lock()
	defer d.recentMu.Unlock()
	out := make([]*Candidate, 0, len(d.recent))
	for i := 1; i <= len(d.recent); i++ {
		c := d.recent[(d.recentAt-i+len(d.recent)*2)%len(d.recent)]
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Metrics returns detector counters.
func (d *Detector) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"cycles_indexed":   d.index.Size(),
		"evaluated_total":  d.evaluated.Load(),
		"emitted_total":    d.emitted.Load(),
		"skipped_total":    d.skipped.Load(),
		"dropped_total":    d.dropped.Load(),
	}
}

// reverseHops flips a cycle's traversal direction.
func reverseHops(hops []Hop) []Hop {
	out := make([]Hop, len(hops))
	for i, h := range hops {
		out[len(hops)-1-i] = Hop{Pool: h.Pool, AToB: !h.AToB}
	}
	return out
}

// orderSnapshots aligns pinned snapshots with the chosen traversal order.
func orderSnapshots(snaps []*dex.Snapshot, original, chosen []Hop) []*dex.Snapshot {
	if len(original) != len(chosen) {
		log.Panic().Msg("detector: hop count mismatch")
	}
	out := make([]*dex.Snapshot, len(chosen))
	for i, h := range chosen {
		for j, o := range original {
			if o.Pool == h.Pool {
				out[i] = snaps[j]
				break
			}
		}
	}
	return out
}
