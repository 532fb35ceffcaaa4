package solver

import (
	"context"
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vortex-trading/vortex/internal/detector"
	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/market"
	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Route Solver — size search, exact quoting, profit floor
// ---------------------------------------------------------------------------

// MaxProbes caps the sizing search regardless of convergence.
const MaxProbes = 24

// FlashLoanFeeBps is the flash-loan provider fee on the borrowed amount.
const FlashLoanFeeBps = 30

var (
	// ErrStale signals that a pinned snapshot advanced before solving.
	ErrStale = errors.New("solver: pinned snapshot advanced")
	// ErrUnprofitable signals that no input size clears the profit floor.
	ErrUnprofitable = errors.New("solver: no profitable size")
)

// Route is a fully quoted, sized path through specific pool snapshots.
// Solving the same (candidate, snapshots) twice yields an identical route.
type Route struct {
	Candidate   *detector.Candidate
	InputMint   solana.Pubkey
	AmountIn    uint64
	ExpectedOut uint64 // in input-token terms; the cycle returns to InputMint

	HopQuotes []dex.Quote

	GrossProfit  int64 // ExpectedOut - AmountIn, input base units
	NetProfit    int64 // after venue fees, gas, and flash-loan fee
	NetProfitUSD decimal.Decimal

	RequiresFlashLoan bool
	Confidence        float64
	SolvedAt          time.Time
}

// Pools returns the route's pool ids in hop order.
func (r *Route) Pools() []solana.Pubkey {
	out := make([]solana.Pubkey, len(r.Candidate.Hops))
	for i, h := range r.Candidate.Hops {
		out[i] = h.Pool
	}
	return out
}

// Config configures the solver. All USD thresholds are applied through the
// reference pricing table; routing arithmetic never leaves base units.
type Config struct {
	MinProfitUSD   decimal.Decimal `yaml:"min_profit_usd"`
	MinProfitBps   uint32          `yaml:"min_profit_bps"`
	MaxSlippageBps uint32          `yaml:"max_slippage_bps"`
	MaxPositionUSD decimal.Decimal `yaml:"max_position_usd"`
	MinNotionalUSD decimal.Decimal `yaml:"min_notional_usd"`

	GasLamports   uint64        `yaml:"gas_lamports"` // estimated per-bundle gas
	OverlapWindow time.Duration `yaml:"overlap_window"`

	Confidence ConfidenceWeights `yaml:"confidence"`
}

// DefaultConfig returns solver defaults.
func DefaultConfig() Config {
	return Config{
		MinProfitUSD:   decimal.NewFromFloat(1.0),
		MinProfitBps:   5,
		MaxSlippageBps: 100,
		MaxPositionUSD: decimal.NewFromInt(10_000),
		MinNotionalUSD: decimal.NewFromInt(10),
		GasLamports:    200_000,
		OverlapWindow:  400 * time.Millisecond,
		Confidence:     DefaultConfidenceWeights(),
	}
}

// RefPricer converts token base units to USD. Profit-floor comparisons
// only; never part of routing arithmetic.
type RefPricer interface {
	// USDPerUnit returns the USD value of one base unit of the mint.
	USDPerUnit(mint solana.Pubkey) (decimal.Decimal, bool)
}

// InventoryFunc returns owned base units of a mint; sizes above it need a
// flash loan.
type InventoryFunc func(mint solana.Pubkey) uint64

// Solver expands candidates into concrete routes.
type Solver struct {
	config    Config
	store     *market.Store
	registry  *dex.Registry
	pricer    RefPricer
	inventory InventoryFunc
	degraded  detector.DegradedFunc

	out chan *Route

	overlapMu sync.Mutex
	overlap   map[solana.Pubkey]overlapEntry
	heldOnce  map[uint32]bool

	// Stats.
	solved       atomic.Int64
	staleDrops   atomic.Int64
	unprofitable atomic.Int64
	rejected     atomic.Int64
}

type overlapEntry struct {
	netProfit int64
	at        time.Time
}

// New creates a solver.
func New(config Config, store *market.Store, registry *dex.Registry, pricer RefPricer, inventory InventoryFunc, degraded detector.DegradedFunc) *Solver {
	if config.OverlapWindow <= 0 {
		config.OverlapWindow = 400 * time.Millisecond
	}
	if inventory == nil {
		inventory = func(solana.Pubkey) uint64 { return 0 }
	}
	if degraded == nil {
		degraded = func(string) bool { return false }
	}
	return &Solver{
		config:    config,
		store:     store,
		registry:  registry,
		pricer:    pricer,
		inventory: inventory,
		degraded:  degraded,
		out:       make(chan *Route, 256),
		overlap:   make(map[solana.Pubkey]overlapEntry),
		heldOnce:  make(map[uint32]bool),
	}
}

// Routes returns the solver output channel.
func (s *Solver) Routes() <-chan *Route {
	return s.out
}

// Run consumes candidates until the channel closes or ctx is cancelled.
func (s *Solver) Run(ctx context.Context, candidates <-chan *detector.Candidate) error {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cand, ok := <-candidates:
			if !ok {
				return nil
			}
			route, err := s.Solve(cand)
			if err != nil {
				continue
			}
			if !s.admitOverlap(route) {
				s.rejected.Add(1)
				continue
			}
			select {
			case s.out <- route:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Solve sizes and prices one candidate. Pure given the pinned snapshots;
// returns ErrStale when any pinned sequence has advanced, in which case the
// detector will re-emit on the next change.
func (s *Solver) Solve(cand *detector.Candidate) (*Route, error) {
	// The route cites exact (pool, sequence) pairs; verify none advanced.
	for _, snap := range cand.Snapshots {
		latest, ok := s.store.Get(snap.Pool)
		if !ok || latest.Sequence != snap.Sequence {
			s.staleDrops.Add(1)
			return nil, ErrStale
		}
	}

	inputMint := cand.Snapshots[0].TokenA
	if !cand.Hops[0].AToB {
		inputMint = cand.Snapshots[0].TokenB
	}

	usdPerUnit, ok := s.pricer.USDPerUnit(inputMint)
	if !ok || usdPerUnit.IsZero() {
		return nil, ErrUnprofitable
	}

	lo := usdToUnits(s.config.MinNotionalUSD, usdPerUnit)
	hi := usdToUnits(s.config.MaxPositionUSD, usdPerUnit)
	if depth := liquidityCap(cand.Snapshots[0], cand.Hops[0].AToB); depth < hi {
		hi = depth
	}
	if lo == 0 {
		lo = 1
	}
	if hi <= lo {
		return nil, ErrUnprofitable
	}

	gasUnits := s.gasInInputUnits(inputMint, usdPerUnit)
	inventoryUnits := s.inventory(inputMint)

	// Net profit is unimodal in input size under the supported curves:
	// ternary search with a hard probe cap.
	best, bestNet := s.searchSize(cand, inputMint, lo, hi, gasUnits, inventoryUnits)
	if best == 0 {
		s.unprofitable.Add(1)
		return nil, ErrUnprofitable
	}

	out, quotes, err := s.quoteChain(cand, inputMint, best)
	if err != nil {
		s.unprofitable.Add(1)
		return nil, ErrUnprofitable
	}

	// Per-hop slippage ceiling.
	for _, q := range quotes {
		if q.PriceImpactBps > s.config.MaxSlippageBps {
			s.rejected.Add(1)
			return nil, ErrUnprofitable
		}
	}

	netUSD := usdPerUnit.Mul(decimal.NewFromInt(bestNet))

	// The profit floor is strict: profit equal to the floor is rejected.
	floorUnits := int64(usdToUnits(s.config.MinProfitUSD, usdPerUnit))
	bpsFloor, _ := mulDiv(best, uint64(s.config.MinProfitBps), 10_000)
	if int64(bpsFloor) > floorUnits {
		floorUnits = int64(bpsFloor)
	}
	if bestNet <= floorUnits {
		s.unprofitable.Add(1)
		return nil, ErrUnprofitable
	}

	route := &Route{
		Candidate:         cand,
		InputMint:         inputMint,
		AmountIn:          best,
		ExpectedOut:       out,
		HopQuotes:         quotes,
		GrossProfit:       int64(out) - int64(best),
		NetProfit:         bestNet,
		NetProfitUSD:      netUSD,
		RequiresFlashLoan: best > inventoryUnits,
		SolvedAt:          time.Now(),
	}
	route.Confidence = s.confidence(cand)
	s.solved.Add(1)

	log.Debug().
		Uint32("cycle", cand.Cycle).
		Uint64("amount_in", best).
		Int64("net_profit", bestNet).
		Float64("confidence", route.Confidence).
		Msg("solver: route found")
	return route, nil
}

// searchSize runs a bounded ternary search for the net-profit argmax.
func (s *Solver) searchSize(cand *detector.Candidate, inputMint solana.Pubkey, lo, hi, gasUnits, inventoryUnits uint64) (uint64, int64) {
	probes := 0
	eval := func(x uint64) int64 {
		probes++
		return s.netAt(cand, inputMint, x, gasUnits, inventoryUnits)
	}

	var best uint64
	bestNet := int64(-1 << 62)
	consider := func(x uint64, net int64) {
		if net > bestNet {
			best, bestNet = x, net
		}
	}

	for hi-lo > 2 && probes+2 <= MaxProbes {
		m1 := lo + (hi-lo)/3
		m2 := hi - (hi-lo)/3
		n1, n2 := eval(m1), eval(m2)
		consider(m1, n1)
		consider(m2, n2)
		if n1 < n2 {
			lo = m1 + 1
		} else {
			hi = m2 - 1
		}
	}
	for x := lo; x <= hi && probes < MaxProbes; x++ {
		consider(x, eval(x))
	}

	if bestNet <= 0 {
		return 0, 0
	}
	return best, bestNet
}

// netAt computes net profit at one input size, in input base units:
// expected output minus input, gas, and the flash-loan fee when the size
// exceeds inventory. Venue fees are already inside the quotes.
func (s *Solver) netAt(cand *detector.Candidate, inputMint solana.Pubkey, x, gasUnits, inventoryUnits uint64) int64 {
	out, _, err := s.quoteChain(cand, inputMint, x)
	if err != nil {
		return -1 << 62
	}
	net := int64(out) - int64(x) - int64(gasUnits)
	if x > inventoryUnits {
		fee, _ := mulDiv(x, FlashLoanFeeBps, 10_000)
		net -= int64(fee)
	}
	return net
}

// quoteChain runs the hop chain on the pinned snapshots.
func (s *Solver) quoteChain(cand *detector.Candidate, inputMint solana.Pubkey, amountIn uint64) (uint64, []dex.Quote, error) {
	quotes := make([]dex.Quote, len(cand.Hops))
	mint := inputMint
	amount := amountIn
	for i, hop := range cand.Hops {
		snap := cand.Snapshots[i]
		adapter, err := s.registry.Get(snap.Venue)
		if err != nil {
			return 0, nil, err
		}
		q, err := adapter.QuoteExactIn(snap, mint, amount)
		if err != nil {
			return 0, nil, err
		}
		quotes[i] = q
		amount = q.AmountOut
		if hop.AToB {
			mint = snap.TokenB
		} else {
			mint = snap.TokenA
		}
	}
	if mint != inputMint {
		return 0, nil, dex.ErrUnsupported // cycle must return to its input
	}
	return amount, quotes, nil
}

// admitOverlap applies the overlapping-pool tie-break: when two live routes
// share a pool, the higher expected net profit wins; the loser is held for
// one cycle and then dropped.
func (s *Solver) admitOverlap(r *Route) bool {
	now := time.Now()
	s.overlapMu.Lock()
	defer s.overlapMu.Unlock()

	blocked := false
	for _, pool := range r.Pools() {
		if e, ok := s.overlap[pool]; ok && now.Sub(e.at) < s.config.OverlapWindow && e.netProfit >= r.NetProfit {
			blocked = true
			break
		}
	}
	if blocked {
		if s.heldOnce[r.Candidate.Cycle] {
			delete(s.heldOnce, r.Candidate.Cycle)
			return false // already held one cycle: drop
		}
		s.heldOnce[r.Candidate.Cycle] = true
		return false
	}

	delete(s.heldOnce, r.Candidate.Cycle)
	for _, pool := range r.Pools() {
		s.overlap[pool] = overlapEntry{netProfit: r.NetProfit, at: now}
	}
	return true
}

func (s *Solver) gasInInputUnits(mint solana.Pubkey, usdPerUnit decimal.Decimal) uint64 {
	solUSD, ok := s.pricer.USDPerUnit(solana.SOLMint)
	if !ok {
		return 0
	}
	gasUSD := solUSD.Mul(decimal.NewFromInt(int64(s.config.GasLamports)))
	return usdToUnits(gasUSD, usdPerUnit)
}

// Metrics returns solver counters.
func (s *Solver) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"solved_total":       s.solved.Load(),
		"stale_drops_total":  s.staleDrops.Load(),
		"unprofitable_total": s.unprofitable.Load(),
		"rejected_total":     s.rejected.Load(),
	}
}

// liquidityCap bounds the search to what the first hop can plausibly
// absorb.
func liquidityCap(snap *dex.Snapshot, aToB bool) uint64 {
	switch snap.Curve {
	case dex.CurveConstantProduct:
		if aToB {
			return snap.ReserveA / 2
		}
		return snap.ReserveB / 2
	case dex.CurveConcentrated:
		// One tick segment's worth of depth, expressed in input units.
		return snap.Liquidity
	case dex.CurveBins:
		var total uint64
		for _, b := range snap.Bins {
			if aToB {
				total += b.ReserveB
			} else {
				total += b.ReserveA
			}
		}
		return total
	default:
		return 0
	}
}

// usdToUnits converts a USD amount to base units at the reference price,
// truncating.
func usdToUnits(usd, usdPerUnit decimal.Decimal) uint64 {
	if usdPerUnit.IsZero() {
		return 0
	}
	units := usd.Div(usdPerUnit).Floor()
	if units.IsNegative() {
		return 0
	}
	u := units.BigInt()
	if !u.IsUint64() {
		return 1 << 62
	}
	return u.Uint64()
}

// mulDiv mirrors the adapters' 128-bit intermediate multiply-divide.
func mulDiv(a, b, den uint64) (uint64, bool) {
	if den == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, true
}
