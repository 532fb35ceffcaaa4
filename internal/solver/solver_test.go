package solver

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortex-trading/vortex/internal/detector"
	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/market"
	"github.com/vortex-trading/vortex/internal/solana"
)

func testPubkey(b byte) solana.Pubkey {
	var pk solana.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

var (
	mintX = testPubkey(100)
	mintY = testPubkey(101)
)

type staticPricer struct {
	prices map[solana.Pubkey]decimal.Decimal
}

func (p *staticPricer) USDPerUnit(mint solana.Pubkey) (decimal.Decimal, bool) {
	v, ok := p.prices[mint]
	return v, ok
}

func cpPool(id byte, venue string, feeBps uint16) *dex.Pool {
	return &dex.Pool{
		ID:     testPubkey(id),
		Venue:  venue,
		TokenA: mintX,
		TokenB: mintY,
		FeeBps: feeBps,
	}
}

func cpSnap(p *dex.Pool, seq, reserveA, reserveB uint64) *dex.Snapshot {
	return &dex.Snapshot{
		Pool: p.ID, Venue: p.Venue, Curve: dex.CurveConstantProduct,
		TokenA: p.TokenA, TokenB: p.TokenB, FeeBps: p.FeeBps,
		Sequence: seq, ReserveA: reserveA, ReserveB: reserveB,
	}
}

// twoHopFixture builds the cross-venue setup: pool A holds 1,000 X /
// 200,000 Y at 25 bps, pool B holds 1,200 X / 250,000 Y at 30 bps. The
// profitable direction sells X into B and buys it back from A.
func twoHopFixture(t *testing.T) (*Solver, *market.Store, *detector.Candidate, *dex.Pool, *dex.Pool) {
	t.Helper()
	store := market.NewStore()
	registry := dex.NewRegistry()
	registry.Register(dex.NewConstProductAdapter("raydium"))
	registry.Register(dex.NewConstProductAdapter("orca"))

	a := cpPool(1, "raydium", 25)
	b := cpPool(2, "orca", 30)
	store.RegisterPool(a)
	store.RegisterPool(b)

	// 6-decimal base units: 1,000 X and 200,000 Y whole tokens.
	snapA := cpSnap(a, 42, 1_000_000_000, 200_000_000_000)
	snapB := cpSnap(b, 17, 1_200_000_000, 250_000_000_000)
	require.Equal(t, market.Applied, store.Apply(snapA))
	require.Equal(t, market.Applied, store.Apply(snapB))

	cand := &detector.Candidate{
		Cycle: 1,
		Hops: []detector.Hop{
			{Pool: b.ID, AToB: true},  // X -> Y on B at ~208
			{Pool: a.ID, AToB: false}, // Y -> X on A at ~200
		},
		Snapshots:  []*dex.Snapshot{snapB, snapA},
		Trigger:    a.ID,
		DetectedAt: time.Now(),
	}

	cfg := DefaultConfig()
	cfg.MinProfitUSD = decimal.NewFromFloat(0.05)
	cfg.MinProfitBps = 0
	cfg.MaxSlippageBps = 2_000
	cfg.MaxPositionUSD = decimal.NewFromInt(100) // search range [1, 100] whole X
	cfg.MinNotionalUSD = decimal.NewFromInt(1)
	cfg.GasLamports = 0

	pricer := &staticPricer{prices: map[solana.Pubkey]decimal.Decimal{
		mintX: decimal.New(1, -6), // 1 USD per whole token, 6 decimals
	}}
	s := New(cfg, store, registry, pricer, nil, nil)
	return s, store, cand, a, b
}

func TestSolveTwoHopCrossVenueProfit(t *testing.T) {
	s, _, cand, _, _ := twoHopFixture(t)

	route, err := s.Solve(cand)
	require.NoError(t, err)

	assert.Equal(t, mintX, route.InputMint)
	assert.GreaterOrEqual(t, route.AmountIn, uint64(1_000_000))
	assert.LessOrEqual(t, route.AmountIn, uint64(100_000_000))
	assert.Greater(t, route.NetProfit, int64(0))
	assert.Greater(t, route.ExpectedOut, route.AmountIn)
	assert.Len(t, route.HopQuotes, 2)
	assert.True(t, route.NetProfitUSD.GreaterThan(decimal.Zero))
}

func TestSolveIsDeterministic(t *testing.T) {
	s, _, cand, _, _ := twoHopFixture(t)

	r1, err := s.Solve(cand)
	require.NoError(t, err)
	r2, err := s.Solve(cand)
	require.NoError(t, err)

	assert.Equal(t, r1.AmountIn, r2.AmountIn)
	assert.Equal(t, r1.ExpectedOut, r2.ExpectedOut)
	assert.Equal(t, r1.NetProfit, r2.NetProfit)
	assert.Equal(t, r1.HopQuotes, r2.HopQuotes)
}

func TestSolveDropsStaleCandidate(t *testing.T) {
	s, store, cand, a, _ := twoHopFixture(t)

	// Pool A advances past the pinned sequence before solving.
	require.Equal(t, market.Applied, store.Apply(cpSnap(a, 43, 1_001_000_000, 199_900_000_000)))

	_, err := s.Solve(cand)
	assert.ErrorIs(t, err, ErrStale)
}

func TestSolveProfitAtFloorIsRejected(t *testing.T) {
	s, _, cand, _, _ := twoHopFixture(t)

	// Find the actual profit, then set the floor exactly there: strict
	// inequality must reject.
	route, err := s.Solve(cand)
	require.NoError(t, err)

	s.config.MinProfitUSD = route.NetProfitUSD
	_, err = s.Solve(cand)
	assert.ErrorIs(t, err, ErrUnprofitable)
}

func TestSolveRejectsExcessiveSlippage(t *testing.T) {
	s, _, cand, _, _ := twoHopFixture(t)
	s.config.MaxSlippageBps = 1 // nothing passes

	_, err := s.Solve(cand)
	assert.ErrorIs(t, err, ErrUnprofitable)
}

func TestSolveUnprofitableDirection(t *testing.T) {
	s, _, cand, _, _ := twoHopFixture(t)

	// Reverse the traversal: buy where expensive, sell where cheap.
	cand.Hops[0], cand.Hops[1] = detector.Hop{Pool: cand.Hops[1].Pool, AToB: true}, detector.Hop{Pool: cand.Hops[0].Pool, AToB: false}
	cand.Snapshots[0], cand.Snapshots[1] = cand.Snapshots[1], cand.Snapshots[0]

	_, err := s.Solve(cand)
	assert.ErrorIs(t, err, ErrUnprofitable)
}

func TestSolveFlashLoanTagging(t *testing.T) {
	s, _, cand, _, _ := twoHopFixture(t)

	// No inventory: any size requires the flash loan and pays its fee.
	route, err := s.Solve(cand)
	require.NoError(t, err)
	assert.True(t, route.RequiresFlashLoan)

	// Deep inventory: no flash loan, strictly better net.
	s.inventory = func(mint solana.Pubkey) uint64 { return 1 << 40 }
	richer, err := s.Solve(cand)
	require.NoError(t, err)
	assert.False(t, richer.RequiresFlashLoan)
	assert.GreaterOrEqual(t, richer.NetProfit, route.NetProfit)
}

func TestOverlapTieBreak(t *testing.T) {
	s, _, cand, _, _ := twoHopFixture(t)

	route, err := s.Solve(cand)
	require.NoError(t, err)
	require.True(t, s.admitOverlap(route))

	// A second route over the same pools with lower profit is held, then
	// dropped on its second attempt.
	worse := *route
	worse.NetProfit = route.NetProfit - 1
	worseCand := *cand
	worseCand.Cycle = 99
	worse.Candidate = &worseCand

	assert.False(t, s.admitOverlap(&worse)) // held one cycle
	assert.False(t, s.admitOverlap(&worse)) // dropped

	// A better route wins immediately.
	better := *route
	better.NetProfit = route.NetProfit + 1
	betterCand := *cand
	betterCand.Cycle = 100
	better.Candidate = &betterCand
	assert.True(t, s.admitOverlap(&better))
}
