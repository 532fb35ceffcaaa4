package riskgate

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortex-trading/vortex/internal/bus"
	"github.com/vortex-trading/vortex/internal/detector"
	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/sink"
	"github.com/vortex-trading/vortex/internal/solana"
	"github.com/vortex-trading/vortex/internal/solver"
)

func testPubkey(b byte) solana.Pubkey {
	var pk solana.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func testRoute(cycle uint32, venue string, netUSD float64) *solver.Route {
	snap := &dex.Snapshot{
		Pool:   testPubkey(byte(cycle)),
		Venue:  venue,
		TokenA: testPubkey(100),
		TokenB: testPubkey(101),
	}
	return &solver.Route{
		Candidate: &detector.Candidate{
			Cycle: cycle,
			Hops: []detector.Hop{
				{Pool: snap.Pool, AToB: true},
				{Pool: snap.Pool, AToB: false},
			},
			Snapshots: []*dex.Snapshot{snap, snap},
		},
		InputMint:    testPubkey(100),
		AmountIn:     1_000_000,
		ExpectedOut:  1_010_000,
		NetProfit:    10_000,
		NetProfitUSD: decimal.NewFromFloat(netUSD),
		Confidence:   0.9,
		SolvedAt:     time.Now(),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxPositionUSD = decimal.NewFromInt(1_000)
	cfg.DailyLossLimitUSD = decimal.NewFromInt(100)
	cfg.FailureThreshold = 3
	cfg.Cooldown = 60 * time.Second
	cfg.FailureWindow = 30 * time.Second
	cfg.MinConfidence = 0.3
	cfg.KellyFractionCap = 1.0
	cfg.KellyWinRate = 0.99 // effectively disable the Kelly clamp here
	return cfg
}

// startGate runs the actor and returns a cancel func.
func startGate(t *testing.T, cfg Config, s bus.Sink) (*Gate, context.Context, context.CancelFunc) {
	t.Helper()
	g := New(cfg, s)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Run(ctx) }()
	return g, ctx, cancel
}

func TestGateAcceptsValidPlan(t *testing.T) {
	mem := sink.NewMemory()
	ch := sink.NewChannel(mem, 16)
	g, ctx, cancel := startGate(t, testConfig(), ch)
	defer cancel()

	d, err := g.Submit(ctx, testRoute(1, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, RuleAccepted, d.RuleID)
	require.NotNil(t, d.Plan)
	assert.NotEmpty(t, d.Plan.ID)

	st, err := g.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.InflightPlans)
	assert.Equal(t, StateNormal, st.State)
}

func TestGateDuplicateFingerprint(t *testing.T) {
	g, ctx, cancel := startGate(t, testConfig(), nil)
	defer cancel()

	route := testRoute(1, "raydium", 5)
	deadline := time.Now().Add(time.Second)

	d1, err := g.Submit(ctx, route, deadline, 0)
	require.NoError(t, err)
	require.True(t, d1.Accepted)

	// The same opportunity again within the deadline window.
	d2, err := g.Submit(ctx, route, deadline, 0)
	require.NoError(t, err)
	assert.False(t, d2.Accepted)
	assert.Equal(t, RuleDuplicateFingerprint, d2.RuleID)

	// Releasing the fingerprint admits it again.
	g.ReportOutcome(d1.Plan.Fingerprint, d1.Plan.Venues(), bus.StatusConfirmed, decimal.NewFromInt(1))
	require.Eventually(t, func() bool {
		st, err := g.StatusSnapshot(ctx)
		return err == nil && st.InflightPlans == 0
	}, time.Second, 5*time.Millisecond)

	d3, err := g.Submit(ctx, route, deadline, 0)
	require.NoError(t, err)
	assert.True(t, d3.Accepted)
}

func TestGateHaltedRejectsAll(t *testing.T) {
	g, ctx, cancel := startGate(t, testConfig(), nil)
	defer cancel()

	g.Halt()
	d, err := g.Submit(ctx, testRoute(1, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, RuleHalted, d.RuleID)

	g.Resume()
	d, err = g.Submit(ctx, testRoute(1, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestGateCapitalCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPlans = 1
	g, ctx, cancel := startGate(t, cfg, nil)
	defer cancel()

	d1, err := g.Submit(ctx, testRoute(1, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	require.True(t, d1.Accepted)

	d2, err := g.Submit(ctx, testRoute(2, "orca", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.False(t, d2.Accepted)
	assert.Equal(t, RuleCapitalCeiling, d2.RuleID)
}

func TestGateKellyClampReducesCommitment(t *testing.T) {
	cfg := testConfig()
	cfg.KellyWinRate = 0.99
	cfg.KellyFractionCap = 0.05 // cap = 1000 * 0.05 = 50 USD
	g, ctx, cancel := startGate(t, cfg, nil)
	defer cancel()

	// The route's own notional is ~500 USD; the Kelly clamp sizes the
	// commitment down instead of rejecting the plan.
	d, err := g.Submit(ctx, testRoute(1, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.Equal(t, RuleAccepted, d.RuleID)
	assert.True(t, d.Plan.CommittedUSD.Equal(decimal.NewFromInt(50)),
		"committed %s", d.Plan.CommittedUSD)
	assert.Contains(t, d.Plan.RiskTags, "kelly_capped")

	st, err := g.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, st.CommittedUSD.Equal(decimal.NewFromInt(50)))

	// Releasing the plan returns exactly the clamped commitment.
	g.ReportOutcome(d.Plan.Fingerprint, d.Plan.Venues(), bus.StatusConfirmed, decimal.Zero)
	require.Eventually(t, func() bool {
		st, err := g.StatusSnapshot(ctx)
		return err == nil && st.CommittedUSD.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestGateLowConfidence(t *testing.T) {
	g, ctx, cancel := startGate(t, testConfig(), nil)
	defer cancel()

	route := testRoute(1, "raydium", 5)
	route.Confidence = 0.1
	d, err := g.Submit(ctx, route, time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, RuleLowConfidence, d.RuleID)
}

func TestGateVenueThrottleTripAndRecover(t *testing.T) {
	g, ctx, cancel := startGate(t, testConfig(), nil)
	defer cancel()

	// Three consecutive execution failures on venue V within the window.
	for i := 0; i < 3; i++ {
		d, err := g.Submit(ctx, testRoute(uint32(10+i), "raydium", 5), time.Now().Add(time.Second), 0)
		require.NoError(t, err)
		require.True(t, d.Accepted)
		g.ReportOutcome(d.Plan.Fingerprint, d.Plan.Venues(), bus.StatusFailed, decimal.NewFromInt(-1))
	}

	require.Eventually(t, func() bool {
		st, err := g.StatusSnapshot(ctx)
		return err == nil && len(st.ThrottledVenues) == 1
	}, time.Second, 5*time.Millisecond)

	// Plans using the throttled venue are rejected with venue_throttled.
	d, err := g.Submit(ctx, testRoute(20, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, RuleVenueThrottled, d.RuleID)

	// Other venues still pass.
	d, err = g.Submit(ctx, testRoute(21, "orca", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	// After the cooldown, one success anywhere clears the throttle.
	g.ReportOutcome(d.Plan.Fingerprint, d.Plan.Venues(), bus.StatusConfirmed, decimal.NewFromInt(1))
	// Cooldown has not elapsed yet: still throttled.
	st, err := g.StatusSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, st.ThrottledVenues, 1)
}

func TestGateVenueThrottleCooldownElapsed(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 10 * time.Millisecond
	g, ctx, cancel := startGate(t, cfg, nil)
	defer cancel()

	for i := 0; i < 3; i++ {
		d, err := g.Submit(ctx, testRoute(uint32(10+i), "raydium", 5), time.Now().Add(time.Second), 0)
		require.NoError(t, err)
		require.True(t, d.Accepted)
		g.ReportOutcome(d.Plan.Fingerprint, d.Plan.Venues(), bus.StatusFailed, decimal.NewFromInt(-1))
	}
	require.Eventually(t, func() bool {
		st, err := g.StatusSnapshot(ctx)
		return err == nil && len(st.ThrottledVenues) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	// Cooldown elapsed + one successful execution anywhere -> Normal.
	d, err := g.Submit(ctx, testRoute(30, "orca", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	require.True(t, d.Accepted)
	g.ReportOutcome(d.Plan.Fingerprint, d.Plan.Venues(), bus.StatusConfirmed, decimal.NewFromInt(1))

	require.Eventually(t, func() bool {
		st, err := g.StatusSnapshot(ctx)
		return err == nil && len(st.ThrottledVenues) == 0 && st.State == StateNormal
	}, time.Second, 5*time.Millisecond)

	d, err = g.Submit(ctx, testRoute(31, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestGateDailyLossHalts(t *testing.T) {
	g, ctx, cancel := startGate(t, testConfig(), nil)
	defer cancel()

	d, err := g.Submit(ctx, testRoute(1, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	require.True(t, d.Accepted)

	// Realized loss beyond the limit halts the gate (manual reset only).
	g.ReportOutcome(d.Plan.Fingerprint, d.Plan.Venues(), bus.StatusFailed, decimal.NewFromInt(-150))
	require.Eventually(t, func() bool {
		st, err := g.StatusSnapshot(ctx)
		return err == nil && st.State == StateHalted
	}, time.Second, 5*time.Millisecond)

	d, err = g.Submit(ctx, testRoute(2, "orca", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, RuleHalted, d.RuleID)
}

func TestGateRejectionEmitsOutcome(t *testing.T) {
	mem := sink.NewMemory()
	g, ctx, cancel := startGate(t, testConfig(), directSink{mem})
	defer cancel()

	g.Halt()
	_, err := g.Submit(ctx, testRoute(1, "raydium", 5), time.Now().Add(time.Second), 0)
	require.NoError(t, err)

	outcomes := mem.All()
	require.Len(t, outcomes, 1)
	assert.Equal(t, bus.StatusRejected, outcomes[0].Status)
	assert.Equal(t, RuleHalted, outcomes[0].RuleID)
	assert.Equal(t, bus.ErrorRiskRejected, outcomes[0].ErrorCategory)
}

// directSink writes synchronously, bypassing the channel buffer.
type directSink struct{ mem *sink.Memory }

func (d directSink) Emit(o bus.ExecutionOutcome) {
	_ = d.mem.Write(context.Background(), o)
}

func TestFingerprintProperties(t *testing.T) {
	route := testRoute(1, "raydium", 5)
	deadline := time.Now().Add(time.Second)

	f1 := FingerprintOf(route, deadline)
	f2 := FingerprintOf(route, deadline)
	assert.Equal(t, f1, f2)

	// A different size bucket changes the fingerprint.
	bigger := testRoute(1, "raydium", 5)
	bigger.AmountIn = route.AmountIn * 4
	assert.NotEqual(t, f1, FingerprintOf(bigger, deadline))

	// A deadline in a different window changes the fingerprint.
	assert.NotEqual(t, f1, FingerprintOf(route, deadline.Add(10*time.Second)))

	// A different hop order changes the fingerprint.
	reversed := testRoute(1, "raydium", 5)
	reversed.Candidate.Hops[0], reversed.Candidate.Hops[1] = reversed.Candidate.Hops[1], reversed.Candidate.Hops[0]
	assert.NotEqual(t, f1, FingerprintOf(reversed, deadline))
}
