package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vortex-trading/vortex/internal/bus"
	"github.com/vortex-trading/vortex/internal/config"
	"github.com/vortex-trading/vortex/internal/detector"
	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/executor"
	"github.com/vortex-trading/vortex/internal/ingest"
	"github.com/vortex-trading/vortex/internal/market"
	"github.com/vortex-trading/vortex/internal/observability"
	"github.com/vortex-trading/vortex/internal/riskgate"
	"github.com/vortex-trading/vortex/internal/server"
	"github.com/vortex-trading/vortex/internal/sink"
	"github.com/vortex-trading/vortex/internal/solana"
	"github.com/vortex-trading/vortex/internal/solver"
)

// ErrStreamingFailed signals the stream died after exhausting reconnects;
// the process exits with code 3.
var ErrStreamingFailed = errors.New("app: streaming failed after max retries")

// App wires the pipeline: stream -> ingest -> store -> detector -> solver
// -> gate -> coordinator -> sink.
type App struct {
	cfg *config.Config

	store     *market.Store
	registry  *dex.Registry
	index     *detector.Index
	ingestor  *ingest.Ingestor
	stream    *solana.AccountStream
	detector  *detector.Detector
	solver    *solver.Solver
	gate      *riskgate.Gate
	coord     *executor.Coordinator
	outcomes  *sink.Channel
	ctrl      *server.Server
	health    *observability.HealthMonitor
	metrics   *observability.Metrics
	watchdogs map[string]*observability.StageWatchdog
}

// refPricer converts base units to USD from the configured reference
// pricing table.
type refPricer struct {
	perUnit map[solana.Pubkey]decimal.Decimal
}

func (p *refPricer) USDPerUnit(mint solana.Pubkey) (decimal.Decimal, bool) {
	v, ok := p.perUnit[mint]
	return v, ok
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:       cfg,
		store:     market.NewStore(),
		registry:  dex.NewRegistry(),
		index:     detector.NewIndex(),
		health:    observability.NewHealthMonitor(5 * time.Second),
		metrics:   observability.NewMetrics("vortex"),
		watchdogs: make(map[string]*observability.StageWatchdog),
	}

	// Venue adapters by configured curve kind.
	for name, v := range cfg.Venues {
		if !v.Enabled {
			continue
		}
		switch v.Curve {
		case "constant_product":
			a.registry.Register(dex.NewConstProductAdapter(name))
		case "concentrated":
			a.registry.Register(dex.NewConcentratedAdapter(name))
		case "bins":
			a.registry.Register(dex.NewBinAdapter(name))
		}
	}

	pools, err := parsePools(cfg.Pools)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		a.index.AddPool(p)
	}

	a.ingestor, err = ingest.New(ingest.DefaultConfig(), a.store, a.registry, pools)
	if err != nil {
		return nil, err
	}

	streamCfg := solana.DefaultStreamConfig()
	streamCfg.Endpoint = cfg.Streaming.Endpoint
	streamCfg.ReconnectMax = time.Duration(cfg.Streaming.ReconnectMaxMs) * time.Millisecond
	streamCfg.MaxReconnects = cfg.Streaming.MaxReconnects
	a.stream = solana.NewAccountStream(streamCfg, a.ingestor.Accounts())

	pricer, err := buildPricer(cfg.Tokens)
	if err != nil {
		return nil, err
	}

	detCfg := detector.DefaultConfig()
	detCfg.ThresholdBps = cfg.Trading.DetectThresholdBps
	detCfg.MaxVolatility = cfg.Trading.MaxVolatility
	detCfg.DropOnDegraded = *cfg.Trading.DropCandidatesDegraded
	a.detector = detector.New(detCfg, a.index, a.store, a.ingestor.Health().Degraded)

	solCfg := solver.DefaultConfig()
	solCfg.MinProfitUSD = cfg.Trading.MinProfitUSD
	solCfg.MinProfitBps = cfg.Trading.MinProfitBps
	solCfg.MaxSlippageBps = cfg.Trading.MaxSlippageBps
	solCfg.MaxPositionUSD = cfg.Trading.MaxPositionUSD
	solCfg.MinNotionalUSD = cfg.Trading.MinNotionalUSD
	if cfg.Trading.ConfidenceVolatility > 0 {
		solCfg.Confidence.Volatility = cfg.Trading.ConfidenceVolatility
	}
	if cfg.Trading.ConfidenceRouteLen > 0 {
		solCfg.Confidence.RouteLen = cfg.Trading.ConfidenceRouteLen
	}
	if cfg.Trading.ConfidenceDegraded > 0 {
		solCfg.Confidence.Degraded = cfg.Trading.ConfidenceDegraded
	}
	inventory := buildInventory(cfg.Wallet.Inventory)
	a.solver = solver.New(solCfg, a.store, a.registry, pricer, inventory, a.ingestor.Health().Degraded)

	// Outcome sink: ClickHouse in production, memory in dry runs.
	var writer sink.Writer
	if cfg.General.DryRun || cfg.Sink.ClickHouseDSN == "" {
		writer = sink.NewMemory()
	} else {
		chCfg := sink.DefaultClickHouseConfig()
		chCfg.DSN = cfg.Sink.ClickHouseDSN
		chCfg.BatchSize = cfg.Sink.BatchSize
		writer, err = sink.NewClickHouse(chCfg)
		if err != nil {
			return nil, err
		}
	}
	a.outcomes = sink.NewChannel(writer, cfg.Sink.Buffer)
	observed := &metricsSink{inner: a.outcomes, m: a.metrics}

	gateCfg := riskgate.DefaultConfig()
	gateCfg.MaxPositionUSD = cfg.Trading.MaxPositionUSD
	gateCfg.DailyLossLimitUSD = cfg.Risk.DailyLossLimitUSD
	gateCfg.MaxConcurrentPlans = cfg.Risk.MaxConcurrentPlans
	gateCfg.FailureThreshold = cfg.Risk.ConsecutiveFailureThreshold
	gateCfg.Cooldown = cfg.Cooldown()
	gateCfg.MinConfidence = cfg.Risk.MinConfidence
	gateCfg.KellyWinRate = cfg.Risk.KellyWinRate
	gateCfg.KellyFractionCap = cfg.Risk.KellyFractionCap
	a.gate = riskgate.New(gateCfg, observed)

	relayCfg := solana.DefaultRelayConfig()
	relayCfg.Endpoint = cfg.Relay.Endpoint
	relayCfg.Timeout = time.Duration(cfg.Relay.TimeoutMs) * time.Millisecond
	relay := solana.NewRelayClient(relayCfg)

	var bundles *solana.BundleClient
	if cfg.Relay.BundlesEnabled {
		bundleCfg := solana.DefaultBundleConfig()
		if cfg.Relay.BlockEngineURL != "" {
			bundleCfg.BlockEngineURL = cfg.Relay.BlockEngineURL
		}
		bundleCfg.TipLamports = cfg.Execution.TipLamports
		bundles = solana.NewBundleClient(bundleCfg)
	}

	wallet, err := buildWallet(cfg.Wallet)
	if err != nil {
		return nil, err
	}

	execCfg := executor.DefaultConfig()
	execCfg.OpportunityTTL = cfg.OpportunityTTL()
	execCfg.SlotBudget = cfg.Execution.SlotBudget
	execCfg.PriorityFeeBase = cfg.Execution.PriorityFeeBase
	execCfg.PriorityFeeMultiplier = cfg.Execution.PriorityFeeMultiplier
	execCfg.ComputeUnitLimit = cfg.Execution.ComputeUnitLimit
	execCfg.MaxSlippageBps = cfg.Trading.MaxSlippageBps
	execCfg.TipLamports = cfg.Execution.TipLamports
	execCfg.RetryEnabled = *cfg.Execution.RetryEnabled
	for _, p := range cfg.Execution.FlashLoanProviders {
		fp, err := parseFlashProvider(p)
		if err != nil {
			return nil, err
		}
		execCfg.FlashLoanProviders = append(execCfg.FlashLoanProviders, fp)
	}
	a.coord = executor.New(execCfg, a.store, a.registry, relay, bundles, a.gate, observed, a.solver, wallet, nil)

	a.ctrl = server.New(server.Config{Addr: cfg.Server.Addr}, a.detector, a.gate, a.health, a.ingestor.Health())

	a.registerHealthChecks()
	return a, nil
}

// Run starts every stage and blocks until ctx is cancelled or a stage
// fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	updates, err := a.stream.Start(ctx)
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}

	g.Go(func() error {
		err := a.ingestor.Run(ctx, updates)
		if err == nil && ctx.Err() == nil {
			// The update channel closed while we were still supposed to
			// be running: the stream exhausted its reconnect budget.
			return ErrStreamingFailed
		}
		return err
	})

	notices := a.store.Subscribe(4096)
	g.Go(func() error { return a.detector.Run(ctx, notices) })
	g.Go(func() error { return a.solver.Run(ctx, a.detector.Candidates()) })
	g.Go(func() error { return a.gate.Run(ctx) })
	g.Go(func() error { return a.runAdmission(ctx) })
	g.Go(func() error { return a.outcomes.Run(ctx) })
	g.Go(func() error { return a.ctrl.Run(ctx) })
	g.Go(func() error { a.health.Run(ctx); return nil })
	g.Go(func() error { a.pumpMetrics(ctx); return nil })

	log.Info().
		Int("pools", len(a.cfg.Pools)).
		Int("cycles", a.index.Size()).
		Strs("venues", a.registry.Venues()).
		Msg("pipeline running")

	err = g.Wait()
	if cerr := a.outcomes.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("sink close failed")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runAdmission bridges solved routes through the risk gate into the
// coordinator. Plans are executed as they are admitted; per-fingerprint
// serialization comes from the gate's in-flight set.
func (a *App) runAdmission(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case route, ok := <-a.solver.Routes():
			if !ok {
				return nil
			}
			now := time.Now()
			deadline := a.coord.Deadline(now)
			decision, err := a.gate.Submit(ctx, route, deadline, 0)
			if err != nil {
				return err
			}
			if !decision.Accepted {
				continue
			}
			if a.cfg.General.DryRun {
				log.Info().
					Str("plan_id", decision.Plan.ID).
					Uint64("amount_in", route.AmountIn).
					Str("net_profit_usd", route.NetProfitUSD.String()).
					Msg("dry run: plan not executed")
				a.gate.ReportOutcome(decision.Plan.Fingerprint, decision.Plan.Venues(), bus.StatusExpired, decimal.Zero)
				continue
			}
			go a.coord.Execute(ctx, decision.Plan)
		}
	}
}

func (a *App) registerHealthChecks() {
	for _, stage := range []struct {
		name string
		p99  time.Duration
	}{
		{"ingest", 50 * time.Millisecond},
		{"detector", 20 * time.Millisecond},
		{"solver", 100 * time.Millisecond},
	} {
		wd := observability.NewStageWatchdog(stage.name, stage.p99)
		a.watchdogs[stage.name] = wd
		a.health.Register(stage.name, wd.Check)
	}
	a.health.Register("stream", func(ctx context.Context) observability.ComponentHealth {
		if !a.stream.Connected() {
			return observability.ComponentHealth{Status: observability.StatusDegraded, Message: "stream disconnected"}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	})
}

// metricsSink mirrors every emitted outcome into Prometheus before
// handing it to the real sink.
type metricsSink struct {
	inner bus.Sink
	m     *observability.Metrics
}

func (s *metricsSink) Emit(outcome bus.ExecutionOutcome) {
	s.m.Outcomes.WithLabelValues(string(outcome.Status)).Inc()
	if outcome.RuleID != "" && outcome.Status == bus.StatusRejected {
		s.m.PlansRejected.WithLabelValues(outcome.RuleID).Inc()
	}
	for stage, us := range outcome.StageTimings {
		s.m.StageLatency.WithLabelValues(stage).Observe(float64(us) / 1e6)
	}
	s.inner.Emit(outcome)
}

// counterDelta feeds cumulative component counters into Prometheus
// counters by adding only what is new since the last pump.
type counterDelta struct {
	prev map[string]int64
}

func (d *counterDelta) bump(c prometheus.Counter, key string, total int64) {
	if delta := total - d.prev[key]; delta > 0 {
		c.Add(float64(delta))
		d.prev[key] = total
	}
}

func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

// feedTouch drives a stage watchdog from cumulative input/output counters.
func (a *App) feedTouch(stage string, d *counterDelta, in, out int64) {
	wd := a.watchdogs[stage]
	if wd == nil {
		return
	}
	if in > d.prev["wd.in."+stage] {
		d.prev["wd.in."+stage] = in
		wd.Feed()
	}
	if out > d.prev["wd.out."+stage] {
		d.prev["wd.out."+stage] = out
		wd.Touch()
	}
}

// pumpMetrics mirrors component counters into Prometheus gauges.
func (a *App) pumpMetrics(ctx context.Context) {
	deltas := &counterDelta{prev: make(map[string]int64)}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			storeM := a.store.Metrics()
			deltas.bump(a.metrics.SnapshotsApplied, "store.applied", asInt64(storeM["applied_total"]))
			deltas.bump(a.metrics.SnapshotsStale, "store.stale", asInt64(storeM["stale_total"]))

			ingM := a.ingestor.Metrics()
			deltas.bump(a.metrics.AccountUpdates, "ingest.dispatched", asInt64(ingM["dispatched_total"]))
			deltas.bump(a.metrics.ChangeNoticesCoalesced, "ingest.coalesced", asInt64(ingM["change_notices_coalesced_total"]))

			ingestIn := asInt64(ingM["dispatched_total"])
			ingestOut := asInt64(storeM["applied_total"]) + asInt64(storeM["stale_total"]) +
				asInt64(storeM["noop_total"]) + asInt64(ingM["decode_errors_total"])
			a.feedTouch("ingest", deltas, ingestIn, ingestOut)

			detM := a.detector.Metrics()
			deltas.bump(a.metrics.CandidatesEmitted, "detector.emitted", asInt64(detM["emitted_total"]))
			detectorOut := asInt64(detM["evaluated_total"]) + asInt64(detM["skipped_total"])
			a.feedTouch("detector", deltas, asInt64(storeM["applied_total"]), detectorOut)

			solM := a.solver.Metrics()
			solverOut := asInt64(solM["solved_total"]) + asInt64(solM["stale_drops_total"]) +
				asInt64(solM["unprofitable_total"]) + asInt64(solM["rejected_total"])
			a.feedTouch("solver", deltas, asInt64(detM["emitted_total"]), solverOut)
			deltas.bump(a.metrics.RoutesSolved, "solver.solved", asInt64(solM["solved_total"]))
			deltas.bump(a.metrics.RoutesStale, "solver.stale", asInt64(solM["stale_drops_total"]))
			deltas.bump(a.metrics.RoutesUnprofitable, "solver.unprofitable", asInt64(solM["unprofitable_total"]))

			deltas.bump(a.metrics.DecodeErrors, "ingest.decode_errors", asInt64(ingM["decode_errors_total"]))
			deltas.bump(a.metrics.CandidatesDropped.WithLabelValues("queue_full"), "detector.dropped", asInt64(detM["dropped_total"]))
			deltas.bump(a.metrics.CandidatesDropped.WithLabelValues("filtered"), "detector.skipped", asInt64(detM["skipped_total"]))

			coordM := a.coord.Metrics()
			deltas.bump(a.metrics.BundlesSubmitted, "executor.executed", asInt64(coordM["executed_total"]))
			a.metrics.CyclesIndexed.Set(float64(a.index.Size()))
			for venue, degraded := range a.ingestor.Health().Snapshot() {
				v := 0.0
				if degraded {
					v = 1
				}
				a.metrics.VenueDegraded.WithLabelValues(venue).Set(v)
				if s := a.ingestor.Health().SecondsSinceEvent(venue); s >= 0 {
					a.metrics.StreamSilenceSeconds.WithLabelValues(venue).Set(s)
				}
			}
			if st, err := a.gate.StatusSnapshot(ctx); err == nil {
				deltas.bump(a.metrics.PlansAccepted, "riskgate.accepted", st.AcceptedTotal)
				a.metrics.InflightPlans.Set(float64(st.InflightPlans))
				a.metrics.InflightCapitalUSD.Set(st.CommittedUSD.InexactFloat64())
				a.metrics.RealizedPnLUSD.Set(st.RealizedPnLUSD.InexactFloat64())
				switch st.State {
				case riskgate.StateNormal:
					a.metrics.BreakerState.Set(0)
				case riskgate.StateThrottled:
					a.metrics.BreakerState.Set(1)
				case riskgate.StateHalted:
					a.metrics.BreakerState.Set(2)
				}
			}
		}
	}
}

func parsePools(cfgs []config.PoolConfig) ([]*dex.Pool, error) {
	pools := make([]*dex.Pool, 0, len(cfgs))
	for _, pc := range cfgs {
		p := &dex.Pool{Venue: pc.Venue, FeeBps: pc.FeeBps}
		var err error
		if p.ID, err = solana.ParsePubkey(pc.ID); err != nil {
			return nil, fmt.Errorf("pool %s: %w", pc.ID, err)
		}
		if p.TokenA, err = solana.ParsePubkey(pc.TokenA); err != nil {
			return nil, fmt.Errorf("pool %s token_a: %w", pc.ID, err)
		}
		if p.TokenB, err = solana.ParsePubkey(pc.TokenB); err != nil {
			return nil, fmt.Errorf("pool %s token_b: %w", pc.ID, err)
		}
		if p.ProgramID, err = solana.ParsePubkey(pc.ProgramID); err != nil {
			return nil, fmt.Errorf("pool %s program: %w", pc.ID, err)
		}
		if p.VaultA, err = solana.ParsePubkey(pc.VaultA); err != nil {
			return nil, fmt.Errorf("pool %s vault_a: %w", pc.ID, err)
		}
		if p.VaultB, err = solana.ParsePubkey(pc.VaultB); err != nil {
			return nil, fmt.Errorf("pool %s vault_b: %w", pc.ID, err)
		}
		if p.Authority, err = solana.ParsePubkey(pc.Authority); err != nil {
			return nil, fmt.Errorf("pool %s authority: %w", pc.ID, err)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

func buildPricer(tokens []config.TokenConfig) (*refPricer, error) {
	p := &refPricer{perUnit: make(map[solana.Pubkey]decimal.Decimal, len(tokens))}
	for _, t := range tokens {
		mint, err := solana.ParsePubkey(t.Mint)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		scale := decimal.New(1, int32(t.Decimals))
		p.perUnit[mint] = t.USDPrice.Div(scale)
	}
	return p, nil
}

func buildInventory(inv map[string]uint64) solver.InventoryFunc {
	byMint := make(map[solana.Pubkey]uint64, len(inv))
	for mintStr, amount := range inv {
		if mint, err := solana.ParsePubkey(mintStr); err == nil {
			byMint[mint] = amount
		}
	}
	return func(mint solana.Pubkey) uint64 { return byMint[mint] }
}

func buildWallet(wc config.WalletConfig) (*executor.Wallet, error) {
	var kp *solana.Keypair
	var err error
	if wc.Keypair == "" {
		// Dry runs and tests get an ephemeral key.
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("wallet seed: %w", err)
		}
		kp, err = solana.NewKeypairFromSeed(seed)
		if err != nil {
			return nil, err
		}
	} else if kp, err = solana.ParseKeypair(wc.Keypair); err != nil {
		return nil, fmt.Errorf("wallet keypair: %w", err)
	}
	w := &executor.Wallet{
		Keypair:       kp,
		TokenAccounts: make(map[solana.Pubkey]solana.Pubkey, len(wc.TokenAccounts)),
	}
	for mintStr, acctStr := range wc.TokenAccounts {
		mint, err := solana.ParsePubkey(mintStr)
		if err != nil {
			return nil, fmt.Errorf("wallet token account mint %s: %w", mintStr, err)
		}
		acct, err := solana.ParsePubkey(acctStr)
		if err != nil {
			return nil, fmt.Errorf("wallet token account %s: %w", acctStr, err)
		}
		w.TokenAccounts[mint] = acct
	}
	return w, nil
}

func parseFlashProvider(pc config.FlashLoanProviderConfig) (executor.FlashLoanProvider, error) {
	fp := executor.FlashLoanProvider{Name: pc.Name, FeeBps: pc.FeeBps, Enabled: pc.Enabled}
	var err error
	if fp.ProgramID, err = solana.ParsePubkey(pc.ProgramID); err != nil {
		return fp, fmt.Errorf("flash provider %s: %w", pc.Name, err)
	}
	if fp.Pool, err = solana.ParsePubkey(pc.Pool); err != nil {
		return fp, fmt.Errorf("flash provider %s pool: %w", pc.Name, err)
	}
	if fp.Vault, err = solana.ParsePubkey(pc.Vault); err != nil {
		return fp, fmt.Errorf("flash provider %s vault: %w", pc.Name, err)
	}
	return fp, nil
}
