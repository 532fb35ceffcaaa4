package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vortex-trading/vortex/internal/bus"
	"github.com/vortex-trading/vortex/internal/detector"
	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/market"
	"github.com/vortex-trading/vortex/internal/riskgate"
	"github.com/vortex-trading/vortex/internal/solana"
	"github.com/vortex-trading/vortex/internal/solver"
)

// ---------------------------------------------------------------------------
// Execution Coordinator — deadline, bundle, submit, observe
// ---------------------------------------------------------------------------

// Config configures the coordinator.
type Config struct {
	OpportunityTTL        time.Duration `yaml:"opportunity_ttl"`
	SlotBudget            uint64        `yaml:"slot_budget"`
	ExpectedSlotDuration  time.Duration `yaml:"expected_slot_duration"`
	PriorityFeeBase       uint64        `yaml:"priority_fee_base"`
	PriorityFeeMultiplier float64       `yaml:"priority_fee_multiplier"`
	ComputeUnitLimit      uint32        `yaml:"compute_unit_limit"`
	MaxSlippageBps        uint32        `yaml:"max_slippage_bps"`
	TipLamports           uint64        `yaml:"tip_lamports"`
	ConfirmPollInterval   time.Duration `yaml:"confirm_poll_interval"`
	RetryEnabled          bool          `yaml:"retry_enabled"`
	FlashLoanProviders    []FlashLoanProvider `yaml:"flash_loan_providers"`
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		OpportunityTTL:        400 * time.Millisecond,
		SlotBudget:            2,
		ExpectedSlotDuration:  400 * time.Millisecond,
		PriorityFeeBase:       solana.DefaultPriorityFeeLamports,
		PriorityFeeMultiplier: 0.5,
		ComputeUnitLimit:      600_000,
		MaxSlippageBps:        100,
		TipLamports:           100_000,
		ConfirmPollInterval:   50 * time.Millisecond,
		RetryEnabled:          true,
	}
}

// Resolver re-solves a candidate against fresh snapshots; the staleness
// policy allows exactly one attempt.
type Resolver interface {
	Solve(cand *detector.Candidate) (*solver.Route, error)
}

// Coordinator turns accepted plans into signed bundles and observes their
// confirmation under deadline pressure.
type Coordinator struct {
	config   Config
	store    *market.Store
	registry *dex.Registry
	relay    *solana.RelayClient
	bundles  *solana.BundleClient
	fees     *solana.FeeSchedule
	gate     *riskgate.Gate
	sink     bus.Sink
	resolver Resolver
	wallet   *Wallet
	lookup   *solana.LookupTable

	// Stats.
	executed  atomic.Int64
	confirmed atomic.Int64
	failed    atomic.Int64
	timeouts  atomic.Int64
	restaled  atomic.Int64
}

// New creates a coordinator.
func New(
	config Config,
	store *market.Store,
	registry *dex.Registry,
	relay *solana.RelayClient,
	bundles *solana.BundleClient,
	gate *riskgate.Gate,
	sink bus.Sink,
	resolver Resolver,
	wallet *Wallet,
	lookup *solana.LookupTable,
) *Coordinator {
	if config.ConfirmPollInterval <= 0 {
		config.ConfirmPollInterval = 50 * time.Millisecond
	}
	if config.ExpectedSlotDuration <= 0 {
		config.ExpectedSlotDuration = 400 * time.Millisecond
	}
	return &Coordinator{
		config:   config,
		store:    store,
		registry: registry,
		relay:    relay,
		bundles:  bundles,
		fees:     solana.NewFeeSchedule(config.PriorityFeeBase, config.PriorityFeeMultiplier),
		gate:     gate,
		sink:     sink,
		resolver: resolver,
		wallet:   wallet,
		lookup:   lookup,
	}
}

// Deadline computes the deadline for a plan admitted now.
func (c *Coordinator) Deadline(now time.Time) time.Time {
	return ComputeDeadline(now, c.config.OpportunityTTL, c.config.SlotBudget, c.config.ExpectedSlotDuration)
}

// Run consumes accepted plans until the channel closes or ctx is
// cancelled. Each plan executes on its own goroutine; per-fingerprint
// serialization is already enforced by the gate's in-flight set.
func (c *Coordinator) Run(ctx context.Context, plans <-chan *riskgate.Plan) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case plan, ok := <-plans:
			if !ok {
				return nil
			}
			go c.Execute(ctx, plan)
		}
	}
}

// Execute drives one plan to a terminal outcome. Exactly one outcome is
// emitted and the fingerprint is always released.
func (c *Coordinator) Execute(ctx context.Context, plan *riskgate.Plan) {
	c.executed.Add(1)
	start := time.Now()
	timings := map[string]int64{}

	// A deadline equal to now is already expired.
	if !plan.Deadline.After(start) {
		c.finish(plan, outcomeOf(plan, bus.StatusExpired, bus.ErrorTransient, "deadline elapsed before execution"), timings, start)
		return
	}
	ctx, cancel := context.WithDeadline(ctx, plan.Deadline)
	defer cancel()

	// Pre-validate: if any cited sequence advanced, re-solve once.
	if stale := c.staleHops(plan.Route); stale {
		c.restaled.Add(1)
		fresh, err := c.resolveFresh(plan)
		if err != nil {
			c.finish(plan, outcomeOf(plan, bus.StatusRestaled, bus.ErrorStale, "pinned snapshots advanced; re-solve failed"), timings, start)
			return
		}
		plan.Route = fresh
		log.Debug().Str("plan_id", plan.ID).Msg("executor: re-solved after staleness")
	}
	timings["validate_us"] = time.Since(start).Microseconds()

	outcome := c.submitAndObserve(ctx, plan, timings)
	c.finish(plan, outcome, timings, start)
}

// submitAndObserve assembles, submits, and polls. A first attempt that ends
// Dropped is retried once with an escalated priority fee while the original
// deadline has not passed. A Timeout is only reached at that deadline, so a
// Timeout is not retried.
func (c *Coordinator) submitAndObserve(ctx context.Context, plan *riskgate.Plan, timings map[string]int64) bus.ExecutionOutcome {
	venues := plan.Venues()

	for attempt := 0; ; attempt++ {
		assembleStart := time.Now()
		blockhash, _, err := c.relay.LatestBlockhash(ctx)
		if err != nil {
			return outcomeOf(plan, bus.StatusDropped, bus.ErrorTransient, "blockhash: "+err.Error())
		}

		priorityFee := c.fees.Fee(venues, attempt)
		tx, err := c.assemble(plan, priorityFee, blockhash)
		if err != nil {
			return outcomeOf(plan, bus.StatusFailed, bus.ErrorInfeasible, "assemble: "+err.Error())
		}
		timings["assemble_us"] = time.Since(assembleStart).Microseconds()

		submitStart := time.Now()
		sig, err := c.submit(ctx, tx)
		if err != nil {
			if ctx.Err() != nil {
				return outcomeOf(plan, bus.StatusTimeout, bus.ErrorTransient, "submit cancelled at deadline")
			}
			for _, v := range venues {
				c.fees.RecordFailure(v)
			}
			return outcomeOf(plan, bus.StatusDropped, bus.ErrorTransient, "submit: "+err.Error())
		}
		timings["submit_us"] = time.Since(submitStart).Microseconds()

		status := c.observe(ctx, sig)
		timings["confirm_us"] = time.Since(submitStart).Microseconds()

		switch status.Status {
		case solana.ConfirmationConfirmed:
			for _, v := range venues {
				c.fees.RecordSuccess(v)
			}
			out := outcomeOf(plan, bus.StatusConfirmed, bus.ErrorNone, "")
			out.Signature = sig.String()
			out.Slot = status.Slot
			out.RealizedOut = plan.Route.ExpectedOut // refined by the settlement sweep offline
			out.ObservedSlippageBps = 0
			out.RealizedPnLUSD = plan.Route.NetProfitUSD
			return out

		case solana.ConfirmationFailed:
			for _, v := range venues {
				c.fees.RecordFailure(v)
			}
			out := outcomeOf(plan, bus.StatusFailed, bus.ErrorExecutionFailed, status.Err)
			out.Signature = sig.String()
			out.Slot = status.Slot
			out.RealizedPnLUSD = c.gasCostUSD().Neg()
			return out

		default: // timeout or dropped
			for _, v := range venues {
				c.fees.RecordFailure(v)
			}
			terminal := bus.StatusTimeout
			if status.Status == solana.ConfirmationDropped {
				terminal = bus.StatusDropped
			}
			if attempt == 0 && c.config.RetryEnabled && ctx.Err() == nil {
				log.Warn().Str("plan_id", plan.ID).Str("status", string(terminal)).Msg("executor: retrying with escalated fee")
				continue
			}
			out := outcomeOf(plan, terminal, bus.ErrorTransient, "unconfirmed at deadline")
			out.Signature = sig.String()
			return out
		}
	}
}

// submit sends the transaction through the protected relay when enabled,
// falling back to direct RPC submission.
func (c *Coordinator) submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if c.bundles != nil {
		if _, err := c.bundles.SendBundle(ctx, []string{tx.Base64()}); err == nil {
			return tx.Signatures[0], nil
		}
		// Protected relay degraded: fall through to the public path.
		log.Warn().Msg("executor: protected relay unavailable, using direct submission")
	}
	return c.relay.Submit(ctx, tx)
}

// observe polls confirmation until the context deadline. Cancellation is
// cooperative: every wait checks the deadline first.
func (c *Coordinator) observe(ctx context.Context, sig solana.Signature) solana.SignatureStatus {
	ticker := time.NewTicker(c.config.ConfirmPollInterval)
	defer ticker.Stop()

	dropped := 0
	for {
		select {
		case <-ctx.Done():
			return solana.SignatureStatus{Signature: sig, Status: ConfirmationTimeout}
		case <-ticker.C:
			st, err := c.relay.Status(ctx, sig)
			if err != nil {
				continue // transient poll error
			}
			switch st.Status {
			case solana.ConfirmationConfirmed, solana.ConfirmationFailed:
				return st
			case solana.ConfirmationDropped:
				// The relay forgets very fresh signatures; only trust a
				// consistent answer.
				dropped++
				if dropped >= 3 {
					return st
				}
			}
		}
	}
}

// ConfirmationTimeout is the synthetic status for deadline expiry.
const ConfirmationTimeout = solana.ConfirmationStatus("timeout")

// staleHops reports whether any cited sequence advanced.
func (c *Coordinator) staleHops(route *solver.Route) bool {
	for _, snap := range route.Candidate.Snapshots {
		latest, ok := c.store.Get(snap.Pool)
		if !ok || latest.Sequence != snap.Sequence {
			return true
		}
	}
	return false
}

// resolveFresh re-solves the plan's cycle against current snapshots.
func (c *Coordinator) resolveFresh(plan *riskgate.Plan) (*solver.Route, error) {
	old := plan.Route.Candidate
	snaps := make([]*dex.Snapshot, len(old.Hops))
	for i, hop := range old.Hops {
		snap, ok := c.store.Get(hop.Pool)
		if !ok {
			return nil, solver.ErrStale
		}
		snaps[i] = snap
	}
	fresh := &detector.Candidate{
		Cycle:      old.Cycle,
		Hops:       old.Hops,
		Snapshots:  snaps,
		Trigger:    old.Trigger,
		DetectedAt: time.Now(),
	}
	return c.resolver.Solve(fresh)
}

// finish emits the outcome and releases the fingerprint with the committed
// capital.
func (c *Coordinator) finish(plan *riskgate.Plan, outcome bus.ExecutionOutcome, timings map[string]int64, start time.Time) {
	timings["total_us"] = time.Since(start).Microseconds()
	outcome.StageTimings = timings

	switch outcome.Status {
	case bus.StatusConfirmed:
		c.confirmed.Add(1)
	case bus.StatusFailed:
		c.failed.Add(1)
	case bus.StatusTimeout, bus.StatusDropped, bus.StatusExpired:
		c.timeouts.Add(1)
	}

	if c.sink != nil {
		c.sink.Emit(outcome)
	}
	c.gate.ReportOutcome(plan.Fingerprint, plan.Venues(), outcome.Status, outcome.RealizedPnLUSD)

	log.Info().
		Str("plan_id", plan.ID).
		Str("status", string(outcome.Status)).
		Str("fingerprint", plan.Fingerprint.String()).
		Int64("total_us", timings["total_us"]).
		Msg("executor: plan finished")
}

func (c *Coordinator) gasCostUSD() decimal.Decimal {
	// Priority fee plus base fee, priced offline; a flat conservative
	// figure keeps the hot path free of RPC lookups.
	return decimal.NewFromFloat(0.05)
}

// outcomeOf builds a populated outcome record for a plan.
func outcomeOf(plan *riskgate.Plan, status bus.OutcomeStatus, category bus.ErrorCategory, detail string) bus.ExecutionOutcome {
	route := plan.Route
	out := bus.ExecutionOutcome{
		BaseEvent:     bus.NewBaseEvent("executor"),
		PlanID:        plan.ID,
		Fingerprint:   plan.Fingerprint.String(),
		Status:        status,
		ErrorCategory: category,
		ErrorDetail:   detail,
		InputMint:     route.InputMint.String(),
		AmountIn:      route.AmountIn,
		ExpectedOut:   route.ExpectedOut,
		NetProfitUSD:  route.NetProfitUSD,
		CommittedUSD:  plan.CommittedUSD,
		Confidence:    route.Confidence,
		FlashLoan:     plan.FlashLoan,
	}
	for _, s := range route.Candidate.Snapshots {
		out.Venues = append(out.Venues, s.Venue)
		out.Pools = append(out.Pools, s.Pool.String())
	}
	return out
}

// Metrics returns coordinator counters.
func (c *Coordinator) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"executed_total":  c.executed.Load(),
		"confirmed_total": c.confirmed.Load(),
		"failed_total":    c.failed.Load(),
		"timeout_total":   c.timeouts.Load(),
		"restaled_total":  c.restaled.Load(),
	}
}
