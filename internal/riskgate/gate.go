package riskgate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vortex-trading/vortex/internal/bus"
	"github.com/vortex-trading/vortex/internal/solver"
)

// ---------------------------------------------------------------------------
// Risk Gate — single-consumer actor, rule chain, circuit breaker
// ---------------------------------------------------------------------------

// BreakerState is the gate's coarse admission state.
type BreakerState string

const (
	StateNormal    BreakerState = "normal"
	StateThrottled BreakerState = "throttled"
	StateHalted    BreakerState = "halted"
)

// Rule identifiers recorded in rejection outcomes.
const (
	RuleHalted               = "halted"
	RuleDuplicateFingerprint = "duplicate_fingerprint"
	RuleCapitalCeiling       = "capital_ceiling"
	RuleDailyLossLimit       = "daily_loss_limit"
	RuleVenueThrottled       = "venue_throttled"
	RuleLowConfidence        = "low_confidence"
	RuleAccepted             = "accepted"
)

// Config configures the risk gate.
type Config struct {
	MaxPositionUSD     decimal.Decimal `yaml:"max_position_usd"` // capital ceiling across in-flight plans
	DailyLossLimitUSD  decimal.Decimal `yaml:"daily_loss_limit_usd"`
	MaxConcurrentPlans int             `yaml:"max_concurrent_plans"`
	FailureThreshold   int             `yaml:"consecutive_failure_threshold"`
	Cooldown           time.Duration   `yaml:"cooldown"`
	FailureWindow      time.Duration   `yaml:"failure_window"`
	MinConfidence      float64         `yaml:"min_confidence"`
	KellyWinRate       float64         `yaml:"kelly_win_rate"` // prior win probability
	KellyFractionCap   float64         `yaml:"kelly_fraction_cap"`
}

// DefaultConfig returns gate defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositionUSD:     decimal.NewFromInt(10_000),
		DailyLossLimitUSD:  decimal.NewFromInt(500),
		MaxConcurrentPlans: 8,
		FailureThreshold:   3,
		Cooldown:           60 * time.Second,
		FailureWindow:      30 * time.Second,
		MinConfidence:      0.3,
		KellyWinRate:       0.55,
		KellyFractionCap:   0.25,
	}
}

// Plan is a risk-gated, deadline-bound intent to execute a route. Owned by
// the coordinator from acceptance to outcome emission.
type Plan struct {
	ID          string
	Route       *solver.Route
	Fingerprint Fingerprint

	Deadline     time.Time
	DeadlineSlot uint64

	CommittedUSD decimal.Decimal
	RiskTags     []string
	FlashLoan    bool
	AcceptedAt   time.Time
}

// Venues returns the distinct venues the plan routes through.
func (p *Plan) Venues() []string {
	seen := make(map[string]struct{}, len(p.Route.Candidate.Snapshots))
	var out []string
	for _, s := range p.Route.Candidate.Snapshots {
		if _, ok := seen[s.Venue]; !ok {
			seen[s.Venue] = struct{}{}
			out = append(out, s.Venue)
		}
	}
	return out
}

// Decision is the gate's verdict on one route.
type Decision struct {
	Accepted bool
	RuleID   string
	Plan     *Plan
}

// venueState tracks per-venue failures and throttling.
type venueState struct {
	consecutiveFailures int
	firstFailureAt      time.Time
	throttledAt         time.Time
	throttled           bool
}

// request is one message into the gate actor.
type request struct {
	route    *solver.Route
	deadline time.Time
	slot     uint64
	reply    chan Decision
}

type outcomeMsg struct {
	fingerprint Fingerprint
	venues      []string
	status      bus.OutcomeStatus
	realizedUSD decimal.Decimal
}

type adminMsg struct {
	halt  bool
	reply chan struct{}
}

// Gate is the risk gate. Its counters are owned by a single consumer task;
// every other stage communicates via messages, which keeps rule evaluation
// strictly serial and the fingerprint invariant trivially atomic.
type Gate struct {
	config Config
	sink   bus.Sink

	requests chan request
	outcomes chan outcomeMsg
	admin    chan adminMsg
	status   chan statusReq

	// Actor-owned state. Never touched outside run().
	state        BreakerState
	inflight     map[Fingerprint]*Plan
	committed    decimal.Decimal
	realizedPnL  decimal.Decimal
	venues       map[string]*venueState
	dayStart     time.Time
	acceptTotal  int64
	rejectTotals map[string]int64
}

// New creates a gate. Call Run before submitting.
func New(config Config, sink bus.Sink) *Gate {
	if config.MaxConcurrentPlans <= 0 {
		config.MaxConcurrentPlans = 8
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 30 * time.Second
	}
	return &Gate{
		config:       config,
		sink:         sink,
		requests:     make(chan request, 64),
		outcomes:     make(chan outcomeMsg, 256),
		admin:        make(chan adminMsg, 4),
		status:       make(chan statusReq, 4),
		state:        StateNormal,
		inflight:     make(map[Fingerprint]*Plan),
		committed:    decimal.Zero,
		realizedPnL:  decimal.Zero,
		venues:       make(map[string]*venueState),
		dayStart:     time.Now(),
		rejectTotals: make(map[string]int64),
	}
}

// Run processes messages until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	dayTicker := time.NewTicker(time.Minute)
	defer dayTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.requests:
			req.reply <- g.decide(req)
		case msg := <-g.outcomes:
			g.onOutcome(msg)
		case msg := <-g.admin:
			if msg.halt {
				g.state = StateHalted
				log.Error().Msg("risk gate HALTED by operator")
			} else if g.state == StateHalted {
				g.state = StateNormal
				log.Warn().Msg("risk gate resumed by operator")
			}
			close(msg.reply)
		case req := <-g.status:
			req.reply <- g.statusLocked()
		case <-dayTicker.C:
			g.rollDay()
		}
	}
}

func (g *Gate) statusLocked() Status {
	st := Status{
		State:          g.state,
		InflightPlans:  len(g.inflight),
		CommittedUSD:   g.committed,
		RealizedPnLUSD: g.realizedPnL,
		AcceptedTotal:  g.acceptTotal,
		RejectedTotals: make(map[string]int64, len(g.rejectTotals)),
	}
	for rule, n := range g.rejectTotals {
		st.RejectedTotals[rule] = n
	}
	for name, vs := range g.venues {
		if vs.throttled {
			st.ThrottledVenues = append(st.ThrottledVenues, name)
		}
	}
	return st
}

// Submit asks the gate to admit a route. Load shedding rejects newest: a
// full request queue bounces the route rather than queueing it behind
// stale work.
func (g *Gate) Submit(ctx context.Context, route *solver.Route, deadline time.Time, deadlineSlot uint64) (Decision, error) {
	req := request{route: route, deadline: deadline, slot: deadlineSlot, reply: make(chan Decision, 1)}
	select {
	case g.requests <- req:
	default:
		return Decision{Accepted: false, RuleID: "gate_overloaded"}, nil
	}
	select {
	case d := <-req.reply:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// ReportOutcome feeds an execution outcome back into the gate: releases the
// fingerprint, returns committed capital, and updates PnL and venue
// failure counters.
func (g *Gate) ReportOutcome(fingerprint Fingerprint, venues []string, status bus.OutcomeStatus, realizedUSD decimal.Decimal) {
	g.outcomes <- outcomeMsg{fingerprint: fingerprint, venues: venues, status: status, realizedUSD: realizedUSD}
}

// Halt transitions to Halted (manual reset only).
func (g *Gate) Halt() {
	msg := adminMsg{halt: true, reply: make(chan struct{})}
	g.admin <- msg
	<-msg.reply
}

// Resume returns from Halted to Normal.
func (g *Gate) Resume() {
	msg := adminMsg{halt: false, reply: make(chan struct{})}
	g.admin <- msg
	<-msg.reply
}

// decide applies the rule chain in order; the first rule that fires yields
// the decision.
func (g *Gate) decide(req request) Decision {
	route := req.route
	fp := FingerprintOf(route, req.deadline)

	// 1. Halted rejects everything.
	if g.state == StateHalted {
		return g.reject(fp, route, RuleHalted)
	}

	// 2. Duplicate fingerprint: at-most-once execution per opportunity.
	if _, ok := g.inflight[fp]; ok {
		return g.reject(fp, route, RuleDuplicateFingerprint)
	}

	// Kelly-capped sizing clamp: a single plan commits at most the Kelly
	// fraction of the capital ceiling. A clamp, not a rule — the plan
	// proceeds at the reduced commitment.
	planUSD := g.planCapitalUSD(route)
	kellyCapped := false
	if kcap := g.kellyCapUSD(route); planUSD.GreaterThan(kcap) {
		planUSD = kcap
		kellyCapped = true
	}

	// 3. Capital ceiling across in-flight plans.
	if len(g.inflight) >= g.config.MaxConcurrentPlans ||
		g.committed.Add(planUSD).GreaterThan(g.config.MaxPositionUSD) {
		return g.reject(fp, route, RuleCapitalCeiling)
	}

	// 4. Daily loss limit trips the breaker to Halted.
	if g.realizedPnL.LessThanOrEqual(g.config.DailyLossLimitUSD.Neg()) {
		g.state = StateHalted
		log.Error().
			Str("realized_pnl", g.realizedPnL.String()).
			Msg("risk gate HALTED: daily loss limit breached")
		return g.reject(fp, route, RuleDailyLossLimit)
	}

	// 5. Venue throttling on consecutive failures.
	for _, snap := range route.Candidate.Snapshots {
		if vs := g.venues[snap.Venue]; vs != nil && vs.throttled {
			return g.reject(fp, route, RuleVenueThrottled)
		}
	}

	// 6. Confidence floor.
	if route.Confidence < g.config.MinConfidence {
		return g.reject(fp, route, RuleLowConfidence)
	}

	// 7. Accept: insert fingerprint, commit capital, emit the plan.
	plan := &Plan{
		ID:           uuid.New().String(),
		Route:        route,
		Fingerprint:  fp,
		Deadline:     req.deadline,
		DeadlineSlot: req.slot,
		CommittedUSD: planUSD,
		FlashLoan:    route.RequiresFlashLoan,
		AcceptedAt:   time.Now(),
	}
	if route.RequiresFlashLoan {
		plan.RiskTags = append(plan.RiskTags, "flash_loan")
	}
	if kellyCapped {
		plan.RiskTags = append(plan.RiskTags, "kelly_capped")
	}
	if g.state == StateThrottled {
		plan.RiskTags = append(plan.RiskTags, "gate_throttled")
	}

	g.inflight[fp] = plan
	g.committed = g.committed.Add(planUSD)
	g.acceptTotal++

	log.Info().
		Str("plan_id", plan.ID).
		Str("fingerprint", fp.String()).
		Str("committed_usd", planUSD.String()).
		Float64("confidence", route.Confidence).
		Msg("risk gate: plan accepted")
	return Decision{Accepted: true, RuleID: RuleAccepted, Plan: plan}
}

func (g *Gate) reject(fp Fingerprint, route *solver.Route, rule string) Decision {
	g.rejectTotals[rule]++
	log.Debug().Str("rule", rule).Uint32("cycle", route.Candidate.Cycle).Msg("risk gate: rejected")

	if g.sink != nil {
		out := bus.ExecutionOutcome{
			BaseEvent:     bus.NewBaseEvent("riskgate"),
			Fingerprint:   fp.String(),
			Status:        bus.StatusRejected,
			RuleID:        rule,
			ErrorCategory: bus.ErrorRiskRejected,
			InputMint:     route.InputMint.String(),
			AmountIn:      route.AmountIn,
			ExpectedOut:   route.ExpectedOut,
			NetProfitUSD:  route.NetProfitUSD,
			Confidence:    route.Confidence,
			FlashLoan:     route.RequiresFlashLoan,
		}
		for _, s := range route.Candidate.Snapshots {
			out.Venues = append(out.Venues, s.Venue)
			out.Pools = append(out.Pools, s.Pool.String())
		}
		g.sink.Emit(out)
	}
	return Decision{Accepted: false, RuleID: rule}
}

// onOutcome releases the fingerprint, returns capital, and updates the
// breaker state machine.
func (g *Gate) onOutcome(msg outcomeMsg) {
	if plan, ok := g.inflight[msg.fingerprint]; ok {
		delete(g.inflight, msg.fingerprint)
		g.committed = g.committed.Sub(plan.CommittedUSD)
		if g.committed.IsNegative() {
			g.committed = decimal.Zero
		}
	}

	g.realizedPnL = g.realizedPnL.Add(msg.realizedUSD)

	switch msg.status {
	case bus.StatusConfirmed:
		// One success anywhere clears cooled-down throttles.
		now := time.Now()
		for name, vs := range g.venues {
			vs.consecutiveFailures = 0
			if vs.throttled && now.Sub(vs.throttledAt) >= g.config.Cooldown {
				vs.throttled = false
				log.Info().Str("venue", name).Msg("venue throttle cleared")
			}
		}
		if g.state == StateThrottled {
			g.state = StateNormal
		}
	case bus.StatusFailed:
		now := time.Now()
		for _, venue := range msg.venues {
			vs := g.venues[venue]
			if vs == nil {
				vs = &venueState{}
				g.venues[venue] = vs
			}
			if vs.consecutiveFailures == 0 || now.Sub(vs.firstFailureAt) > g.config.FailureWindow {
				vs.consecutiveFailures = 0
				vs.firstFailureAt = now
			}
			vs.consecutiveFailures++
			if vs.consecutiveFailures >= g.config.FailureThreshold && !vs.throttled {
				vs.throttled = true
				vs.throttledAt = now
				g.state = StateThrottled
				log.Warn().
					Str("venue", venue).
					Int("failures", vs.consecutiveFailures).
					Msg("venue throttled: consecutive failures")
			}
		}
	}

	// Loss-limit breach from realized outcomes halts immediately.
	if g.realizedPnL.LessThanOrEqual(g.config.DailyLossLimitUSD.Neg()) && g.state != StateHalted {
		g.state = StateHalted
		log.Error().
			Str("realized_pnl", g.realizedPnL.String()).
			Msg("risk gate HALTED: daily loss limit breached")
	}
}

func (g *Gate) rollDay() {
	if time.Since(g.dayStart) >= 24*time.Hour {
		g.dayStart = time.Now()
		g.realizedPnL = decimal.Zero
		log.Info().Msg("risk gate: daily PnL window rolled")
	}
}

// planCapitalUSD values the plan's committed input in USD. Flash-loan
// plans commit only fees and gas exposure, not principal; the borrow is
// atomic.
func (g *Gate) planCapitalUSD(route *solver.Route) decimal.Decimal {
	if route.RequiresFlashLoan {
		// Exposure is the flash fee plus slippage allowance, approximated
		// as the expected profit at risk.
		return route.NetProfitUSD
	}
	perUnit := decimal.Zero
	if !route.NetProfitUSD.IsZero() && route.NetProfit != 0 {
		perUnit = route.NetProfitUSD.Div(decimal.NewFromInt(route.NetProfit))
	}
	return perUnit.Mul(decimal.NewFromInt(int64(route.AmountIn))).Abs()
}

// kellyCapUSD is the Kelly-fraction cap for one plan. Arbitrage legs win
// or lose roughly symmetric amounts (fees and gas either way), so the
// even-odds Kelly fraction f = 2p - 1 applies, scaled down by the plan's
// confidence and clamped to the configured fraction of the ceiling.
func (g *Gate) kellyCapUSD(route *solver.Route) decimal.Decimal {
	f := 2*g.config.KellyWinRate - 1
	f *= route.Confidence
	if f < 0.01 {
		f = 0.01
	}
	if f > g.config.KellyFractionCap {
		f = g.config.KellyFractionCap
	}
	return g.config.MaxPositionUSD.Mul(decimal.NewFromFloat(f))
}

// Status is an observable snapshot of gate state for the control surface.
type Status struct {
	State           BreakerState     `json:"state"`
	InflightPlans   int              `json:"inflight_plans"`
	CommittedUSD    decimal.Decimal  `json:"committed_usd"`
	RealizedPnLUSD  decimal.Decimal  `json:"realized_pnl_usd"`
	ThrottledVenues []string         `json:"throttled_venues"`
	AcceptedTotal   int64            `json:"accepted_total"`
	RejectedTotals  map[string]int64 `json:"rejected_totals"`
}

type statusReq struct{ reply chan Status }

// StatusSnapshot asks the actor for its current state.
func (g *Gate) StatusSnapshot(ctx context.Context) (Status, error) {
	req := statusReq{reply: make(chan Status, 1)}
	select {
	case g.status <- req:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-req.reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}
