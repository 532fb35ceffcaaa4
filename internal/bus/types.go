package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion is the outcome record schema version. Consumers ignore
// unknown fields.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all emitted records.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated ids.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// OutcomeStatus is the terminal classification of a plan.
type OutcomeStatus string

const (
	StatusSubmitted OutcomeStatus = "submitted"
	StatusConfirmed OutcomeStatus = "confirmed"
	StatusFailed    OutcomeStatus = "failed"
	StatusTimeout   OutcomeStatus = "timeout"
	StatusDropped   OutcomeStatus = "dropped"
	StatusExpired   OutcomeStatus = "expired"
	StatusRejected  OutcomeStatus = "rejected"
	StatusRestaled  OutcomeStatus = "restaled"
)

// ErrorCategory buckets failures for offline diagnosis.
type ErrorCategory string

const (
	ErrorNone            ErrorCategory = ""
	ErrorTransient       ErrorCategory = "transient"
	ErrorStale           ErrorCategory = "stale"
	ErrorInfeasible      ErrorCategory = "infeasible"
	ErrorRiskRejected    ErrorCategory = "risk_rejected"
	ErrorExecutionFailed ErrorCategory = "execution_failed"
)

// ExecutionOutcome is the self-contained record emitted once per plan (or
// per gate rejection). Ordered per fingerprint only, not globally.
type ExecutionOutcome struct {
	BaseEvent

	PlanID      string        `json:"plan_id"`
	Fingerprint string        `json:"fingerprint"`
	Status      OutcomeStatus `json:"status"`

	// RuleID is the risk-gate rule that fired, for rejections.
	RuleID        string        `json:"rule_id,omitempty"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`

	Venues    []string `json:"venues"`
	Pools     []string `json:"pools"`
	InputMint string   `json:"input_mint"`

	AmountIn    uint64 `json:"amount_in"`
	ExpectedOut uint64 `json:"expected_out"`
	RealizedOut uint64 `json:"realized_out,omitempty"`

	NetProfitUSD   decimal.Decimal `json:"net_profit_usd"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	CommittedUSD   decimal.Decimal `json:"committed_usd"`

	ObservedSlippageBps uint32 `json:"observed_slippage_bps,omitempty"`
	Confidence          float64 `json:"confidence"`
	FlashLoan           bool    `json:"flash_loan"`

	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`

	// StageTimings are per-stage elapsed times in microseconds, keyed
	// validate_us, assemble_us, submit_us, confirm_us and total_us.
	StageTimings map[string]int64 `json:"stage_timings,omitempty"`
}

// Sink is the append-only boundary with the external analytics
// collaborators. Implementations must preserve per-fingerprint order.
type Sink interface {
	Emit(outcome ExecutionOutcome)
}
