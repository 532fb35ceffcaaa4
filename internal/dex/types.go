package dex

import (
	"time"

	"github.com/vortex-trading/vortex/internal/solana"
)

// CurveKind identifies the pricing curve family of a pool. Venues rarely
// add new curve kinds, so this is a closed enum rather than an open
// interface hierarchy.
type CurveKind uint8

const (
	CurveConstantProduct CurveKind = iota
	CurveConcentrated
	CurveBins
)

// String returns the curve kind name.
func (k CurveKind) String() string {
	switch k {
	case CurveConstantProduct:
		return "constant_product"
	case CurveConcentrated:
		return "concentrated"
	case CurveBins:
		return "bins"
	default:
		return "unknown"
	}
}

// Token is an SPL token known to the pipeline. Loaded once from config,
// immutable at runtime.
type Token struct {
	Mint     solana.Pubkey `json:"mint"`
	Decimals uint8         `json:"decimals"`
	Symbol   string        `json:"symbol"`
}

// Pool is the static registration of one liquidity venue account.
type Pool struct {
	ID        solana.Pubkey `json:"id"`
	Venue     string        `json:"venue"`
	TokenA    solana.Pubkey `json:"token_a"`
	TokenB    solana.Pubkey `json:"token_b"`
	FeeBps    uint16        `json:"fee_bps"`
	Curve     CurveKind     `json:"curve"`
	ProgramID solana.Pubkey `json:"program_id"`

	// Accounts required by the swap instruction.
	VaultA    solana.Pubkey `json:"vault_a"`
	VaultB    solana.Pubkey `json:"vault_b"`
	Authority solana.Pubkey `json:"authority"`
}

// Tick is one initialized tick of a concentrated-liquidity pool. Crossing
// the tick adjusts active liquidity by LiquidityNet.
type Tick struct {
	Index        int32
	LiquidityNet int64
}

// Bin is one liquidity bin of a bin-based pool. Price is constant within
// the bin (Q32.32 token-B-per-token-A).
type Bin struct {
	ID        int32
	ReserveA  uint64
	ReserveB  uint64
	PriceQ32  uint64
}

// Snapshot is an immutable observation of a pool at a given sequence.
// Readers share snapshots by pointer and never mutate them.
type Snapshot struct {
	Pool       solana.Pubkey
	Venue      string
	Curve      CurveKind
	TokenA     solana.Pubkey
	TokenB     solana.Pubkey
	Sequence   uint64
	Slot       uint64
	ObservedAt time.Time
	FeeBps     uint16

	// Constant product.
	ReserveA uint64
	ReserveB uint64

	// Concentrated liquidity.
	Liquidity      uint64 // active liquidity at the current tick
	TickCurrent    int32
	TickSpacingBps uint16 // price step per tick, in bps
	PriceQ32       uint64 // current price, Q32.32 token-B-per-token-A
	Ticks          []Tick // initialized ticks, ascending by index

	// Bin liquidity.
	ActiveBin  int32
	BaseFeeBps uint16
	VarFeeBps  uint16 // added per bin crossed (dynamic fee)
	Bins       []Bin  // ascending by bin id
}

// MidPrice returns the spot mid price of token B per token A as a float.
// Detector pre-filtering only; routing arithmetic stays in base units.
func (s *Snapshot) MidPrice() float64 {
	switch s.Curve {
	case CurveConstantProduct:
		if s.ReserveA == 0 {
			return 0
		}
		return float64(s.ReserveB) / float64(s.ReserveA)
	case CurveConcentrated:
		return float64(s.PriceQ32) / (1 << 32)
	case CurveBins:
		for _, b := range s.Bins {
			if b.ID == s.ActiveBin {
				return float64(b.PriceQ32) / (1 << 32)
			}
		}
		return 0
	default:
		return 0
	}
}

// Quote is the result of pricing an exact-in swap against one snapshot.
type Quote struct {
	AmountOut      uint64
	FeePaid        uint64 // in input token base units
	PriceImpactBps uint32
}

// PlanHop is one fully specified leg of an execution plan, consumed by the
// adapter's instruction builder.
type PlanHop struct {
	Pool         *Pool
	AToB         bool
	AmountIn     uint64
	MinAmountOut uint64
	UserSource   solana.Pubkey
	UserDest     solana.Pubkey
	UserOwner    solana.Pubkey
}

// InputMint returns the mint being spent by this hop.
func (h PlanHop) InputMint() solana.Pubkey {
	if h.AToB {
		return h.Pool.TokenA
	}
	return h.Pool.TokenB
}

// OutputMint returns the mint being received by this hop.
func (h PlanHop) OutputMint() solana.Pubkey {
	if h.AToB {
		return h.Pool.TokenB
	}
	return h.Pool.TokenA
}
