package dex

import (
	"encoding/binary"
	"fmt"

	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Concentrated-liquidity adapter (Orca-style CLMM)
// ---------------------------------------------------------------------------

// Account layout, little endian:
//
//	[0]      version (u8, = 1)
//	[1]      status  (u8, 1 = active)
//	[2:34]   token A mint
//	[34:66]  token B mint
//	[66:74]  current price (u64, Q32.32 token-B-per-token-A)
//	[74:78]  current tick (i32)
//	[78:86]  active liquidity (u64, token-B units per tick segment)
//	[86:88]  fee (u16, bps)
//	[88:90]  tick spacing (u16, bps price step per tick)
//	[90:92]  initialized tick count (u16)
//	then per tick, 12 bytes: index (i32), liquidity net (i64)
const (
	clmmHeaderLen = 92
	clmmTickLen   = 12
)

// Anchor-style 8-byte instruction discriminator for swap.
var clmmSwapDiscriminator = [8]byte{0xf8, 0xc6, 0x9e, 0x91, 0xe1, 0x75, 0x87, 0xc8}

// ConcentratedAdapter prices CLMM pools by traversing initialized ticks.
// Within a tick segment the price is pinned; each crossed tick adjusts
// active liquidity by the tick's liquidity net and steps the price by the
// pool's tick spacing.
type ConcentratedAdapter struct {
	venue string
}

// NewConcentratedAdapter creates an adapter for a concentrated-liquidity venue.
func NewConcentratedAdapter(venue string) *ConcentratedAdapter {
	return &ConcentratedAdapter{venue: venue}
}

var _ Adapter = (*ConcentratedAdapter)(nil)

func (a *ConcentratedAdapter) Venue() string { return a.venue }

// Decode parses a CLMM pool account.
func (a *ConcentratedAdapter) Decode(data []byte, meta *Pool) (*Snapshot, error) {
	if len(data) < clmmHeaderLen {
		return nil, &DecodeError{Venue: a.venue, Reason: fmt.Sprintf("account too short: %d bytes", len(data))}
	}
	if data[0] != 1 {
		return nil, &DecodeError{Venue: a.venue, Reason: fmt.Sprintf("unknown version %d", data[0])}
	}
	if data[1] != 1 {
		return nil, &DecodeError{Venue: a.venue, Reason: "pool not active"}
	}

	var mintA, mintB solana.Pubkey
	copy(mintA[:], data[2:34])
	copy(mintB[:], data[34:66])
	if mintA != meta.TokenA || mintB != meta.TokenB {
		return nil, &DecodeError{Venue: a.venue, Reason: "mint mismatch with registered pool"}
	}

	tickCount := int(binary.LittleEndian.Uint16(data[90:92]))
	if len(data) < clmmHeaderLen+tickCount*clmmTickLen {
		return nil, &DecodeError{Venue: a.venue, Reason: "truncated tick array"}
	}

	ticks := make([]Tick, tickCount)
	prev := int32(-1 << 31)
	for i := 0; i < tickCount; i++ {
		off := clmmHeaderLen + i*clmmTickLen
		idx := int32(binary.LittleEndian.Uint32(data[off : off+4]))
		if i > 0 && idx <= prev {
			return nil, &DecodeError{Venue: a.venue, Reason: "tick array not ascending"}
		}
		prev = idx
		ticks[i] = Tick{
			Index:        idx,
			LiquidityNet: int64(binary.LittleEndian.Uint64(data[off+4 : off+12])),
		}
	}

	return &Snapshot{
		Pool:           meta.ID,
		Venue:          a.venue,
		Curve:          CurveConcentrated,
		TokenA:         meta.TokenA,
		TokenB:         meta.TokenB,
		PriceQ32:       binary.LittleEndian.Uint64(data[66:74]),
		TickCurrent:    int32(binary.LittleEndian.Uint32(data[74:78])),
		Liquidity:      binary.LittleEndian.Uint64(data[78:86]),
		FeeBps:         binary.LittleEndian.Uint16(data[86:88]),
		TickSpacingBps: binary.LittleEndian.Uint16(data[88:90]),
		Ticks:          ticks,
	}, nil
}

// QuoteExactIn traverses the active tick range. Fails when the route needs
// more liquidity than initialized ticks provide.
func (a *ConcentratedAdapter) QuoteExactIn(snap *Snapshot, tokenIn solana.Pubkey, amountIn uint64) (Quote, error) {
	if snap.Curve != CurveConcentrated {
		return Quote{}, fmt.Errorf("%w: curve %s", ErrUnsupported, snap.Curve)
	}
	aToB, err := directionOf(snap, tokenIn)
	if err != nil {
		return Quote{}, err
	}
	if amountIn == 0 {
		return Quote{}, fmt.Errorf("%w: zero input", ErrUnsupported)
	}
	if snap.Liquidity == 0 || snap.PriceQ32 == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	netIn, fee := applyFeeBps(amountIn, snap.FeeBps)
	if netIn == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	liquidity := snap.Liquidity
	price := snap.PriceQ32
	tick := snap.TickCurrent
	startPrice := price
	var out uint64

	for netIn > 0 {
		if liquidity == 0 {
			return Quote{}, ErrInsufficientLiquidity
		}
		if aToB {
			// Segment supplies up to `liquidity` token-B units at the
			// pinned price.
			needIn, ok := divQ32(liquidity, price)
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
			if netIn <= needIn || needIn == 0 {
				got, ok := mulQ32(netIn, price)
				if !ok {
					return Quote{}, ErrInsufficientLiquidity
				}
				if got > liquidity {
					got = liquidity
				}
				out += got
				netIn = 0
				break
			}
			out += liquidity
			netIn -= needIn
			// Cross down into the next initialized tick.
			nt, ok := nextTickBelow(snap.Ticks, tick)
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
			liquidity = applyLiquidityNet(liquidity, -nt.LiquidityNet)
			tick = nt.Index
			price, ok = mulDiv64(price, uint64(bpsDenominator-snap.TickSpacingBps), bpsDenominator)
			if !ok || price == 0 {
				return Quote{}, ErrInsufficientLiquidity
			}
		} else {
			// Input is token B; each segment absorbs up to `liquidity`
			// token-B units, paying out A at the pinned price.
			if netIn <= liquidity {
				got, ok := divQ32(netIn, price)
				if !ok {
					return Quote{}, ErrInsufficientLiquidity
				}
				out += got
				netIn = 0
				break
			}
			got, ok := divQ32(liquidity, price)
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
			out += got
			netIn -= liquidity
			// Cross up into the next initialized tick.
			nt, ok := nextTickAbove(snap.Ticks, tick)
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
			liquidity = applyLiquidityNet(liquidity, nt.LiquidityNet)
			tick = nt.Index
			price, ok = mulDiv64(price, uint64(bpsDenominator+snap.TickSpacingBps), bpsDenominator)
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
		}
	}

	if out == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	var impact uint64
	if aToB && startPrice > price {
		impact, _ = mulDiv64(startPrice-price, bpsDenominator, startPrice)
	} else if !aToB && price > startPrice {
		impact, _ = mulDiv64(price-startPrice, bpsDenominator, startPrice)
	}
	return Quote{AmountOut: out, FeePaid: fee, PriceImpactBps: uint32(impact)}, nil
}

// nextTickBelow returns the highest initialized tick strictly below idx.
func nextTickBelow(ticks []Tick, idx int32) (Tick, bool) {
	for i := len(ticks) - 1; i >= 0; i-- {
		if ticks[i].Index < idx {
			return ticks[i], true
		}
	}
	return Tick{}, false
}

// nextTickAbove returns the lowest initialized tick strictly above idx.
func nextTickAbove(ticks []Tick, idx int32) (Tick, bool) {
	for _, t := range ticks {
		if t.Index > idx {
			return t, true
		}
	}
	return Tick{}, false
}

// applyLiquidityNet adjusts active liquidity, clamping at zero.
func applyLiquidityNet(liquidity uint64, net int64) uint64 {
	if net >= 0 {
		return liquidity + uint64(net)
	}
	dec := uint64(-net)
	if dec >= liquidity {
		return 0
	}
	return liquidity - dec
}

// BuildSwapInstruction assembles the CLMM swap instruction.
func (a *ConcentratedAdapter) BuildSwapInstruction(hop PlanHop) (solana.Instruction, error) {
	if hop.Pool == nil {
		return solana.Instruction{}, fmt.Errorf("%w: nil pool", ErrUnsupported)
	}
	data := make([]byte, 25)
	copy(data[0:8], clmmSwapDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:16], hop.AmountIn)
	binary.LittleEndian.PutUint64(data[16:24], hop.MinAmountOut)
	if hop.AToB {
		data[24] = 1
	}
	return solana.Instruction{
		ProgramID: hop.Pool.ProgramID,
		Accounts:  a.RequiredAccounts(hop),
		Data:      data,
	}, nil
}

// RequiredAccounts lists the accounts the swap instruction touches.
func (a *ConcentratedAdapter) RequiredAccounts(hop PlanHop) []solana.AccountMeta {
	return []solana.AccountMeta{
		{Pubkey: hop.Pool.ID, IsWritable: true},
		{Pubkey: hop.Pool.Authority},
		{Pubkey: hop.UserSource, IsWritable: true},
		{Pubkey: hop.UserDest, IsWritable: true},
		{Pubkey: hop.Pool.VaultA, IsWritable: true},
		{Pubkey: hop.Pool.VaultB, IsWritable: true},
		{Pubkey: hop.UserOwner, IsSigner: true},
		{Pubkey: solana.TokenProgram},
	}
}
