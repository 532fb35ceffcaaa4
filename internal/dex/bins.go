package dex

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Bin-liquidity adapter (Meteora-style DLMM)
// ---------------------------------------------------------------------------

// Account layout, little endian:
//
//	[0]     version (u8, = 1)
//	[1]     status  (u8, 1 = active)
//	[2:34]  token A mint
//	[34:66] token B mint
//	[66:70] active bin id (i32)
//	[70:72] bin step (u16, bps)
//	[72:74] base fee (u16, bps)
//	[74:76] variable fee per crossed bin (u16, bps)
//	[76:78] bin count (u16)
//	then per bin, 28 bytes: id (i32), reserve A (u64), reserve B (u64),
//	price (u64, Q32.32 token-B-per-token-A)
const (
	dlmmHeaderLen = 78
	dlmmBinLen    = 28
)

var dlmmSwapDiscriminator = [8]byte{0x41, 0x2d, 0x11, 0x5b, 0x2f, 0x78, 0x51, 0xe2}

// BinAdapter prices bin-based pools: price is constant within a bin, bins
// are consumed in price order from the active bin, and each crossed bin
// escalates the dynamic fee.
type BinAdapter struct {
	venue string
}

// NewBinAdapter creates an adapter for a bin-liquidity venue.
func NewBinAdapter(venue string) *BinAdapter {
	return &BinAdapter{venue: venue}
}

var _ Adapter = (*BinAdapter)(nil)

func (a *BinAdapter) Venue() string { return a.venue }

// Decode parses a bin-liquidity pool account.
func (a *BinAdapter) Decode(data []byte, meta *Pool) (*Snapshot, error) {
	if len(data) < dlmmHeaderLen {
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

	binCount := int(binary.LittleEndian.Uint16(data[76:78]))
	if len(data) < dlmmHeaderLen+binCount*dlmmBinLen {
		return nil, &DecodeError{Venue: a.venue, Reason: "truncated bin array"}
	}

	bins := make([]Bin, binCount)
	for i := 0; i < binCount; i++ {
		off := dlmmHeaderLen + i*dlmmBinLen
		bins[i] = Bin{
			ID:       int32(binary.LittleEndian.Uint32(data[off : off+4])),
			ReserveA: binary.LittleEndian.Uint64(data[off+4 : off+12]),
			ReserveB: binary.LittleEndian.Uint64(data[off+12 : off+20]),
			PriceQ32: binary.LittleEndian.Uint64(data[off+20 : off+28]),
		}
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].ID < bins[j].ID })

	return &Snapshot{
		Pool:       meta.ID,
		Venue:      a.venue,
		Curve:      CurveBins,
		TokenA:     meta.TokenA,
		TokenB:     meta.TokenB,
		ActiveBin:  int32(binary.LittleEndian.Uint32(data[66:70])),
		FeeBps:     binary.LittleEndian.Uint16(data[70:72]), // bin step doubles as the fee-rate tag
		BaseFeeBps: binary.LittleEndian.Uint16(data[72:74]),
		VarFeeBps:  binary.LittleEndian.Uint16(data[74:76]),
		Bins:       bins,
	}, nil
}

// QuoteExactIn consumes bins in price order starting from the active bin.
// The per-bin dynamic fee is base + variable × bins crossed so far.
func (a *BinAdapter) QuoteExactIn(snap *Snapshot, tokenIn solana.Pubkey, amountIn uint64) (Quote, error) {
	if snap.Curve != CurveBins {
		return Quote{}, fmt.Errorf("%w: curve %s", ErrUnsupported, snap.Curve)
	}
	aToB, err := directionOf(snap, tokenIn)
	if err != nil {
		return Quote{}, err
	}
	if amountIn == 0 {
		return Quote{}, fmt.Errorf("%w: zero input", ErrUnsupported)
	}
	if len(snap.Bins) == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	// Order of consumption: selling A walks prices downward, selling B
	// walks prices upward, both starting at the active bin.
	order := binsFrom(snap.Bins, snap.ActiveBin, aToB)
	if len(order) == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	remaining := amountIn
	var out, feeTotal uint64
	var startPrice, endPrice uint64
	crossed := uint16(0)

	for _, bin := range order {
		if remaining == 0 {
			break
		}
		if bin.PriceQ32 == 0 {
			continue
		}
		avail := bin.ReserveB
		if !aToB {
			avail = bin.ReserveA
		}
		if avail == 0 {
			crossed++
			continue
		}
		if startPrice == 0 {
			startPrice = bin.PriceQ32
		}
		endPrice = bin.PriceQ32

		feeBps := snap.BaseFeeBps + snap.VarFeeBps*crossed
		if feeBps >= bpsDenominator {
			feeBps = bpsDenominator - 1
		}

		// Input needed to drain this bin entirely, gross of fee.
		var grossNeed uint64
		if aToB {
			need, ok := divQ32(avail, bin.PriceQ32)
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
			grossNeed = grossFromNet(need, feeBps)
		} else {
			need, ok := mulQ32(avail, bin.PriceQ32)
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
			grossNeed = grossFromNet(need, feeBps)
		}

		if remaining <= grossNeed || grossNeed == 0 {
			net, fee := applyFeeBps(remaining, feeBps)
			var got uint64
			var ok bool
			if aToB {
				got, ok = mulQ32(net, bin.PriceQ32)
			} else {
				got, ok = divQ32(net, bin.PriceQ32)
			}
			if !ok {
				return Quote{}, ErrInsufficientLiquidity
			}
			if got > avail {
				got = avail
			}
			out += got
			feeTotal += fee
			remaining = 0
			break
		}

		out += avail
		_, fee := applyFeeBps(grossNeed, feeBps)
		feeTotal += fee
		remaining -= grossNeed
		crossed++
	}

	if remaining > 0 {
		return Quote{}, ErrInsufficientLiquidity
	}
	if out == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	var impact uint64
	if startPrice > 0 {
		if aToB && startPrice > endPrice {
			impact, _ = mulDiv64(startPrice-endPrice, bpsDenominator, startPrice)
		} else if !aToB && endPrice > startPrice {
			impact, _ = mulDiv64(endPrice-startPrice, bpsDenominator, startPrice)
		}
	}
	return Quote{AmountOut: out, FeePaid: feeTotal, PriceImpactBps: uint32(impact)}, nil
}

// binsFrom returns the bins at and beyond the active bin in consumption
// order for the given direction.
func binsFrom(bins []Bin, active int32, aToB bool) []Bin {
	// bins are sorted ascending by id; higher id = higher price.
	start := sort.Search(len(bins), func(i int) bool { return bins[i].ID >= active })
	if aToB {
		// Walk downward in price: active, active-1, ...
		if start == len(bins) || bins[start].ID != active {
			start--
		}
		out := make([]Bin, 0, start+1)
		for i := start; i >= 0; i-- {
			out = append(out, bins[i])
		}
		return out
	}
	out := make([]Bin, 0, len(bins)-start)
	for i := start; i < len(bins); i++ {
		out = append(out, bins[i])
	}
	return out
}

// grossFromNet inverts the fee: the gross input whose net-of-fee part
// equals net. Rounds up so draining a bin never under-pays the fee.
func grossFromNet(net uint64, feeBps uint16) uint64 {
	den := uint64(bpsDenominator - feeBps)
	gross, ok := mulDiv64(net, bpsDenominator, den)
	if !ok {
		return 0
	}
	if check, _ := mulDiv64(gross, den, bpsDenominator); check < net {
		gross++
	}
	return gross
}

// BuildSwapInstruction assembles the DLMM swap instruction.
func (a *BinAdapter) BuildSwapInstruction(hop PlanHop) (solana.Instruction, error) {
	if hop.Pool == nil {
		return solana.Instruction{}, fmt.Errorf("%w: nil pool", ErrUnsupported)
	}
	data := make([]byte, 25)
	copy(data[0:8], dlmmSwapDiscriminator[:])
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
func (a *BinAdapter) RequiredAccounts(hop PlanHop) []solana.AccountMeta {
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
