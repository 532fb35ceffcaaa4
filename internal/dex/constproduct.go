package dex

import (
	"encoding/binary"
	"fmt"

	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Constant-product adapter (Raydium-style AMM)
// ---------------------------------------------------------------------------

// Account layout, little endian:
//
//	[0]     version  (u8, = 1)
//	[1]     status   (u8, 1 = active)
//	[2:34]  token A mint
//	[34:66] token B mint
//	[66:74] reserve A (u64)
//	[74:82] reserve B (u64)
//	[82:84] fee (u16, bps)
const cpAccountLen = 84

const cpSwapDiscriminator = 9 // swap_base_in

// ConstProductAdapter prices x*y=k pools.
type ConstProductAdapter struct {
	venue string
}

// NewConstProductAdapter creates an adapter for a constant-product venue.
func NewConstProductAdapter(venue string) *ConstProductAdapter {
	return &ConstProductAdapter{venue: venue}
}

var _ Adapter = (*ConstProductAdapter)(nil)

func (a *ConstProductAdapter) Venue() string { return a.venue }

// Decode parses a constant-product pool account.
func (a *ConstProductAdapter) Decode(data []byte, meta *Pool) (*Snapshot, error) {
	if len(data) < cpAccountLen {
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

	return &Snapshot{
		Pool:     meta.ID,
		Venue:    a.venue,
		Curve:    CurveConstantProduct,
		TokenA:   meta.TokenA,
		TokenB:   meta.TokenB,
		FeeBps:   binary.LittleEndian.Uint16(data[82:84]),
		ReserveA: binary.LittleEndian.Uint64(data[66:74]),
		ReserveB: binary.LittleEndian.Uint64(data[74:82]),
	}, nil
}

// QuoteExactIn prices an exact-in swap:
//
//	out = in' * reserveOut / (reserveIn + in'),  in' = in * (1 - fee)
//
// Truncating division matches the on-chain program. Price impact for this
// curve is exactly in' / (reserveIn + in').
func (a *ConstProductAdapter) QuoteExactIn(snap *Snapshot, tokenIn solana.Pubkey, amountIn uint64) (Quote, error) {
	if snap.Curve != CurveConstantProduct {
		return Quote{}, fmt.Errorf("%w: curve %s", ErrUnsupported, snap.Curve)
	}
	aToB, err := directionOf(snap, tokenIn)
	if err != nil {
		return Quote{}, err
	}
	if amountIn == 0 {
		return Quote{}, fmt.Errorf("%w: zero input", ErrUnsupported)
	}

	reserveIn, reserveOut := snap.ReserveA, snap.ReserveB
	if !aToB {
		reserveIn, reserveOut = snap.ReserveB, snap.ReserveA
	}
	if reserveIn == 0 || reserveOut == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	netIn, fee := applyFeeBps(amountIn, snap.FeeBps)
	if netIn == 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	denom := reserveIn + netIn
	if denom < reserveIn {
		// uint64 wrap: the pool cannot absorb this input.
		return Quote{}, ErrInsufficientLiquidity
	}
	out, ok := mulDiv64(netIn, reserveOut, denom)
	if !ok {
		return Quote{}, ErrInsufficientLiquidity
	}
	// Reserves must not invert.
	if out >= reserveOut {
		return Quote{}, ErrInsufficientLiquidity
	}

	impact, _ := mulDiv64(netIn, bpsDenominator, denom)
	return Quote{AmountOut: out, FeePaid: fee, PriceImpactBps: uint32(impact)}, nil
}

// BuildSwapInstruction assembles the venue's swap_base_in instruction.
func (a *ConstProductAdapter) BuildSwapInstruction(hop PlanHop) (solana.Instruction, error) {
	if hop.Pool == nil {
		return solana.Instruction{}, fmt.Errorf("%w: nil pool", ErrUnsupported)
	}
	data := make([]byte, 17)
	data[0] = cpSwapDiscriminator
	binary.LittleEndian.PutUint64(data[1:9], hop.AmountIn)
	binary.LittleEndian.PutUint64(data[9:17], hop.MinAmountOut)
	return solana.Instruction{
		ProgramID: hop.Pool.ProgramID,
		Accounts:  a.RequiredAccounts(hop),
		Data:      data,
	}, nil
}

// RequiredAccounts lists the accounts the swap instruction touches.
func (a *ConstProductAdapter) RequiredAccounts(hop PlanHop) []solana.AccountMeta {
	vaultIn, vaultOut := hop.Pool.VaultA, hop.Pool.VaultB
	if !hop.AToB {
		vaultIn, vaultOut = hop.Pool.VaultB, hop.Pool.VaultA
	}
	return []solana.AccountMeta{
		{Pubkey: hop.Pool.ID, IsWritable: true},
		{Pubkey: hop.Pool.Authority},
		{Pubkey: hop.UserSource, IsWritable: true},
		{Pubkey: hop.UserDest, IsWritable: true},
		{Pubkey: vaultIn, IsWritable: true},
		{Pubkey: vaultOut, IsWritable: true},
		{Pubkey: hop.UserOwner, IsSigner: true},
		{Pubkey: solana.TokenProgram},
	}
}
