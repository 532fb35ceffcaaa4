package dex

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dlmmSnapshot(meta *Pool) *Snapshot {
	return &Snapshot{
		Pool:       meta.ID,
		Venue:      meta.Venue,
		Curve:      CurveBins,
		TokenA:     meta.TokenA,
		TokenB:     meta.TokenB,
		ActiveBin:  10,
		BaseFeeBps: 20,
		VarFeeBps:  5,
		Bins: []Bin{
			{ID: 9, ReserveA: 0, ReserveB: 40_000, PriceQ32: 199 << 32},
			{ID: 10, ReserveA: 500, ReserveB: 50_000, PriceQ32: 200 << 32},
			{ID: 11, ReserveA: 600, ReserveB: 0, PriceQ32: 201 << 32},
		},
	}
}

func TestBinDecode(t *testing.T) {
	adapter := NewBinAdapter("meteora")
	meta := testPool("meteora")

	data := make([]byte, dlmmHeaderLen+dlmmBinLen)
	data[0] = 1
	data[1] = 1
	copy(data[2:34], meta.TokenA[:])
	copy(data[34:66], meta.TokenB[:])
	binary.LittleEndian.PutUint32(data[66:70], uint32(int32(42)))
	binary.LittleEndian.PutUint16(data[70:72], 25)
	binary.LittleEndian.PutUint16(data[72:74], 20)
	binary.LittleEndian.PutUint16(data[74:76], 5)
	binary.LittleEndian.PutUint16(data[76:78], 1)
	off := dlmmHeaderLen
	binary.LittleEndian.PutUint32(data[off:off+4], uint32(int32(42)))
	binary.LittleEndian.PutUint64(data[off+4:off+12], 111)
	binary.LittleEndian.PutUint64(data[off+12:off+20], 222)
	binary.LittleEndian.PutUint64(data[off+20:off+28], 7<<32)

	snap, err := adapter.Decode(data, meta)
	require.NoError(t, err)
	assert.Equal(t, int32(42), snap.ActiveBin)
	assert.Equal(t, uint16(20), snap.BaseFeeBps)
	require.Len(t, snap.Bins, 1)
	assert.Equal(t, uint64(111), snap.Bins[0].ReserveA)
	assert.Equal(t, uint64(222), snap.Bins[0].ReserveB)
}

func TestBinQuoteSingleBin(t *testing.T) {
	adapter := NewBinAdapter("meteora")
	meta := testPool("meteora")
	snap := dlmmSnapshot(meta)

	// Small A input fits in the active bin at price 200.
	q, err := adapter.QuoteExactIn(snap, meta.TokenA, 100)
	require.NoError(t, err)
	// net = 100 * 9980/10000 = 99; out = 99 * 200 = 19800.
	assert.Equal(t, uint64(19_800), q.AmountOut)
	assert.Equal(t, uint32(0), q.PriceImpactBps)
}

func TestBinQuoteCrossesBins(t *testing.T) {
	adapter := NewBinAdapter("meteora")
	meta := testPool("meteora")
	snap := dlmmSnapshot(meta)

	// Active bin holds 50k B (251 A gross-of-fee to drain); bin 9 holds
	// another 40k at a lower price with an escalated fee.
	q, err := adapter.QuoteExactIn(snap, meta.TokenA, 300)
	require.NoError(t, err)
	assert.Greater(t, q.AmountOut, uint64(50_000))
	assert.Greater(t, q.PriceImpactBps, uint32(0))
}

func TestBinQuoteEmptyLiquidity(t *testing.T) {
	adapter := NewBinAdapter("meteora")
	meta := testPool("meteora")
	snap := dlmmSnapshot(meta)
	snap.Bins = nil

	_, err := adapter.QuoteExactIn(snap, meta.TokenA, 100)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestBinQuoteExhaustsBins(t *testing.T) {
	adapter := NewBinAdapter("meteora")
	meta := testPool("meteora")
	snap := dlmmSnapshot(meta)

	// Far more input than both sell-side bins can absorb.
	_, err := adapter.QuoteExactIn(snap, meta.TokenA, 10_000)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestBinQuoteBToA(t *testing.T) {
	adapter := NewBinAdapter("meteora")
	meta := testPool("meteora")
	snap := dlmmSnapshot(meta)

	// Selling B walks up: bin 10 has 500 A, bin 11 has 600 A.
	q, err := adapter.QuoteExactIn(snap, meta.TokenB, 10_000)
	require.NoError(t, err)
	// net = 10000 * 9980/10000 = 9980; out = 9980 / 200 = 49.
	assert.Equal(t, uint64(49), q.AmountOut)
}
