package dex

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clmmSnapshot(meta *Pool) *Snapshot {
	return &Snapshot{
		Pool:           meta.ID,
		Venue:          meta.Venue,
		Curve:          CurveConcentrated,
		TokenA:         meta.TokenA,
		TokenB:         meta.TokenB,
		FeeBps:         30,
		PriceQ32:       200 << 32, // 200 B per A
		TickCurrent:    0,
		Liquidity:      100_000,
		TickSpacingBps: 10,
		Ticks: []Tick{
			{Index: -2, LiquidityNet: 50_000},
			{Index: -1, LiquidityNet: -20_000},
			{Index: 1, LiquidityNet: 30_000},
		},
	}
}

func TestConcentratedDecode(t *testing.T) {
	adapter := NewConcentratedAdapter("orca")
	meta := testPool("orca")

	data := make([]byte, clmmHeaderLen+2*clmmTickLen)
	data[0] = 1
	data[1] = 1
	copy(data[2:34], meta.TokenA[:])
	copy(data[34:66], meta.TokenB[:])
	binary.LittleEndian.PutUint64(data[66:74], 200<<32)
	binary.LittleEndian.PutUint32(data[74:78], uint32(int32(5)))
	binary.LittleEndian.PutUint64(data[78:86], 100_000)
	binary.LittleEndian.PutUint16(data[86:88], 30)
	binary.LittleEndian.PutUint16(data[88:90], 10)
	binary.LittleEndian.PutUint16(data[90:92], 2)
	tick0Index, tick0Liq := int32(-3), int64(-500)
	binary.LittleEndian.PutUint32(data[92:96], uint32(tick0Index))
	binary.LittleEndian.PutUint64(data[96:104], uint64(tick0Liq))
	binary.LittleEndian.PutUint32(data[104:108], uint32(int32(4)))
	binary.LittleEndian.PutUint64(data[108:116], 900)

	snap, err := adapter.Decode(data, meta)
	require.NoError(t, err)
	assert.Equal(t, int32(5), snap.TickCurrent)
	assert.Equal(t, uint64(100_000), snap.Liquidity)
	require.Len(t, snap.Ticks, 2)
	assert.Equal(t, int32(-3), snap.Ticks[0].Index)
	assert.Equal(t, int64(-500), snap.Ticks[0].LiquidityNet)
	assert.Equal(t, int64(900), snap.Ticks[1].LiquidityNet)
}

func TestConcentratedDecodeRejectsUnsortedTicks(t *testing.T) {
	adapter := NewConcentratedAdapter("orca")
	meta := testPool("orca")

	data := make([]byte, clmmHeaderLen+2*clmmTickLen)
	data[0] = 1
	data[1] = 1
	copy(data[2:34], meta.TokenA[:])
	copy(data[34:66], meta.TokenB[:])
	binary.LittleEndian.PutUint16(data[90:92], 2)
	binary.LittleEndian.PutUint32(data[92:96], uint32(int32(7)))
	binary.LittleEndian.PutUint32(data[104:108], uint32(int32(3)))

	_, err := adapter.Decode(data, meta)
	assert.Error(t, err)
}

func TestConcentratedQuoteWithinTick(t *testing.T) {
	adapter := NewConcentratedAdapter("orca")
	meta := testPool("orca")
	snap := clmmSnapshot(meta)

	// Small input stays in the current segment: out = in' * 200.
	q, err := adapter.QuoteExactIn(snap, meta.TokenA, 100)
	require.NoError(t, err)
	// in' = 100 * 9970/10000 = 99; out = 99 * 200 = 19800.
	assert.Equal(t, uint64(19_800), q.AmountOut)
	assert.Equal(t, uint32(0), q.PriceImpactBps)
}

func TestConcentratedQuoteCrossesTicks(t *testing.T) {
	adapter := NewConcentratedAdapter("orca")
	meta := testPool("orca")
	snap := clmmSnapshot(meta)

	// Draining the current segment (100k B costs 500 A at price 200)
	// crosses into tick -1 where liquidity rises by 20k and price steps
	// down 10 bps.
	q, err := adapter.QuoteExactIn(snap, meta.TokenA, 700)
	require.NoError(t, err)
	assert.Greater(t, q.AmountOut, uint64(100_000))
	assert.Greater(t, q.PriceImpactBps, uint32(0))
}

func TestConcentratedQuoteExhaustsTicks(t *testing.T) {
	adapter := NewConcentratedAdapter("orca")
	meta := testPool("orca")
	snap := clmmSnapshot(meta)
	snap.Ticks = nil // no initialized ticks below

	// More input than the active segment can absorb.
	_, err := adapter.QuoteExactIn(snap, meta.TokenA, 10_000)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestConcentratedQuoteBToA(t *testing.T) {
	adapter := NewConcentratedAdapter("orca")
	meta := testPool("orca")
	snap := clmmSnapshot(meta)

	q, err := adapter.QuoteExactIn(snap, meta.TokenB, 20_000)
	require.NoError(t, err)
	// in' = 20000 * 9970/10000 = 19940; out = 19940 / 200 = 99.
	assert.Equal(t, uint64(99), q.AmountOut)
}

func TestConcentratedZeroLiquidity(t *testing.T) {
	adapter := NewConcentratedAdapter("orca")
	meta := testPool("orca")
	snap := clmmSnapshot(meta)
	snap.Liquidity = 0

	_, err := adapter.QuoteExactIn(snap, meta.TokenA, 100)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}
