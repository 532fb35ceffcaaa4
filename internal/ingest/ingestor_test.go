package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/market"
	"github.com/vortex-trading/vortex/internal/solana"
)

func testPubkey(b byte) solana.Pubkey {
	var pk solana.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func testPool(id byte, venue string) *dex.Pool {
	return &dex.Pool{
		ID:     testPubkey(id),
		Venue:  venue,
		TokenA: testPubkey(100),
		TokenB: testPubkey(101),
		FeeBps: 25,
	}
}

// encodeCP mirrors the constant-product account layout.
func encodeCP(meta *dex.Pool, reserveA, reserveB uint64) []byte {
	data := make([]byte, 84)
	data[0] = 1
	data[1] = 1
	copy(data[2:34], meta.TokenA[:])
	copy(data[34:66], meta.TokenB[:])
	for i := 0; i < 8; i++ {
		data[66+i] = byte(reserveA >> (8 * i))
		data[74+i] = byte(reserveB >> (8 * i))
	}
	data[82] = byte(meta.FeeBps)
	data[83] = byte(meta.FeeBps >> 8)
	return data
}

func newIngestor(t *testing.T, pools ...*dex.Pool) (*Ingestor, *market.Store) {
	t.Helper()
	store := market.NewStore()
	registry := dex.NewRegistry()
	registry.Register(dex.NewConstProductAdapter("raydium"))
	registry.Register(dex.NewConstProductAdapter("orca"))

	cfg := DefaultConfig()
	cfg.DegradedThreshold = 50 * time.Millisecond
	cfg.CheckInterval = 10 * time.Millisecond
	ing, err := New(cfg, store, registry, pools)
	require.NoError(t, err)
	return ing, store
}

func TestIngestorDecodeAndApply(t *testing.T) {
	pool := testPool(1, "raydium")
	ing, store := newIngestor(t, pool)

	updates := make(chan solana.AccountUpdate, 4)
	updates <- solana.AccountUpdate{
		Account:    pool.ID,
		Data:       encodeCP(pool, 1_000, 200_000),
		Slot:       100,
		Sequence:   100 << 16,
		ReceivedAt: time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = ing.Run(ctx, updates) }()

	require.Eventually(t, func() bool {
		snap, ok := store.Get(pool.ID)
		return ok && snap.ReserveA == 1_000
	}, time.Second, 5*time.Millisecond)

	snap, _ := store.Get(pool.ID)
	assert.Equal(t, uint64(100<<16), snap.Sequence)
	assert.Equal(t, uint64(100), snap.Slot)

	cancel()
	<-done
}

func TestIngestorIgnoresUnroutedAccounts(t *testing.T) {
	pool := testPool(1, "raydium")
	ing, _ := newIngestor(t, pool)

	ing.dispatch(solana.AccountUpdate{Account: testPubkey(99), Data: []byte{1}})
	assert.Zero(t, ing.Metrics()["dispatched_total"])
}

func TestIngestorLivenessDegradation(t *testing.T) {
	pool := testPool(1, "raydium")
	ing, _ := newIngestor(t, pool)

	// Venues start degraded until the first event arrives.
	assert.True(t, ing.Health().Degraded("raydium"))

	ing.Health().Touch("raydium")
	assert.False(t, ing.Health().Degraded("raydium"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Health().Run(ctx, 10*time.Millisecond)

	// Silence beyond the threshold re-degrades.
	require.Eventually(t, func() bool {
		return ing.Health().Degraded("raydium")
	}, time.Second, 10*time.Millisecond)
}

func TestCoalescingQueueReplacesSameAccount(t *testing.T) {
	var coalesced atomic.Int64
	q := newCoalescingQueue(8, &coalesced)

	acct := testPubkey(1)
	q.push(solana.AccountUpdate{Account: acct, Sequence: 1})
	q.push(solana.AccountUpdate{Account: acct, Sequence: 2})

	u, ok := q.pop(context.Background())
	require.True(t, ok)
	// The newest state for the account wins; the older event is gone.
	assert.Equal(t, uint64(2), u.Sequence)
	assert.Equal(t, int64(1), coalesced.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok = q.pop(ctx)
	assert.False(t, ok)
}

func TestCoalescingQueueEvictsOldestWhenFull(t *testing.T) {
	var coalesced atomic.Int64
	q := newCoalescingQueue(2, &coalesced)

	q.push(solana.AccountUpdate{Account: testPubkey(1), Sequence: 1})
	q.push(solana.AccountUpdate{Account: testPubkey(2), Sequence: 2})
	q.push(solana.AccountUpdate{Account: testPubkey(3), Sequence: 3})

	u1, _ := q.pop(context.Background())
	u2, _ := q.pop(context.Background())
	assert.Equal(t, testPubkey(2), u1.Account)
	assert.Equal(t, testPubkey(3), u2.Account)
	assert.Equal(t, int64(1), coalesced.Load())
}

func TestIngestorLoadSheddingCoalesces(t *testing.T) {
	// Saturate a tiny queue with updates for the same account while no
	// worker drains it: older events coalesce, the latest survives, and
	// the coalesced counter increments.
	pool := testPool(1, "raydium")
	store := market.NewStore()
	registry := dex.NewRegistry()
	registry.Register(dex.NewConstProductAdapter("raydium"))

	cfg := DefaultConfig()
	cfg.QueueDepth = 2
	ing, err := New(cfg, store, registry, []*dex.Pool{pool})
	require.NoError(t, err)

	for seq := uint64(1); seq <= 50; seq++ {
		ing.dispatch(solana.AccountUpdate{
			Account:  pool.ID,
			Data:     encodeCP(pool, seq, seq),
			Slot:     seq,
			Sequence: seq << 16,
		})
	}

	assert.Equal(t, int64(49), ing.CoalescedTotal())

	// Drain: exactly the newest state remains.
	q := ing.queues["raydium"]
	u, ok := q.pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint64(50<<16), u.Sequence)
}
