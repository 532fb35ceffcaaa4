package market

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Market State Store — sharded pool snapshots, single writer per shard
// ---------------------------------------------------------------------------

// SnapshotHistory is the per-pool ring depth used for micro-volatility
// filtering.
const SnapshotHistory = 8

const shardCount = 32

// ApplyResult is the outcome of committing a snapshot.
type ApplyResult int

const (
	// Applied: the snapshot superseded the stored one.
	Applied ApplyResult = iota
	// Stale: a lower sequence arrived; dropped.
	Stale
	// NoOp: sequence equal to the stored one; neither applied nor error.
	NoOp
	// UnknownPool: the pool is not registered.
	UnknownPool
)

// String returns the apply result name.
func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case NoOp:
		return "noop"
	case UnknownPool:
		return "unknown_pool"
	default:
		return "invalid"
	}
}

// poolState is one pool's slot in a shard. The latest pointer and ring are
// only written under the shard lock; snapshots themselves are immutable.
type poolState struct {
	meta    *dex.Pool
	latest  *dex.Snapshot
	ring    [SnapshotHistory]*dex.Snapshot
	ringPos int
	ringLen int
}

type shard struct {
	mu    sync.RWMutex
	pools map[solana.Pubkey]*poolState
}

// Store is the in-memory market state: pool id -> latest snapshot plus a
// small history ring. Strictly memory-resident; state is reconstructible
// from the chain.
type Store struct {
	shards [shardCount]shard

	subMu sync.RWMutex
	subs  []chan solana.Pubkey

	// Stats.
	applied   atomic.Int64
	stale     atomic.Int64
	noops     atomic.Int64
	unknown   atomic.Int64
	poolCount atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].pools = make(map[solana.Pubkey]*poolState)
	}
	return s
}

func (s *Store) shardFor(id solana.Pubkey) *shard {
	// First byte of the address spreads uniformly; ids are hashes already.
	return &s.shards[id[0]%shardCount]
}

// RegisterPool adds a pool to the store. Idempotent.
func (s *Store) RegisterPool(meta *dex.Pool) {
	sh := s.shardFor(meta.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.pools[meta.ID]; ok {
		return
	}
	sh.pools[meta.ID] = &poolState{meta: meta}
	s.poolCount.Add(1)
	log.Debug().Str("pool", meta.ID.String()).Str("venue", meta.Venue).Msg("store: pool registered")
}

// RetirePool removes a pool on adapter signal.
func (s *Store) RetirePool(id solana.Pubkey) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.pools[id]; ok {
		delete(sh.pools, id)
		s.poolCount.Add(-1)
	}
}

// Apply commits a snapshot. Sequences are monotone: lower is dropped,
// equal is a no-op, higher supersedes and notifies subscribers.
func (s *Store) Apply(snap *dex.Snapshot) ApplyResult {
	sh := s.shardFor(snap.Pool)
	sh.mu.Lock()
	ps, ok := sh.pools[snap.Pool]
	if !ok {
		sh.mu.Unlock()
		s.unknown.Add(1)
		return UnknownPool
	}
	if ps.latest != nil {
		if snap.Sequence < ps.latest.Sequence {
			sh.mu.Unlock()
			s.stale.Add(1)
			return Stale
		}
		if snap.Sequence == ps.latest.Sequence {
			sh.mu.Unlock()
			s.noops.Add(1)
			return NoOp
		}
	}
	ps.latest = snap
	ps.ring[ps.ringPos] = snap
	ps.ringPos = (ps.ringPos + 1) % SnapshotHistory
	if ps.ringLen < SnapshotHistory {
		ps.ringLen++
	}
	sh.mu.Unlock()

	s.applied.Add(1)
	s.notify(snap.Pool)
	return Applied
}

// Get returns the latest snapshot for a pool.
func (s *Store) Get(id solana.Pubkey) (*dex.Snapshot, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ps, ok := sh.pools[id]
	if !ok || ps.latest == nil {
		return nil, false
	}
	return ps.latest, true
}

// Meta returns the static pool registration.
func (s *Store) Meta(id solana.Pubkey) (*dex.Pool, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ps, ok := sh.pools[id]
	if !ok {
		return nil, false
	}
	return ps.meta, true
}

// History returns up to SnapshotHistory recent snapshots, oldest first.
func (s *Store) History(id solana.Pubkey) []*dex.Snapshot {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ps, ok := sh.pools[id]
	if !ok || ps.ringLen == 0 {
		return nil
	}
	out := make([]*dex.Snapshot, 0, ps.ringLen)
	start := (ps.ringPos - ps.ringLen + SnapshotHistory) % SnapshotHistory
	for i := 0; i < ps.ringLen; i++ {
		out = append(out, ps.ring[(start+i)%SnapshotHistory])
	}
	return out
}

// Pools returns all registered pool ids.
func (s *Store) Pools() []solana.Pubkey {
	var out []solana.Pubkey
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.pools {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Subscribe returns a channel of pool ids whose snapshot just advanced.
// Overflow drops the oldest notice: recency beats completeness.
func (s *Store) Subscribe(buffer int) <-chan solana.Pubkey {
	if buffer <= 0 {
		buffer = 1024
	}
	ch := make(chan solana.Pubkey, buffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(id solana.Pubkey) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- id:
		default:
			// Drop the oldest notice to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- id:
			default:
			}
		}
	}
}

// Metrics returns store counters.
func (s *Store) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"pools":         s.poolCount.Load(),
		"applied_total": s.applied.Load(),
		"stale_total":   s.stale.Load(),
		"noop_total":    s.noops.Load(),
		"unknown_total": s.unknown.Load(),
	}
}
