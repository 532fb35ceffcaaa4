package detector

import (
	"sync"

	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Cycle Index — pool graph -> short cycles, patched incrementally
// ---------------------------------------------------------------------------

// Hop is one directed leg of a cycle.
type Hop struct {
	Pool solana.Pubkey
	AToB bool
}

// Cycle is a short (length 2 or 3) directed cycle through the pool graph.
// Cycles are indexed once at registration and looked up on every update, so
// they are stored once, in a map keyed by compact ids.
type Cycle struct {
	ID   uint32
	Hops []Hop
}

// Index maintains pool -> cycles-containing-pool. Adding or removing a pool
// patches the index incrementally; the hot path never rebuilds it.
type Index struct {
	mu sync.RWMutex

	pools   map[solana.Pubkey]*dex.Pool
	byMint  map[solana.Pubkey][]solana.Pubkey // mint -> pools touching it
	cycles  map[uint32]*Cycle
	byPool  map[solana.Pubkey][]uint32 // pool -> cycle ids, ascending
	nextID  uint32
}

// NewIndex creates an empty cycle index.
func NewIndex() *Index {
	return &Index{
		pools:  make(map[solana.Pubkey]*dex.Pool),
		byMint: make(map[solana.Pubkey][]solana.Pubkey),
		cycles: make(map[uint32]*Cycle),
		byPool: make(map[solana.Pubkey][]uint32),
	}
}

// AddPool registers a pool and indexes every new 2- and 3-cycle it closes.
func (x *Index) AddPool(meta *dex.Pool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pools[meta.ID]; ok {
		return
	}
	x.pools[meta.ID] = meta

	// 2-cycles: an existing pool over the same unordered pair.
	for _, other := range x.byMint[meta.TokenA] {
		om := x.pools[other]
		if samePair(meta, om) {
			x.addCycle([]Hop{
				{Pool: meta.ID, AToB: true},
				{Pool: om.ID, AToB: om.TokenA == meta.TokenB},
			})
		}
	}

	// 3-cycles: meta(x,y) + q(y,z) + r(z,x).
	for _, qid := range x.byMint[meta.TokenB] {
		q := x.pools[qid]
		if samePair(meta, q) {
			continue
		}
		z, ok := otherSide(q, meta.TokenB)
		if !ok || z == meta.TokenA {
			continue
		}
		for _, rid := range x.byMint[z] {
			r := x.pools[rid]
			if rid == qid || samePair(meta, r) {
				continue
			}
			back, ok := otherSide(r, z)
			if !ok || back != meta.TokenA {
				continue
			}
			x.addCycle([]Hop{
				{Pool: meta.ID, AToB: true},
				{Pool: q.ID, AToB: q.TokenA == meta.TokenB},
				{Pool: r.ID, AToB: r.TokenA == z},
			})
		}
	}

	x.byMint[meta.TokenA] = append(x.byMint[meta.TokenA], meta.ID)
	x.byMint[meta.TokenB] = append(x.byMint[meta.TokenB], meta.ID)
}

// RemovePool retires a pool and drops every cycle through it.
func (x *Index) RemovePool(id solana.Pubkey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	meta, ok := x.pools[id]
	if !ok {
		return
	}
	delete(x.pools, id)
	x.byMint[meta.TokenA] = removePubkey(x.byMint[meta.TokenA], id)
	x.byMint[meta.TokenB] = removePubkey(x.byMint[meta.TokenB], id)

	for _, cid := range x.byPool[id] {
		c, ok := x.cycles[cid]
		if !ok {
			continue
		}
		delete(x.cycles, cid)
		for _, h := range c.Hops {
			if h.Pool != id {
				x.byPool[h.Pool] = removeID(x.byPool[h.Pool], cid)
			}
		}
	}
	delete(x.byPool, id)
}

// CyclesFor returns the cycles through a pool, ascending by cycle id for
// stable tie-breaking within an update batch.
func (x *Index) CyclesFor(id solana.Pubkey) []*Cycle {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := x.byPool[id]
	out := make([]*Cycle, 0, len(ids))
	for _, cid := range ids {
		if c, ok := x.cycles[cid]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Size returns the number of indexed cycles.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.cycles)
}

func (x *Index) addCycle(hops []Hop) {
	x.nextID++
	c := &Cycle{ID: x.nextID, Hops: hops}
	x.cycles[c.ID] = c
	for _, h := range hops {
		x.byPool[h.Pool] = append(x.byPool[h.Pool], c.ID)
	}
}

func samePair(a, b *dex.Pool) bool {
	return (a.TokenA == b.TokenA && a.TokenB == b.TokenB) ||
		(a.TokenA == b.TokenB && a.TokenB == b.TokenA)
}

// otherSide returns the opposite mint of a pool given one side.
func otherSide(p *dex.Pool, mint solana.Pubkey) (solana.Pubkey, bool) {
	switch mint {
	case p.TokenA:
		return p.TokenB, true
	case p.TokenB:
		return p.TokenA, true
	default:
		return solana.Pubkey{}, false
	}
}

func removePubkey(s []solana.Pubkey, id solana.Pubkey) []solana.Pubkey {
	for i, v := range s {
		if v == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removeID(s []uint32, id uint32) []uint32 {
	for i, v := range s {
		if v == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
