package dex

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vortex-trading/vortex/internal/solana"
)

// Errors are data: adapters never abort the pipeline, callers route on
// these sentinels.
var (
	ErrStalePool             = errors.New("dex: pool state is stale")
	ErrInsufficientLiquidity = errors.New("dex: insufficient liquidity")
	ErrUnsupported           = errors.New("dex: unsupported operation")
)

// DecodeError wraps a venue-specific account decode failure.
type DecodeError struct {
	Venue  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dex: decode %s account: %s", e.Venue, e.Reason)
}

// Adapter translates one venue's raw account bytes into snapshots and
// quotes, and builds that venue's swap instructions.
type Adapter interface {
	// Venue returns the venue tag (e.g. "raydium", "orca", "meteora").
	Venue() string

	// Decode parses raw account bytes into a snapshot. Pure.
	Decode(data []byte, meta *Pool) (*Snapshot, error)

	// QuoteExactIn prices an exact-in swap against a snapshot. Pure;
	// numerically stable for amounts up to 2^63 base units, rounding
	// toward zero consistent with the on-chain program.
	QuoteExactIn(snap *Snapshot, tokenIn solana.Pubkey, amountIn uint64) (Quote, error)

	// BuildSwapInstruction assembles the venue's swap instruction for a
	// plan hop.
	BuildSwapInstruction(hop PlanHop) (solana.Instruction, error)

	// RequiredAccounts lists the accounts the hop's instruction touches,
	// for transaction assembly and lookup-table sizing.
	RequiredAccounts(hop PlanHop) []solana.AccountMeta
}

// Registry resolves venue tags to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its venue tag.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Venue()] = a
}

// Get returns the adapter for a venue, or ErrUnsupported.
func (r *Registry) Get(venue string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("%w: venue %q", ErrUnsupported, venue)
	}
	return a, nil
}

// Venues returns registered venue tags, sorted.
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// directionOf resolves which way a swap goes through the pool, erroring
// when tokenIn belongs to neither side.
func directionOf(snap *Snapshot, tokenIn solana.Pubkey) (bool, error) {
	switch tokenIn {
	case snap.TokenA:
		return true, nil
	case snap.TokenB:
		return false, nil
	default:
		return false, fmt.Errorf("%w: token %s not in pool %s", ErrUnsupported, tokenIn, snap.Pool)
	}
}
