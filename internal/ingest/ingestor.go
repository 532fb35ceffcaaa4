package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vortex-trading/vortex/internal/dex"
	"github.com/vortex-trading/vortex/internal/market"
	"github.com/vortex-trading/vortex/internal/solana"
)

// ---------------------------------------------------------------------------
// Stream Ingestor — dispatch, decode, commit, coalesce
// ---------------------------------------------------------------------------

// Config configures the ingestor.
type Config struct {
	QueueDepth        int           `yaml:"queue_depth"`         // per-venue work queue bound
	Workers           int           `yaml:"workers"`             // decode workers per venue
	DegradedThreshold time.Duration `yaml:"degraded_threshold"`  // silence before a venue is Degraded
	CheckInterval     time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns ingestor defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:        1024,
		Workers:           2,
		DegradedThreshold: 10 * time.Second,
		CheckInterval:     time.Second,
	}
}

// route maps one streamed account to its owner.
type route struct {
	adapter dex.Adapter
	meta    *dex.Pool
}

// Ingestor consumes the account stream, dispatches updates to the owning
// venue adapter, commits snapshots to the store, and tracks per-venue
// liveness. Backpressure coalesces: a newer event for an account that is
// already queued replaces the older one — the newest state is the only one
// that matters. When a venue queue already holds QueueDepth accounts, the
// event of the oldest queued account is dropped to make room.
type Ingestor struct {
	config Config
	store  *market.Store

	routes map[solana.Pubkey]route
	queues map[string]*coalescingQueue
	health *HealthTracker

	// Stats.
	dispatched   atomic.Int64
	decodeErrors atomic.Int64
	coalesced    atomic.Int64
}

// New creates an ingestor over a fixed routing table. The table is built at
// startup from the pool registry: account id -> owning adapter.
func New(config Config, store *market.Store, registry *dex.Registry, pools []*dex.Pool) (*Ingestor, error) {
	if config.QueueDepth <= 0 {
		config.QueueDepth = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = 10 * time.Second
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}

	ing := &Ingestor{
		config: config,
		store:  store,
		routes: make(map[solana.Pubkey]route, len(pools)),
		queues: make(map[string]*coalescingQueue),
		health: NewHealthTracker(config.DegradedThreshold),
	}
	for _, p := range pools {
		adapter, err := registry.Get(p.Venue)
		if err != nil {
			return nil, err
		}
		ing.routes[p.ID] = route{adapter: adapter, meta: p}
		if _, ok := ing.queues[p.Venue]; !ok {
			ing.queues[p.Venue] = newCoalescingQueue(config.QueueDepth, &ing.coalesced)
			ing.health.Track(p.Venue)
		}
		store.RegisterPool(p)
	}
	return ing, nil
}

// Accounts returns every account id the ingestor routes, for stream
// subscription.
func (ing *Ingestor) Accounts() []solana.Pubkey {
	out := make([]solana.Pubkey, 0, len(ing.routes))
	for id := range ing.routes {
		out = append(out, id)
	}
	return out
}

// Health returns the venue liveness tracker.
func (ing *Ingestor) Health() *HealthTracker {
	return ing.health
}

// Run consumes updates until the channel closes or ctx is cancelled.
func (ing *Ingestor) Run(ctx context.Context, updates <-chan solana.AccountUpdate) error {
	g, ctx := errgroup.WithContext(ctx)

	for venue, q := range ing.queues {
		venue, q := venue, q
		for i := 0; i < ing.config.Workers; i++ {
			g.Go(func() error {
				ing.worker(ctx, venue, q)
				return nil
			})
		}
	}

	g.Go(func() error {
		ing.health.Run(ctx, ing.config.CheckInterval)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case u, ok := <-updates:
				if !ok {
					return nil
				}
				ing.dispatch(u)
			}
		}
	})

	return g.Wait()
}

func (ing *Ingestor) dispatch(u solana.AccountUpdate) {
	r, ok := ing.routes[u.Account]
	if !ok {
		return
	}
	ing.dispatched.Add(1)
	ing.health.Touch(r.meta.Venue)
	ing.queues[r.meta.Venue].push(u)
}

func (ing *Ingestor) worker(ctx context.Context, venue string, q *coalescingQueue) {
	for {
		u, ok := q.pop(ctx)
		if !ok {
			return
		}
		r := ing.routes[u.Account]
		snap, err := r.adapter.Decode(u.Data, r.meta)
		if err != nil {
			ing.decodeErrors.Add(1)
			log.Warn().Err(err).
				Str("venue", venue).
				Str("account", u.Account.String()).
				Msg("ingest: decode failed")
			continue
		}
		snap.Sequence = u.Sequence
		snap.Slot = u.Slot
		snap.ObservedAt = u.ReceivedAt
		ing.store.Apply(snap)
	}
}

// CoalescedTotal returns the number of change notices dropped in favor of a
// newer event for the same account.
func (ing *Ingestor) CoalescedTotal() int64 {
	return ing.coalesced.Load()
}

// Metrics returns ingestor counters.
func (ing *Ingestor) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"dispatched_total":               ing.dispatched.Load(),
		"decode_errors_total":            ing.decodeErrors.Load(),
		"change_notices_coalesced_total": ing.coalesced.Load(),
	}
}

// ---------------------------------------------------------------------------
// Coalescing queue — bounded, newest state per account wins
// ---------------------------------------------------------------------------

type coalescingQueue struct {
	mu        sync.Mutex
	limit     int
	order     []solana.Pubkey
	pending   map[solana.Pubkey]solana.AccountUpdate
	notify    chan struct{}
	coalesced *atomic.Int64
}

func newCoalescingQueue(limit int, coalesced *atomic.Int64) *coalescingQueue {
	return &coalescingQueue{
		limit:     limit,
		pending:   make(map[solana.Pubkey]solana.AccountUpdate, limit),
		notify:    make(chan struct{}, 1),
		coalesced: coalesced,
	}
}

func (q *coalescingQueue) push(u solana.AccountUpdate) {
	q.mu.Lock()
	if _, ok := q.pending[u.Account]; ok {
		// Same account already queued: replace with the newer state.
		q.pending[u.Account] = u
		q.coalesced.Add(1)
	} else {
		if len(q.order) >= q.limit {
			// Full: drop the oldest queued account entirely.
			oldest := q.order[0]
			q.order = q.order[1:]
			delete(q.pending, oldest)
			q.coalesced.Add(1)
		}
		q.order = append(q.order, u.Account)
		q.pending[u.Account] = u
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *coalescingQueue) pop(ctx context.Context) (solana.AccountUpdate, bool) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			acct := q.order[0]
			q.order = q.order[1:]
			u := q.pending[acct]
			delete(q.pending, acct)
			q.mu.Unlock()
			return u, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return solana.AccountUpdate{}, false
		case <-q.notify:
		}
	}
}
