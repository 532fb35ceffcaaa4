package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/vortex-trading/vortex/internal/bus"
)

// ---------------------------------------------------------------------------
// Outcome Sink — append-only boundary with analytics
// ---------------------------------------------------------------------------

// Writer persists outcome records. The ClickHouse writer is the production
// implementation; tests use Memory.
type Writer interface {
	Write(ctx context.Context, outcome bus.ExecutionOutcome) error
	Close() error
}

// Channel is the append-only outcome channel. A single consumer drains the
// buffer into the writer, which preserves per-fingerprint order (emitters
// already serialize per fingerprint through the gate's in-flight set).
// Overflow drops and counts: analytics loss must never stall the pipeline.
type Channel struct {
	writer Writer
	ch     chan bus.ExecutionOutcome

	emitted atomic.Int64
	dropped atomic.Int64
	errors  atomic.Int64

	wg sync.WaitGroup
}

var _ bus.Sink = (*Channel)(nil)

// NewChannel creates a sink with the given buffer depth.
func NewChannel(writer Writer, buffer int) *Channel {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Channel{
		writer: writer,
		ch:     make(chan bus.ExecutionOutcome, buffer),
	}
}

// Emit appends an outcome. Never blocks.
func (c *Channel) Emit(outcome bus.ExecutionOutcome) {
	select {
	case c.ch <- outcome:
		c.emitted.Add(1)
	default:
		c.dropped.Add(1)
		log.Warn().Str("plan_id", outcome.PlanID).Msg("sink: buffer full, outcome dropped")
	}
}

// Run drains the channel until ctx is cancelled, then flushes what is
// already buffered.
func (c *Channel) Run(ctx context.Context) error {
	c.wg.Add(1)
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return ctx.Err()
		case outcome := <-c.ch:
			c.write(outcome)
		}
	}
}

func (c *Channel) drain() {
	for {
		select {
		case outcome := <-c.ch:
			c.write(outcome)
		default:
			return
		}
	}
}

func (c *Channel) write(outcome bus.ExecutionOutcome) {
	if err := c.writer.Write(context.Background(), outcome); err != nil {
		c.errors.Add(1)
		log.Error().Err(err).Str("plan_id", outcome.PlanID).Msg("sink: write failed")
	}
}

// Close waits for Run to return, then closes the writer. It does not stop
// Emit from buffering further outcomes.
func (c *Channel) Close() error {
	c.wg.Wait()
	return c.writer.Close()
}

// Metrics returns sink counters.
func (c *Channel) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"emitted_total": c.emitted.Load(),
		"dropped_total": c.dropped.Load(),
		"errors_total":  c.errors.Load(),
	}
}

// Memory is an in-memory writer for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	Outcomes []bus.ExecutionOutcome
}

var _ Writer = (*Memory)(nil)

// NewMemory creates an in-memory writer.
func NewMemory() *Memory {
	return &Memory{}
}

// Write appends the outcome.
func (m *Memory) Write(_ context.Context, outcome bus.ExecutionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outcomes = append(m.Outcomes, outcome)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// All returns a copy of the written outcomes.
func (m *Memory) All() []bus.ExecutionOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bus.ExecutionOutcome, len(m.Outcomes))
	copy(out, m.Outcomes)
	return out
}
