package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/vortex-trading/vortex/internal/bus"
)

// ---------------------------------------------------------------------------
// ClickHouse writer — batched inserts into execution_outcomes
// ---------------------------------------------------------------------------

// ClickHouseConfig configures the analytics writer.
type ClickHouseConfig struct {
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultClickHouseConfig returns writer defaults.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		DSN:           "clickhouse://localhost:9000/vortex",
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
	}
}

// ClickHouse batches outcome records and flushes on size or interval.
type ClickHouse struct {
	conn   driver.Conn
	config ClickHouseConfig

	mu     sync.Mutex
	buf    []bus.ExecutionOutcome
	closed bool

	stopCh chan struct{}
	done   chan struct{}
}

var _ Writer = (*ClickHouse)(nil)

// NewClickHouse opens a connection and starts the background flush loop.
func NewClickHouse(config ClickHouseConfig) (*ClickHouse, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}

	opts, err := clickhouse.ParseDSN(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse DSN: %w", err)
	}
	opts.MaxOpenConns = 4
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	w := &ClickHouse{
		conn:   conn,
		config: config,
		buf:    make([]bus.ExecutionOutcome, 0, config.BatchSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.flushLoop()

	log.Info().Str("dsn", config.DSN).Msg("clickhouse outcome writer started")
	return w, nil
}

// Write buffers one outcome.
func (w *ClickHouse) Write(_ context.Context, outcome bus.ExecutionOutcome) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("clickhouse writer is closed")
	}
	w.buf = append(w.buf, outcome)
	if len(w.buf) >= w.config.BatchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *ClickHouse) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if err := w.flushLocked(); err != nil {
				log.Error().Err(err).Msg("clickhouse flush failed")
			}
			w.mu.Unlock()
		}
	}
}

func (w *ClickHouse) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO execution_outcomes (
			event_id, ts, schema_version, plan_id, fingerprint, status,
			rule_id, error_category, error_detail,
			venues, pools, input_mint,
			amount_in, expected_out, realized_out,
			net_profit_usd, realized_pnl_usd, committed_usd,
			observed_slippage_bps, confidence, flash_loan,
			signature, slot, stage_timings
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, o := range w.buf {
		timings, _ := json.Marshal(o.StageTimings)
		err := batch.Append(
			o.EventID, o.Timestamp, o.SchemaVersion, o.PlanID, o.Fingerprint, string(o.Status),
			o.RuleID, string(o.ErrorCategory), o.ErrorDetail,
			o.Venues, o.Pools, o.InputMint,
			o.AmountIn, o.ExpectedOut, o.RealizedOut,
			o.NetProfitUSD.InexactFloat64(), o.RealizedPnLUSD.InexactFloat64(), o.CommittedUSD.InexactFloat64(),
			o.ObservedSlippageBps, o.Confidence, o.FlashLoan,
			o.Signature, o.Slot, string(timings),
		)
		if err != nil {
			return fmt.Errorf("append outcome: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	w.buf = w.buf[:0]
	return nil
}

// Close flushes remaining records and closes the connection.
func (w *ClickHouse) Close() error {
	close(w.stopCh)
	<-w.done

	w.mu.Lock()
	w.closed = true
	err := w.flushLocked()
	w.mu.Unlock()
	if cerr := w.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
