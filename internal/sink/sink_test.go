package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortex-trading/vortex/internal/bus"
)

func outcome(fingerprint string, status bus.OutcomeStatus) bus.ExecutionOutcome {
	o := bus.ExecutionOutcome{
		BaseEvent:   bus.NewBaseEvent("test"),
		Fingerprint: fingerprint,
		Status:      status,
	}
	o.PlanID = o.EventID
	return o
}

func TestChannelPreservesPerFingerprintOrder(t *testing.T) {
	mem := NewMemory()
	ch := NewChannel(mem, 64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = ch.Run(ctx) }()

	ch.Emit(outcome("fp-1", bus.StatusSubmitted))
	ch.Emit(outcome("fp-2", bus.StatusSubmitted))
	ch.Emit(outcome("fp-1", bus.StatusConfirmed))

	require.Eventually(t, func() bool { return len(mem.All()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	var fp1 []bus.OutcomeStatus
	for _, o := range mem.All() {
		if o.Fingerprint == "fp-1" {
			fp1 = append(fp1, o.Status)
		}
	}
	assert.Equal(t, []bus.OutcomeStatus{bus.StatusSubmitted, bus.StatusConfirmed}, fp1)
}

func TestChannelDropsOnOverflowWithoutBlocking(t *testing.T) {
	mem := NewMemory()
	ch := NewChannel(mem, 1) // no consumer running

	ch.Emit(outcome("fp-1", bus.StatusSubmitted))
	ch.Emit(outcome("fp-2", bus.StatusSubmitted)) // buffer full: dropped

	m := ch.Metrics()
	assert.Equal(t, int64(1), m["emitted_total"])
	assert.Equal(t, int64(1), m["dropped_total"])
}

func TestChannelDrainsOnShutdown(t *testing.T) {
	mem := NewMemory()
	ch := NewChannel(mem, 16)

	for i := 0; i < 5; i++ {
		ch.Emit(outcome("fp", bus.StatusSubmitted))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: Run must still drain the buffer
	_ = ch.Run(ctx)

	assert.Len(t, mem.All(), 5)
}
