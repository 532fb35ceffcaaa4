package solana

import (
	"encoding/binary"
	"sync"
)

// ---------------------------------------------------------------------------
// Priority Fees — adaptive schedule: base + multiplier × recent failures
// ---------------------------------------------------------------------------

const (
	// MaxPriorityFeeLamports is the hard ceiling (0.05 SOL).
	MaxPriorityFeeLamports = 50_000_000

	// DefaultPriorityFeeLamports is the base fee when nothing is configured.
	DefaultPriorityFeeLamports = 10_000
)

// FeeSchedule computes priority fees from a base plus an escalation per
// recent failure on the venue being routed through. The escalation resets
// when a venue confirms a transaction.
type FeeSchedule struct {
	base       uint64
	multiplier float64

	mu       sync.Mutex
	failures map[string]int // venue -> consecutive submit failures
}

// NewFeeSchedule creates a fee schedule.
func NewFeeSchedule(baseLamports uint64, multiplier float64) *FeeSchedule {
	if baseLamports == 0 {
		baseLamports = DefaultPriorityFeeLamports
	}
	if multiplier <= 0 {
		multiplier = 0.5
	}
	return &FeeSchedule{
		base:       baseLamports,
		multiplier: multiplier,
		failures:   make(map[string]int),
	}
}

// Fee returns the priority fee in lamports for a route touching the given
// venues. The worst venue drives the escalation. escalation is an extra
// bump applied on retry attempts.
func (f *FeeSchedule) Fee(venues []string, escalation int) uint64 {
	f.mu.Lock()
	worst := 0
	for _, v := range venues {
		if n := f.failures[v]; n > worst {
			worst = n
		}
	}
	f.mu.Unlock()

	fee := float64(f.base) * (1 + f.multiplier*float64(worst+escalation))
	if fee > MaxPriorityFeeLamports {
		return MaxPriorityFeeLamports
	}
	return uint64(fee)
}

// RecordFailure bumps the failure count for a venue.
func (f *FeeSchedule) RecordFailure(venue string) {
	f.mu.Lock()
	f.failures[venue]++
	f.mu.Unlock()
}

// RecordSuccess resets the failure count for a venue.
func (f *FeeSchedule) RecordSuccess(venue string) {
	f.mu.Lock()
	delete(f.failures, venue)
	f.mu.Unlock()
}

// ComputeUnitPriceInstruction builds a ComputeBudget SetComputeUnitPrice
// instruction (micro-lamports per compute unit).
func ComputeUnitPriceInstruction(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = 3 // SetComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:9], microLamports)
	return Instruction{ProgramID: ComputeBudgetProgram, Data: data}
}

// ComputeUnitLimitInstruction builds a ComputeBudget SetComputeUnitLimit
// instruction.
func ComputeUnitLimitInstruction(units uint32) Instruction {
	data := make([]byte, 5)
	data[0] = 2 // SetComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:5], units)
	return Instruction{ProgramID: ComputeBudgetProgram, Data: data}
}
