package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Venue liveness — seconds since last event, Degraded marking
// ---------------------------------------------------------------------------

// HealthTracker tracks per-venue streaming liveness. A venue that has not
// produced an event within the threshold is marked Degraded; the detector
// skips opportunities crossing a degraded venue.
type HealthTracker struct {
	threshold time.Duration

	mu        sync.RWMutex
	lastEvent map[string]time.Time
	degraded  map[string]bool
}

// NewHealthTracker creates a tracker with the given silence threshold.
func NewHealthTracker(threshold time.Duration) *HealthTracker {
	return &HealthTracker{
		threshold: threshold,
		lastEvent: make(map[string]time.Time),
		degraded:  make(map[string]bool),
	}
}

// Track registers a venue. Venues start Degraded until their first event.
func (h *HealthTracker) Track(venue string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.lastEvent[venue]; !ok {
		h.lastEvent[venue] = time.Time{}
		h.degraded[venue] = true
	}
}

// Touch records an event for a venue.
func (h *HealthTracker) Touch(venue string) {
	now := time.Now()
	h.mu.Lock()
	h.lastEvent[venue] = now
	if h.degraded[venue] {
		h.degraded[venue] = false
		h.mu.Unlock()
		log.Info().Str("venue", venue).Msg("venue recovered")
		return
	}
	h.mu.Unlock()
}

// Degraded reports whether a venue is currently degraded. Unknown venues
// are treated as degraded.
func (h *HealthTracker) Degraded(venue string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.degraded[venue]
	return !ok || d
}

// SecondsSinceEvent returns venue silence in seconds, or -1 before the
// first event.
func (h *HealthTracker) SecondsSinceEvent(venue string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	at, ok := h.lastEvent[venue]
	if !ok || at.IsZero() {
		return -1
	}
	return time.Since(at).Seconds()
}

// Snapshot returns the degradation flag per venue.
func (h *HealthTracker) Snapshot() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(h.degraded))
	for v, d := range h.degraded {
		out[v] = d
	}
	return out
}

// Run periodically re-evaluates degradation until ctx is cancelled.
func (h *HealthTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *HealthTracker) sweep() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for venue, at := range h.lastEvent {
		if at.IsZero() {
			continue
		}
		if now.Sub(at) > h.threshold && !h.degraded[venue] {
			h.degraded[venue] = true
			log.Warn().
				Str("venue", venue).
				Float64("silence_s", now.Sub(at).Seconds()).
				Msg("venue degraded: stream silent")
		}
	}
}
