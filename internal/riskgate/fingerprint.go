package riskgate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"time"

	"github.com/vortex-trading/vortex/internal/solver"
)

// Fingerprint content-addresses an opportunity: the normalized hop
// sequence, the input size bucket, and the deadline window. Two plans with
// the same fingerprint are the same opportunity and must not run
// concurrently.
type Fingerprint [16]byte

// String returns the hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// FingerprintWindow buckets deadlines so near-simultaneous re-detections
// of one opportunity collide.
const FingerprintWindow = 2 * time.Second

// FingerprintOf computes a route's fingerprint.
func FingerprintOf(r *solver.Route, deadline time.Time) Fingerprint {
	h := sha256.New()
	for i, hop := range r.Candidate.Hops {
		h.Write(hop.Pool[:])
		dir := byte(0)
		if hop.AToB {
			dir = 1
		}
		h.Write([]byte{dir, byte(i)})
	}

	// Size bucket: power-of-two bucket of the input amount.
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(bits.Len64(r.AmountIn)))
	h.Write(buf[:])

	// Deadline window.
	binary.LittleEndian.PutUint64(buf[:], uint64(deadline.UnixNano()/int64(FingerprintWindow)))
	h.Write(buf[:])

	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}
