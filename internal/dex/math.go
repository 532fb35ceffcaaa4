package dex

import "math/bits"

// Integer swap math. All routing arithmetic stays on 64-bit base units with
// 128-bit intermediates; rounding is always toward zero to match the
// on-chain programs.

const bpsDenominator = 10_000

// mulDiv64 computes a*b/den with a 128-bit intermediate, truncating.
// ok is false when den == 0 or the quotient overflows uint64.
func mulDiv64(a, b, den uint64) (uint64, bool) {
	if den == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, true
}

// applyFeeBps returns the input net of a bps fee and the fee taken.
func applyFeeBps(amount uint64, feeBps uint16) (net, fee uint64) {
	net, _ = mulDiv64(amount, uint64(bpsDenominator-feeBps), bpsDenominator)
	return net, amount - net
}

// mulQ32 multiplies an amount by a Q32.32 price, truncating.
func mulQ32(amount, priceQ32 uint64) (uint64, bool) {
	hi, lo := bits.Mul64(amount, priceQ32)
	if hi>>32 != 0 {
		return 0, false
	}
	return hi<<32 | lo>>32, true
}

// divQ32 divides an amount by a Q32.32 price, truncating.
func divQ32(amount, priceQ32 uint64) (uint64, bool) {
	if priceQ32 == 0 {
		return 0, false
	}
	// amount << 32 / price with 128-bit intermediate.
	hi := amount >> 32
	lo := amount << 32
	if hi >= priceQ32 {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, priceQ32)
	return q, true
}
