package adt

// Hash mixing functions. Integer keys such as capability handles tend to
// be small and sequential; mixing spreads them over the whole bucket
// range even with a weak modulo reduction.

// HashMix32 mixes all bits of a 32-bit value (Thomas Wang's 32-bit mix).
func HashMix32(k uint32) uint32 {
	k = ^k + (k << 15)
	k ^= k >> 12
	k += k << 2
	k ^= k >> 4
	k *= 2057
	k ^= k >> 16
	return k
}

// HashMix64 mixes all bits of a 64-bit value (Thomas Wang's 64-bit mix).
func HashMix64(k uint64) uint64 {
	k = ^k + (k << 21)
	k ^= k >> 24
	k = (k + (k << 3)) + (k << 8)
	k ^= k >> 14
	k = (k + (k << 2)) + (k << 4)
	k ^= k >> 28
	k += k << 31
	return k
}

// HashCombine folds another value into a running hash seed.
func HashCombine(seed, n uint64) uint64 {
	return seed ^ (n + 0x9e3779b9 + (seed << 6) + (seed >> 2))
}
