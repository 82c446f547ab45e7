package splitmap

import "math/bits"

// split ordering
//
// every node in the list carries a 32 bit order key. data nodes take the
// hash of their key, set the top bit, and reverse it. sentinels take
// their bucket index, clear the top bit, and reverse it:
//
// ```
//     bucket 0 sentinel  0000 .... 0000
//     bucket 2 sentinel  0100 .... 0000
//     data, hash 0x2     0100 .... 0001
//     bucket 1 sentinel  1000 .... 0000
//     data, hash 0x5     1010 .... 0001
// ```
//
// after reversal the low bit tells data (1) and sentinels (0) apart, and
// a bucket's sentinel sorts before all of its data and before the sentinel
// of any bucket split out of it later. doubling the directory only ever adds
// sentinels between existing nodes, nothing is moved.

const (
	dataBit   = 0x8000_0000
	orderMask = 0x7fff_ffff
)

func reverse32(x uint32) uint32 {
	return bits.Reverse32(x)
}

func regularOrder(hash uint32) uint32 {
	return reverse32(hash | dataBit)
}

func sentinelOrder(bucket uint32) uint32 {
	return reverse32(bucket & orderMask)
}

func isSentinel(order uint32) bool {
	return order&1 == 0
}

// parentBucket clears the highest set bit. bucket 0 is its own parent.
func parentBucket(bucket uint32) uint32 {
	if bucket == 0 {
		return 0
	}
	return bucket &^ (1 << (bits.Len32(bucket) - 1))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
