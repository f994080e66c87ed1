package heap

import "math/bits"

// queueBits is a bitmap of up to 64 non-empty free queues (bucketMap) or
// non-empty groups of queues (groupMap).
//
// numbering of bits within the uint64
// starts from the right-most bit (little-endian bit order)
// 1s mean non-empty, 0s mean empty
type queueBits uint64

// get returns bit i of b.
func (b queueBits) get(i uint) uint {
	return uint((b >> i) & 1)
}

// set sets bit i of b.
func (b *queueBits) set(i uint) {
	*b |= 1 << i
}

// clear clears bit i of b.
func (b *queueBits) clear(i uint) {
	// 1 << i - turn on the requested bit only
	// &^= - and with mask, which has the requested bit turned off and the others turned on
	*b &^= 1 << i
}

// find returns the index of the lowest set bit at or above i, or -1 if there
// is none.
func (b queueBits) find(i uint) int {
	if i >= 64 {
		return -1
	}
	// ^0 << i - mask off all bits below i
	m := uint64(b) & (^uint64(0) << i)
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(m)
}
