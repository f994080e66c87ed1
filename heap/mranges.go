package heap

// addrRange represents a region of address space.
//
// An addrRange must never span a gap in the address space.
type addrRange struct {
	// base and limit together represent the region of address space
	// [base, limit). That is, base is inclusive, limit is exclusive.
	base, limit uintptr
}

// makeAddrRange creates a new address range from two virtual addresses.
//
// Throws if limit is below base.
func makeAddrRange(base, limit uintptr) addrRange {
	if limit < base {
		throw("addr range limit below base")
	}
	return addrRange{base, limit}
}

// size returns the size of the range represented in bytes.
func (a addrRange) size() uintptr {
	if a.limit <= a.base {
		return 0
	}
	return a.limit - a.base
}

// contains returns whether or not the range contains a given address.
func (a addrRange) contains(addr uintptr) bool {
	return a.base <= addr && addr < a.limit
}
