package heap

import (
	"testing"
)

func TestQueueIndex(t *testing.T) {
	tests := []struct {
		size          uintptr
		roundUp       bool
		group, bucket uint
	}{
		{size: 0, group: 0, bucket: 0},
		{size: 16, group: 0, bucket: 1},
		{size: 240, group: 0, bucket: 15},
		{size: 240, roundUp: true, group: 0, bucket: 15},
		{size: 256, group: 1, bucket: 0},
		{size: 272, group: 1, bucket: 1},
		{size: 512, group: 2, bucket: 0},
		{size: 528, group: 2, bucket: 0},                // 33 units, low bit lost to bucketing
		{size: 528, roundUp: true, group: 2, bucket: 1}, // so round up to the next queue
		{size: 544, roundUp: true, group: 2, bucket: 1}, // exactly the queue minimum
		{size: 1008, group: 2, bucket: 15},
		{size: 1008, roundUp: true, group: 3, bucket: 0}, // bucket overflow moves to the next group
		{size: 1 << 20, group: 13, bucket: 0},
	}
	for _, tt := range tests {
		g, b := queueIndex(tt.size, tt.roundUp)
		if g != tt.group || b != tt.bucket {
			t.Errorf("for %d (roundUp %v), got %d/%d; want %d/%d", tt.size, tt.roundUp, g, b, tt.group, tt.bucket)
		}
	}
}

// sizes returns a spread of aligned sizes: every size up to 64 KiB and then
// a few neighbours of every power of two up to the largest block.
func testSizes() []uintptr {
	var sizes []uintptr
	for s := uintptr(0); s <= 64<<10; s += allocAlign {
		sizes = append(sizes, s)
	}
	for shift := uint(17); shift < sizeBits; shift++ {
		p := uintptr(1) << shift
		for _, s := range []uintptr{p - allocAlign, p, p + allocAlign, p + p/3&^(allocAlign-1)} {
			if s <= maxBlock {
				sizes = append(sizes, s)
			}
		}
	}
	return sizes
}

func TestQueueIndexMonotonic(t *testing.T) {
	for _, roundUp := range []bool{false, true} {
		prev := -1
		var prevSize uintptr
		for _, s := range testSizes() {
			if s < prevSize {
				continue
			}
			g, b := queueIndex(s, roundUp)
			idx := int(g*numBuckets + b)
			if idx < prev {
				t.Fatalf("roundUp %v: index(%d) = %d < index(%d) = %d", roundUp, s, idx, prevSize, prev)
			}
			if g >= numGroups {
				t.Fatalf("roundUp %v: size %d maps to group %d, beyond %d groups", roundUp, s, g, numGroups)
			}
			prev, prevSize = idx, s
		}
	}
}

func TestQueueIndexFit(t *testing.T) {
	for _, s := range testSizes() {
		// Every block on the queue a free block of size s is linked on is
		// no bigger than s...
		if g, b := queueIndex(s, false); queueMin(g, b) > s {
			t.Errorf("size %d linked on queue %d/%d with minimum %d", s, g, b, queueMin(g, b))
		}
		// ...and every block on the queue an allocation starts at is big
		// enough.
		if g, b := queueIndex(s, true); queueMin(g, b) < s {
			t.Errorf("size %d searched from queue %d/%d with minimum %d", s, g, b, queueMin(g, b))
		}
	}
}

func TestQueueBits(t *testing.T) {
	var b queueBits
	b.set(3)
	b.set(40)
	tests := []struct {
		from uint
		want int
	}{
		{0, 3},
		{3, 3},
		{4, 40},
		{41, -1},
		{64, -1},
	}
	for _, tt := range tests {
		if got := b.find(tt.from); got != tt.want {
			t.Errorf("for find(%d), got %d; want %d", tt.from, got, tt.want)
		}
	}
	b.clear(3)
	if b.get(3) != 0 || b.get(40) != 1 {
		t.Errorf("clear(3) left bits %#x", uint64(b))
	}
}
