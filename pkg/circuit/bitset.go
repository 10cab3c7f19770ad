package circuit

// bitSet is a fixed-capacity bit vector used for the dead-node
// reachability sweep. One allocation per PruneTopN call, no growth.
type bitSet struct {
	buckets []uint64
}

func newBitSet(capacity int) *bitSet {
	return &bitSet{buckets: make([]uint64, (capacity>>6)+1)}
}

func (bs *bitSet) Add(n NodeID) {
	bs.buckets[n>>6] |= 1 << (uint(n) & 63)
}

func (bs *bitSet) Has(n NodeID) bool {
	return bs.buckets[n>>6]&(1<<(uint(n)&63)) != 0
}
