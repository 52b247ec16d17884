package lcq

// Ring holds the most recent sealed records of a channel for pre-event
// lookback. The oldest record is overwritten when the ring is full.
type Ring struct {
	slots [][]byte
	head  int // next slot to write
	n     int
}

// NewRing returns a ring of depth records.
func NewRing(depth int) *Ring {
	return &Ring{slots: make([][]byte, depth)}
}

// Depth returns the ring capacity.
func (r *Ring) Depth() int { return len(r.slots) }

// Len returns the number of records held.
func (r *Ring) Len() int { return r.n }

// Push stores rec, evicting the oldest record when full.
func (r *Ring) Push(rec []byte) {
	if len(r.slots) == 0 {
		return
	}
	r.slots[r.head] = rec
	r.head = (r.head + 1) % len(r.slots)
	if r.n < len(r.slots) {
		r.n++
	}
}

// Records returns the held records, oldest first.
func (r *Ring) Records() [][]byte {
	out := make([][]byte, 0, r.n)
	start := (r.head - r.n + len(r.slots)) % max(len(r.slots), 1)
	for i := 0; i < r.n; i++ {
		out = append(out, r.slots[(start+i)%len(r.slots)])
	}
	return out
}

// Drain returns the held records, oldest first, and empties the ring.
func (r *Ring) Drain() [][]byte {
	out := r.Records()
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.head = 0
	r.n = 0
	return out
}
