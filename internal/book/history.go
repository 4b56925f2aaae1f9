package book

// DefaultHistoryCapacity is the number of samples each history buffer keeps.
const DefaultHistoryCapacity = 300

// ring is a fixed-capacity FIFO of optional values. Once full, each push
// overwrites the oldest entry. Not safe for concurrent use; Book guards it.
type ring struct {
	buf   []NullFloat
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &ring{buf: make([]NullFloat, capacity)}
}

func (r *ring) push(v NullFloat) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// values returns a copy, oldest first.
func (r *ring) values() []NullFloat {
	out := make([]NullFloat, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
