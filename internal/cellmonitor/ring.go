package cellmonitor

import "time"

// HistoryCapacity is the number of samples kept per cell.
const HistoryCapacity = 1000

// Record is one sampled cell voltage.
type Record struct {
	Voltage   float64   `json:"voltage"`
	Timestamp time.Time `json:"timestamp"`
}

// Ring is a fixed size FIFO of records. When full the oldest record is
// overwritten.
type Ring struct {
	buf   []Record
	start int
	n     int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Record, capacity)}
}

func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) Len() int { return r.n }

func (r *Ring) Push(rec Record) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// Last returns the newest record.
func (r *Ring) Last() (Record, bool) {
	if r.n == 0 {
		return Record{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// Records returns a copy of the contents, oldest first.
func (r *Ring) Records() []Record {
	out := make([]Record, r.n)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
