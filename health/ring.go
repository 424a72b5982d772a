package health

import "time"

// Sample is one metric observation.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// ringCap bounds per-metric sample retention.
const ringCap = 10000

// ring is a fixed-capacity sample buffer, oldest first on read.
type ring struct {
	buf   []Sample
	next  int
	count int
}

func newRing() *ring {
	return &ring{buf: make([]Sample, ringCap)}
}

func (r *ring) push(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// last returns the newest n samples, oldest first.
func (r *ring) last(n int) []Sample {
	if n > r.count {
		n = r.count
	}
	out := make([]Sample, 0, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// since returns all samples at or after the cutoff, oldest first.
func (r *ring) since(cutoff time.Time) []Sample {
	all := r.last(r.count)
	for i, s := range all {
		if !s.At.Before(cutoff) {
			return all[i:]
		}
	}
	return nil
}
