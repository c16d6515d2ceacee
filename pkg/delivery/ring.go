package delivery

// ring is a fixed-capacity circular buffer of broadcast records. The
// arena never grows, capping memory under sustained broadcast load; once
// full, each add evicts the oldest entry.
type ring struct {
	arena []BroadcastRecord
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{arena: make([]BroadcastRecord, capacity)}
}

func (r *ring) add(rec BroadcastRecord) {
	r.arena[r.next] = rec
	r.next = (r.next + 1) % len(r.arena)
	if r.count < len(r.arena) {
		r.count++
	}
}

// last returns up to n records, oldest first.
func (r *ring) last(n int) []BroadcastRecord {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]BroadcastRecord, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.arena)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.arena[(start+i)%len(r.arena)])
	}
	return out
}
