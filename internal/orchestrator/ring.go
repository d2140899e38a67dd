package orchestrator

// ringCapacity bounds the per-job log buffer.
const ringCapacity = 300

// ringLog is a fixed-capacity FIFO log buffer. Callers must hold the
// orchestrator mutex.
type ringLog struct {
	buf   []LogEntry
	start int
	count int
}

func newRingLog(capacity int) *ringLog {
	if capacity <= 0 {
		capacity = ringCapacity
	}
	return &ringLog{buf: make([]LogEntry, capacity)}
}

func (r *ringLog) append(entry LogEntry) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = entry
		r.count++
		return
	}
	// Full: overwrite the oldest entry.
	r.buf[r.start] = entry
	r.start = (r.start + 1) % len(r.buf)
}

// entries returns the buffered entries oldest-first.
func (r *ringLog) entries() []LogEntry {
	out := make([]LogEntry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
