package session

import "sync"

// historyRing is a bounded in-memory window over the session's output
// stream. Offsets are absolute byte positions in the full transcript, so a
// client holding an offset can resume from the ring when the bytes are
// still resident and fall back to the on-disk transcript when not.
// Adapted from the append-only replay buffer used for PTY reconnects.
type historyRing struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	trimmed int64 // bytes dropped from the front since start
	written int64 // total bytes ever written
}

func newHistoryRing(max int) *historyRing {
	if max <= 0 {
		max = 256 * 1024
	}
	return &historyRing{max: max}
}

// Write appends p and trims the front when over capacity. Returns the
// absolute offset at which p begins.
func (r *historyRing) Write(p []byte) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	offset := r.written
	r.buf = append(r.buf, p...)
	r.written += int64(len(p))
	if over := len(r.buf) - r.max; over > 0 {
		r.buf = r.buf[over:]
		r.trimmed += int64(over)
	}
	return offset
}

// ReadSince returns the resident bytes at or after offset, and the
// absolute offset of the first returned byte (which may be later than
// requested when the prefix was trimmed).
func (r *historyRing) ReadSince(offset int64) ([]byte, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < r.trimmed {
		offset = r.trimmed
	}
	if offset >= r.written {
		return nil, r.written
	}
	start := offset - r.trimmed
	out := make([]byte, int64(len(r.buf))-start)
	copy(out, r.buf[start:])
	return out, offset
}

// Len returns the total bytes written since start.
func (r *historyRing) Len() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}
