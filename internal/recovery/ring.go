package recovery

import "sync"

const defaultContextBytes = 16 * 1024

// ContextRing keeps the most recent raw output chunks under a byte cap.
// Its contents are handed back to the UI after a recovery so the user can
// see what the subprocess was doing; they are never replayed into the
// subprocess.
type ContextRing struct {
	mu     sync.Mutex
	chunks [][]byte
	total  int
	max    int
}

func NewContextRing(maxBytes int) *ContextRing {
	if maxBytes <= 0 {
		maxBytes = defaultContextBytes
	}
	return &ContextRing{max: maxBytes}
}

func (r *ContextRing) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
	r.total += len(c)
	for r.total > r.max && len(r.chunks) > 1 {
		r.total -= len(r.chunks[0])
		r.chunks = r.chunks[1:]
	}
	if r.total > r.max {
		// single oversized chunk: keep its tail
		keep := r.chunks[0][len(r.chunks[0])-r.max:]
		r.chunks[0] = keep
		r.total = len(keep)
	}
}

// Bytes returns the buffered output in arrival order.
func (r *ContextRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, 0, r.total)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *ContextRing) Clear() {
	r.mu.Lock()
	r.chunks = nil
	r.total = 0
	r.mu.Unlock()
}
