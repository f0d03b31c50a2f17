package hub

import "sync"

// defaultMaxBytes caps ring memory even when chunk counts stay low.
const defaultMaxBytes = 4 * 1024 * 1024

// Ring is a bounded buffer of raw output chunks used to prime new
// subscribers. Eviction is oldest-first, by chunk count and total bytes.
type Ring struct {
	mu        sync.Mutex
	chunks    [][]byte
	maxChunks int
	maxBytes  int
	bytes     int
}

func NewRing(maxChunks int) *Ring {
	if maxChunks <= 0 {
		maxChunks = 1
	}
	return &Ring{maxChunks: maxChunks, maxBytes: defaultMaxBytes}
}

// Append adds one chunk, evicting from the front as needed.
func (r *Ring) Append(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := make([]byte, len(chunk))
	copy(c, chunk)
	r.chunks = append(r.chunks, c)
	r.bytes += len(c)

	for len(r.chunks) > r.maxChunks || (r.bytes > r.maxBytes && len(r.chunks) > 1) {
		r.bytes -= len(r.chunks[0])
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
	}
}

// Snapshot returns the ring contents concatenated into one buffer.
func (r *Ring) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, 0, r.bytes)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

// Len returns the number of buffered chunks.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}
