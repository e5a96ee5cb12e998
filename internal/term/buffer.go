package term

import "sync"

// DefaultBufferCap is the default output buffer capacity (1 MiB).
const DefaultBufferCap = 1024 * 1024

// OutputBuffer is a thread-safe byte buffer holding the most recent process
// output. When an append would exceed the cap, older data is trimmed from the
// front, so the content is always a suffix of the full output stream.
type OutputBuffer struct {
	mu   sync.Mutex
	data []byte
	cap  int
}

// NewOutputBuffer creates a buffer with the given capacity. A non-positive
// capacity uses DefaultBufferCap.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &OutputBuffer{cap: capacity}
}

// Append adds p to the buffer, trimming from the front past the cap.
func (b *OutputBuffer) Append(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	if len(b.data) > b.cap {
		b.data = b.data[len(b.data)-b.cap:]
	}
	b.mu.Unlock()
}

// Snapshot returns a copy of the current contents.
func (b *OutputBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the current length.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Clear drops all buffered data.
func (b *OutputBuffer) Clear() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}
