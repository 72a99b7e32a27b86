package capture

// Blocker re-slices backend periods of any size into fixed-size blocks.
// It is not safe for concurrent use; audio backends call it from a single
// callback goroutine.
type Blocker struct {
	size int
	buf  []byte
}

func NewBlocker(size int) *Blocker {
	return &Blocker{size: size, buf: make([]byte, 0, size)}
}

// Write appends p and calls emit once per completed block. The slice passed
// to emit is only valid for the duration of the call.
func (b *Blocker) Write(p []byte, emit func(block []byte)) {
	for len(p) > 0 {
		need := b.size - len(b.buf)
		if len(b.buf) == 0 && len(p) >= b.size {
			emit(p[:b.size])
			p = p[b.size:]
			continue
		}
		if need > len(p) {
			need = len(p)
		}
		b.buf = append(b.buf, p[:need]...)
		p = p[need:]
		if len(b.buf) == b.size {
			emit(b.buf)
			b.buf = b.buf[:0]
		}
	}
}

// Pending returns the number of buffered bytes not yet emitted.
func (b *Blocker) Pending() int { return len(b.buf) }

func (b *Blocker) Reset() { b.buf = b.buf[:0] }
