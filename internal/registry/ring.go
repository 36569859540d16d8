package registry

// ringBuffer retains the most recent bytes of session output for scrollback
// replay. Writes beyond the capacity evict the oldest bytes.
type ringBuffer struct {
	buf   []byte
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer{buf: make([]byte, capacity)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.start = 0
		r.size = len(r.buf)
		return n, nil
	}
	for _, b := range p {
		idx := (r.start + r.size) % len(r.buf)
		r.buf[idx] = b
		if r.size < len(r.buf) {
			r.size++
		} else {
			r.start = (r.start + 1) % len(r.buf)
		}
	}
	return n, nil
}

// Bytes returns the retained output, oldest first.
func (r *ringBuffer) Bytes() []byte {
	out := make([]byte, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ringBuffer) Len() int {
	return r.size
}
