package supervisor

import "sync"

// Tail is an io.Writer that keeps only the last n bytes written.
type Tail struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

// NewTail returns a Tail holding at most n bytes.
func NewTail(n int) *Tail {
	return &Tail{buf: make([]byte, 0, n), size: n}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.size {
		t.buf = append(t.buf[:0], p[n-t.size:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

// String returns the retained bytes.
func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
