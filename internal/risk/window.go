package risk

import "sync"

// Window is a fixed-capacity ring buffer of periodic returns. Once full,
// each push evicts the oldest observation.
type Window struct {
	mu     sync.RWMutex
	buf    []float64
	start  int
	filled int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

func (w *Window) Push(ret float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled < len(w.buf) {
		w.buf[(w.start+w.filled)%len(w.buf)] = ret
		w.filled++
		return
	}
	w.buf[w.start] = ret
	w.start = (w.start + 1) % len(w.buf)
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.filled
}

// Values returns the observations oldest-first.
func (w *Window) Values() []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]float64, w.filled)
	for i := 0; i < w.filled; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}
