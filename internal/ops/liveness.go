package ops

import "sync"

// liveness counts referenced pending ops. The idle channel is closed
// whenever the count is zero.
type liveness struct {
	mu     sync.Mutex
	n      int
	idle   chan struct{}
	isIdle bool
}

func newLiveness() *liveness {
	l := &liveness{idle: make(chan struct{}), isIdle: true}
	close(l.idle)
	return l
}

func (l *liveness) add(delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.n += delta
	if l.n < 0 {
		l.n = 0
	}
	switch {
	case l.n == 0 && !l.isIdle:
		close(l.idle)
		l.isIdle = true
	case l.n > 0 && l.isIdle:
		l.idle = make(chan struct{})
		l.isIdle = false
	}
}

func (l *liveness) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *liveness) ch() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idle
}
