package proxy

import "sync"

// sessionQueue runs a session's messages one at a time in arrival order. A
// drain goroutine exists only while work is pending.
type sessionQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
	closed  bool
}

// push schedules fn and reports false once the queue is closed.
func (q *sessionQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return true
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
	return true
}

func (q *sessionQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.pending = nil
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// close drops queued work. A message already running finishes.
func (q *sessionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
}
