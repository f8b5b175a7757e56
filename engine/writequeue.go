package engine

import (
	"net"
	"sync"
)

// WriteQueue is a single connection's outbound buffer.
//
// A non-blocking, single-threaded event loop would attempt a direct
// write and, if the kernel socket buffer can't absorb everything, park
// the remainder in a userspace buffer until a writable-readiness watcher
// fires. Go's net.Conn has no userspace equivalent to arm:
// (*net.TCPConn).Write already loops internally against the runtime's
// netpoller until every byte is accepted or an error occurs, which is
// precisely what that watcher-driven buffer would be emulating.
// Reimplementing that dance above an already-blocking Write would just
// be a slower, buggier copy of what the runtime does for free, so
// WriteQueue does the idiomatic Go thing: at most one drive goroutine
// writes to the socket at a time, tracked by a flag under a mutex (the
// "single outstanding drain" becomes "the drive goroutine currently
// running"), and a queued caller that arrives while a write is in flight
// has its bytes appended behind it and is handed the same completion
// channel as the in-flight write, exactly as the invariant requires,
// instead of starting a write of its own.
type WriteQueue struct {
	mu      sync.Mutex
	netConn net.Conn
	closed  bool

	writing bool       // a goroutine is currently inside netConn.Write
	drain   chan error // shared completion channel for the in-flight write and anyone queued behind it
	queued  [][]byte   // chunks appended by callers that arrived while writing
}

// NewWriteQueue binds a WriteQueue to a socket.
func NewWriteQueue(netConn net.Conn) *WriteQueue {
	return &WriteQueue{netConn: netConn}
}

// Write appends b to the buffer and returns a channel that resolves once
// b, and everything queued ahead of it, has reached the wire (or failed).
// Callers that arrive while a drain is already
// outstanding share that same channel rather than minting a new one.
func (q *WriteQueue) Write(b []byte) <-chan error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return failedChan(ErrWriteClosed)
	}
	if q.writing {
		q.queued = append(q.queued, append([]byte(nil), b...))
		drain := q.drain
		q.mu.Unlock()
		return drain
	}
	q.writing = true
	q.drain = make(chan error, 1)
	drain := q.drain
	q.mu.Unlock()

	go q.drive(b, drain)
	return drain
}

// drive performs the actual (blocking) socket write on its own goroutine
// so Write never blocks its caller longer than it takes to enqueue, then
// keeps draining anything queued behind it before resolving drain.
func (q *WriteQueue) drive(first []byte, drain chan error) {
	chunk := first
	for {
		if len(chunk) > 0 {
			if _, err := q.netConn.Write(chunk); err != nil {
				q.mu.Lock()
				q.closed = true
				q.writing = false
				q.drain = nil
				q.queued = nil
				q.mu.Unlock()
				drain <- ErrClientDisconnected
				close(drain)
				return
			}
		}
		q.mu.Lock()
		if len(q.queued) == 0 {
			q.writing = false
			q.drain = nil
			q.mu.Unlock()
			drain <- nil
			close(drain)
			return
		}
		chunk = q.queued[0]
		q.queued = q.queued[1:]
		q.mu.Unlock()
	}
}

// IsEmpty reports whether nothing is buffered and no write is in flight.
func (q *WriteQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.writing && len(q.queued) == 0
}

func failedChan(err error) chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
