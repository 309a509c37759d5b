package herd

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionRequest is a pending one-shot claim on a connection from a named
// pool. Exactly one of Execute/Abort ever answers a request; whichever fires
// first wins and every later call is a no-op.
type ConnectionRequest struct {
	ID      string
	Pool    string
	Created time.Time

	mu       sync.Mutex
	answered bool
	ready    chan struct{}
	conn     Connection
	err      error
}

// NewConnectionRequest stamps a fresh id and the creation time.
func NewConnectionRequest(pool string) *ConnectionRequest {
	return &ConnectionRequest{
		ID:      uuid.NewString(),
		Pool:    pool,
		Created: time.Now(),
		ready:   make(chan struct{}),
	}
}

// Execute answers the request with a connection. Reports whether this call
// was the one that answered it.
func (cr *ConnectionRequest) Execute(conn Connection) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if cr.answered {
		return false
	}

	cr.answered = true
	cr.conn = conn
	close(cr.ready)
	return true
}

// Abort answers the request with an error. Reports whether this call was the
// one that answered it.
func (cr *ConnectionRequest) Abort(err error) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if cr.answered {
		return false
	}

	cr.answered = true
	cr.err = err
	close(cr.ready)
	return true
}

// Answered reports whether the request has reached its terminal state.
func (cr *ConnectionRequest) Answered() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.answered
}

// IsExpired reports whether the request has waited longer than ttl.
func (cr *ConnectionRequest) IsExpired(ttl time.Duration) bool {
	return time.Since(cr.Created) > ttl
}

// Ready becomes closed once the request is answered either way.
func (cr *ConnectionRequest) Ready() <-chan struct{} {
	return cr.ready
}

// Result returns the answer. It blocks until the request is answered.
func (cr *ConnectionRequest) Result() (Connection, error) {
	<-cr.ready

	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.conn, cr.err
}
