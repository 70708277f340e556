package transport

import (
	"sync"
)

// Pipe is an in-process loopback transport: bytes sent on one end arrive
// at the other end's receive callback synchronously. Used by tests and by
// deployments embedding the peer in the same process.
type Pipe struct {
	mu     sync.Mutex
	peer   *Pipe
	recv   ReceiveFunc
	closed bool
}

// NewPipe returns two connected ends.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{}
	b := &Pipe{}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers p to the peer's receive callback on the caller's stack.
func (p *Pipe) Send(b []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrNotConnected
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	recv := peer.recv
	closed := peer.closed
	peer.mu.Unlock()
	if closed || recv == nil {
		return ErrNotConnected
	}

	chunk := make([]byte, len(b))
	copy(chunk, b)
	recv(chunk)
	return nil
}

// SetReceiveCallback registers the inbound sink.
func (p *Pipe) SetReceiveCallback(fn ReceiveFunc) {
	p.mu.Lock()
	p.recv = fn
	p.mu.Unlock()
}

// IsConnected reports whether both ends are open.
func (p *Pipe) IsConnected() bool {
	p.mu.Lock()
	closed := p.closed
	peer := p.peer
	p.mu.Unlock()
	if closed {
		return false
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	return !peer.closed
}

// Close marks this end closed.
func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
