package transport

import (
	"sync"
)

// Compile-time interface check.
var _ Link = (*PipeLink)(nil)

// PipeLink is one end of an in-memory link. Datagrams are handed to the
// other end's handler synchronously on Send, which keeps tests and local
// multi-instance sessions deterministic.
type PipeLink struct {
	mu      sync.RWMutex
	handler func([]byte)
	peer    *PipeLink

	done chan struct{}
	once sync.Once
}

// Pipe creates a linked pair of in-memory links. Closing either end closes
// both.
func Pipe() (a, b *PipeLink) {
	a = &PipeLink{done: make(chan struct{})}
	b = &PipeLink{done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies data to the other end. Datagrams sent before the other end
// registers a handler are dropped, like on a real network.
func (p *PipeLink) Send(data []byte) error {
	select {
	case <-p.done:
		return ErrLinkClosed
	default:
	}

	p.peer.mu.RLock()
	fn := p.peer.handler
	p.peer.mu.RUnlock()

	if fn != nil {
		fn(append([]byte(nil), data...))
	}
	return nil
}

// OnMessage registers a callback for incoming datagrams.
func (p *PipeLink) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Done returns a channel that is closed when either end is closed.
func (p *PipeLink) Done() <-chan struct{} {
	return p.done
}

// Close signals that this pipe is done. Safe to call multiple times.
func (p *PipeLink) Close() error {
	p.once.Do(func() { close(p.done) })
	p.peer.once.Do(func() { close(p.peer.done) })
	return nil
}
