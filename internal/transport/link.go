// Package transport moves datagrams between peers. A Link is one
// bidirectional unreliable channel; the Endpoint multiplexes links behind
// PeerID handles and adds framing, acknowledgement of critical messages,
// retransmission and liveness tracking.
package transport

import "errors"

var (
	ErrLinkClosed      = errors.New("link closed")
	ErrQueueFull       = errors.New("link send queue full")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrPeerTimeout     = errors.New("peer timed out")
	ErrCriticalTimeout = errors.New("critical message not acknowledged")
)

// Link is an unreliable, unordered datagram channel to one remote peer.
// Send never blocks; datagrams may be dropped, duplicated or reordered.
type Link interface {
	Send(data []byte) error
	// OnMessage registers the handler for inbound datagrams. It may be
	// invoked from any goroutine and must not block.
	OnMessage(fn func(data []byte))
	Done() <-chan struct{}
	Close() error
}
