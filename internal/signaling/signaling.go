// Package signaling performs the WebSocket-based SDP/ICE exchange that sets
// up one WebRTC datagram link per guest. All WebSocket details are
// internal; callers receive ready links and hand them to the transport
// endpoint. The WebSocket is closed as soon as the DataChannel opens.
package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rollnet/internal/transport"
	"github.com/1ureka/rollnet/internal/util"
)

// Listener is the host side: a PIN-protected WebSocket server that turns
// each connecting guest into a WebRTC link.
type Listener struct {
	srv  *server
	port int
	ice  []string
}

// Listen starts the signaling server on addr. Up to backlog guests may wait
// for Accept at once.
func Listen(addr, pin string, backlog int, extraICE ...string) (*Listener, error) {
	if pin == "" {
		pin = generatePIN(4)
	}
	srv := newServer(pin, backlog)
	port, err := srv.start(addr)
	if err != nil {
		return nil, err
	}
	return &Listener{srv: srv, port: port, ice: extraICE}, nil
}

// Port returns the port the server listens on.
func (l *Listener) Port() int { return l.port }

// PIN returns the PIN guests must present.
func (l *Listener) PIN() string { return l.srv.pin }

// Close stops accepting guests. Links already returned stay open.
func (l *Listener) Close() { l.srv.close() }

// Accept waits for the next guest and runs the exchange, offering first.
// The returned link is open.
func (l *Listener) Accept(ctx context.Context) (*transport.WebRTCLink, error) {
	wsConn, err := l.srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for guest: %w", err)
	}
	defer wsConn.Close()
	util.LogDebug("signaling: guest connected from %s", wsConn.RemoteAddr())

	return exchange(ctx, wsConn, true, l.ice)
}

// Dial connects to a host's signaling server and runs the guest side of the
// exchange. The URL carries the PIN, e.g. wss://host.example/ws?pin=1234.
func Dial(ctx context.Context, wsURL string, extraICE ...string) (*transport.WebRTCLink, error) {
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("signaling: WS connected: %s", wsURL)

	return exchange(ctx, wsConn, false, extraICE)
}

// exchange creates a link, trickles ICE over wsConn and blocks until the
// DataChannel opens, the WebSocket fails or ctx is done. ctx bounds the
// exchange only; a returned link stays open until closed.
func exchange(ctx context.Context, wsConn *websocket.Conn, offer bool, extraICE []string) (*transport.WebRTCLink, error) {
	link, err := transport.NewWebRTCLink(context.WithoutCancel(ctx), extraICE...)
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}

	c := newConn(wsConn, link)
	link.OnICECandidate(c.trickle)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.readLoop() // exits when wsConn is closed by the caller
	}()

	if offer {
		if err := c.offer(); err != nil {
			link.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-link.Ready():
		util.LogDebug("signaling: DataChannel established, closing WS")
		return link, nil

	case err := <-errCh:
		link.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}
}
