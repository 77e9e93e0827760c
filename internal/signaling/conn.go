package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rollnet/internal/transport"
)

const (
	writeTimeout = 5 * time.Second
	maxMessage   = 64 * 1024 // an SDP with every candidate inlined fits easily
)

// conn is one signaling WebSocket bound to the link it negotiates. Writes
// may come from pion's ICE goroutine and the read loop; the read loop is
// the only reader and owns the candidate backlog.
type conn struct {
	ws   *websocket.Conn
	link *transport.WebRTCLink
	wmu  sync.Mutex

	haveRemote bool
	early      []webrtc.ICECandidateInit // trickled before the remote description
}

func newConn(ws *websocket.Conn, link *transport.WebRTCLink) *conn {
	ws.SetReadLimit(maxMessage)
	return &conn{ws: ws, link: link}
}

func (c *conn) write(msg message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

// describe creates a local description with create, applies it and sends it.
func (c *conn) describe(create func() (webrtc.SessionDescription, error), typ messageType) error {
	sdp, err := create()
	if err != nil {
		return err
	}
	if err := c.link.SetLocalDescription(sdp); err != nil {
		return err
	}
	return c.write(message{Type: typ, SDP: sdp.SDP})
}

func (c *conn) offer() error { return c.describe(c.link.CreateOffer, msgTypeOffer) }

// trickle forwards one local ICE candidate. Best-effort: the WebSocket may
// already be closing once the link is up.
func (c *conn) trickle(cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	data, err := json.Marshal(cand.ToJSON())
	if err != nil {
		return
	}
	_ = c.write(message{Type: msgTypeCandidate, Candidate: string(data)})
}

// readLoop applies inbound messages until the WebSocket closes.
func (c *conn) readLoop() error {
	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read WS message: %w", err)
		}
		if err := c.apply(msg); err != nil {
			return fmt.Errorf("%s: %w", msg.Type, err)
		}
	}
}

func (c *conn) apply(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if err := c.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		return c.describe(c.link.CreateAnswer, msgTypeAnswer)

	case msgTypeAnswer:
		return c.setRemote(webrtc.SDPTypeAnswer, msg.SDP)

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("parse ICE candidate: %w", err)
		}
		if !c.haveRemote {
			c.early = append(c.early, init)
			return nil
		}
		return c.link.AddICECandidate(init)
	}
	return fmt.Errorf("unexpected signaling message")
}

// setRemote applies the peer's description and the candidates that raced
// ahead of it.
func (c *conn) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := c.link.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	c.haveRemote = true
	for _, init := range c.early {
		if err := c.link.AddICECandidate(init); err != nil {
			return err
		}
	}
	c.early = nil
	return nil
}
