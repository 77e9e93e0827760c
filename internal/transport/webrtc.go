package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rollnet/internal/util"
)

// Compile-time interface check.
var _ Link = (*WebRTCLink)(nil)

// WebRTCLink wraps a single PeerConnection + DataChannel pair configured
// for datagram delivery.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded and a failed
// connection also closes the link.
type WebRTCLink struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewWebRTCLink creates a link backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling through the
// exposed methods (CreateOffer / CreateAnswer / …) and waits on Ready.
func NewWebRTCLink(ctx context.Context, extraICE ...string) (*WebRTCLink, error) {
	pc, err := newPeerConnection(extraICE)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	lCtx, lCancel := context.WithCancel(ctx)

	l := &WebRTCLink{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        lCtx,
		cancel:     lCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.openSignal) })
	})

	// DC close → cancel link context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		lCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		l.mu.Lock()
		l.pcState = state
		l.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			lCancel()
		}
	})

	l.sender = newSender(lCtx, dc, l.openSignal)

	return l, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (l *WebRTCLink) Ready() <-chan struct{} {
	return l.openSignal
}

// Done returns a channel that is closed when the link is shut down
// (DataChannel closed, connection failed or parent context cancelled).
func (l *WebRTCLink) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (l *WebRTCLink) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (l *WebRTCLink) ConnectionState() webrtc.PeerConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (l *WebRTCLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (l *WebRTCLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (l *WebRTCLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (l *WebRTCLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (l *WebRTCLink) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (l *WebRTCLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues one datagram. It never blocks.
func (l *WebRTCLink) Send(data []byte) error {
	return l.sender.send(l.ctx, data)
}

// OnMessage registers the inbound datagram handler.
func (l *WebRTCLink) OnMessage(fn func([]byte)) {
	l.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		fn(msg.Data)
	})
}
