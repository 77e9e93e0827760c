package transport

import (
	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN: sessions rely on
// direct P2P connectivity.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with Google STUN servers.
func newPeerConnection(extraICE []string) (*webrtc.PeerConnection, error) {
	servers := []webrtc.ICEServer{{URLs: stunServers}}
	if len(extraICE) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: extraICE})
	}
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// newDataChannel creates a pre-negotiated DataChannel with datagram
// semantics: unordered and never retransmitted by SCTP. Negotiated mode
// (ID 0) lets both sides create the channel without OnDataChannel. Loss is
// handled above this layer, by input redundancy and critical-message acks.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	maxRetransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("rollnet", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}
