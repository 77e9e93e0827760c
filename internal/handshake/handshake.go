// Package handshake implements the Host and Guest state machines that admit
// peers into a lobby and agree on a session start. Both machines are driven
// by inbound messages and an explicit clock; they never block.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/transport"
)

// Phase is a handshake state. Host and Guest use disjoint subsets, plus the
// shared terminal states.
type Phase uint8

const (
	PhaseIdle Phase = iota

	// Host
	PhaseLobby
	PhaseAllReady
	PhaseStarting

	// Guest
	PhaseConnecting
	PhaseValidating
	PhaseWaiting

	// Both
	PhaseInSession
	PhaseRejected
	PhaseDisconnected
)

var phaseNames = [...]string{
	PhaseIdle:         "Idle",
	PhaseLobby:        "Lobby",
	PhaseAllReady:     "AllReady",
	PhaseStarting:     "Starting",
	PhaseConnecting:   "Connecting",
	PhaseValidating:   "Validating",
	PhaseWaiting:      "Waiting",
	PhaseInSession:    "InSession",
	PhaseRejected:     "Rejected",
	PhaseDisconnected: "Disconnected",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == PhaseRejected || p == PhaseDisconnected }

var (
	ErrWrongPhase       = errors.New("operation not allowed in current phase")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrHostLeft         = errors.New("host left")
)

// RejectError is a protocol rejection received from, or issued to, a peer.
type RejectError struct {
	Reason protocol.RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rejected: %s (%s)", e.Reason, e.Detail)
	}
	return "rejected: " + e.Reason.String()
}

// Sender is the part of the transport the state machines need.
type Sender interface {
	Send(id transport.PeerID, msg protocol.Message) error
	SendCritical(id transport.PeerID, msg protocol.Message, now time.Time) (uint32, error)
}

// EventType classifies an Event.
type EventType uint8

const (
	EventJoined        EventType = iota + 1 // host admitted a peer
	EventRejected                           // host refused a peer, or guest was refused
	EventLeft                               // a lobby member left before the session started
	EventLobbyChanged                       // membership or readiness changed
	EventAllReady                           // host may start
	EventAccepted                           // guest holds a slot
	EventStarted                            // InSession reached
	EventYield                              // this host lost a double-host arbitration
	EventDisconnected                       // machine reached Disconnected
)

// Event is emitted by the state machines for the caller to act on or log.
type Event struct {
	Type   EventType
	Peer   transport.PeerID
	Slot   uint8
	Reason protocol.RejectReason
	Err    error
}

// Arbitrate settles a double-host race: the lexicographically lower session
// id keeps hosting. It reports whether a wins over b.
func Arbitrate(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
