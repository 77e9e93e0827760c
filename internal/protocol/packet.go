// Package protocol defines the datagram format exchanged between peers: a
// fixed header carrying the protocol version and the console signature
// fingerprint, followed by one message body.
package protocol

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/1ureka/rollnet/internal/input"
)

// Version is bumped on any incompatible wire change.
const Version uint16 = 1

// Magic opens every datagram.
var Magic = [4]byte{'R', 'L', 'N', 'P'}

// HeaderSize is the fixed header size:
// Magic(4) + Version(2) + Kind(1) + Flags(1) + Seq(4) + Fingerprint(8).
const HeaderSize = 20

// Kind tags the message body.
type Kind uint8

const (
	KindJoinRequest    Kind = 0x01 // guest asks for a slot
	KindJoinAccept     Kind = 0x02 // host assigns a slot
	KindJoinReject     Kind = 0x03 // host refuses, with a reason
	KindLobbyUpdate    Kind = 0x04 // host broadcasts lobby membership
	KindReady          Kind = 0x05 // guest toggles readiness
	KindSessionStart   Kind = 0x06 // host starts the session
	KindInputBundle    Kind = 0x10 // last N ticks of one slot's input
	KindAck            Kind = 0x11 // acknowledges a critical message
	KindHeartbeat      Kind = 0x12 // liveness + RTT probe
	KindChecksumReport Kind = 0x13 // state checksum of a confirmed tick
	KindLeave          Kind = 0x14 // orderly disconnect
)

var kindNames = map[Kind]string{
	KindJoinRequest:    "JoinRequest",
	KindJoinAccept:     "JoinAccept",
	KindJoinReject:     "JoinReject",
	KindLobbyUpdate:    "LobbyUpdate",
	KindReady:          "Ready",
	KindSessionStart:   "SessionStart",
	KindInputBundle:    "InputBundle",
	KindAck:            "Ack",
	KindHeartbeat:      "Heartbeat",
	KindChecksumReport: "ChecksumReport",
	KindLeave:          "Leave",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%#02x)", uint8(k))
}

// Handshake reports whether k belongs to the connection-establishment phase.
func (k Kind) Handshake() bool { return k >= KindJoinRequest && k <= KindSessionStart }

// FlagCritical marks a datagram that must be acknowledged with an Ack
// carrying its Seq.
const FlagCritical uint8 = 1 << 0

// Header precedes every message body.
type Header struct {
	Version     uint16
	Kind        Kind
	Flags       uint8
	Seq         uint32 // non-zero for critical messages
	Fingerprint uint64 // console signature fingerprint of the sender
}

// Critical reports whether the sender expects an Ack.
func (h Header) Critical() bool { return h.Flags&FlagCritical != 0 }

// Message is the sum type of all bodies.
type Message interface {
	Kind() Kind
}

// Envelope is a decoded datagram.
type Envelope struct {
	Header
	Msg Message
}

// ---------------------------------------------------------------------------
// Handshake messages
// ---------------------------------------------------------------------------

// RejectReason explains a JoinReject.
type RejectReason uint8

const (
	RejectSignatureMismatch RejectReason = iota + 1
	RejectLobbyFull
	RejectGameInProgress
	RejectHostYielded // the contacted host lost a double-host arbitration
)

func (r RejectReason) String() string {
	switch r {
	case RejectSignatureMismatch:
		return "SignatureMismatch"
	case RejectLobbyFull:
		return "LobbyFull"
	case RejectGameInProgress:
		return "GameInProgress"
	case RejectHostYielded:
		return "HostYielded"
	}
	return "Unknown"
}

// LobbySlot describes one occupied slot.
type LobbySlot struct {
	Slot  uint8
	Name  string
	Ready bool
}

type JoinRequest struct {
	Signature Signature
	Name      string
	// HostingSession is set when the requester is itself hosting a lobby,
	// so the two hosts can arbitrate. uuid.Nil otherwise.
	HostingSession uuid.UUID
}

type JoinAccept struct {
	SessionID  uuid.UUID
	Slot       uint8
	MaxPlayers uint8
	Signature  Signature
	Lobby      []LobbySlot
}

type JoinReject struct {
	Reason RejectReason
}

type LobbyUpdate struct {
	Slots []LobbySlot
}

type Ready struct {
	Ready bool
}

type SessionStart struct {
	SessionID      uuid.UUID
	InitialTick    uint64
	Seed           uint64
	InputDelay     uint8
	RollbackWindow uint8
	MaxPlayers     uint8
	Slots          []LobbySlot // slot assignments
}

func (JoinRequest) Kind() Kind  { return KindJoinRequest }
func (JoinAccept) Kind() Kind   { return KindJoinAccept }
func (JoinReject) Kind() Kind   { return KindJoinReject }
func (LobbyUpdate) Kind() Kind  { return KindLobbyUpdate }
func (Ready) Kind() Kind        { return KindReady }
func (SessionStart) Kind() Kind { return KindSessionStart }

// ---------------------------------------------------------------------------
// Session messages
// ---------------------------------------------------------------------------

// MaxBundle is the most ticks one InputBundle may carry.
const MaxBundle = 255

// InputBundle carries confirmed input of one slot for ticks
// Start..Start+len(Inputs)-1. Redundancy comes from repeating recent ticks
// in every bundle; bundles are never retransmitted.
type InputBundle struct {
	Slot   uint8
	Start  uint64
	Inputs []input.Input
	// AckTick is the sender's confirmed-through tick for the receiver's
	// slot, letting the receiver trim what it resends.
	AckTick uint64
}

// End returns the last tick carried, or Start-1 for an empty bundle.
func (b InputBundle) End() uint64 { return b.Start + uint64(len(b.Inputs)) - 1 }

// Wraps reports whether the carried tick range runs past the largest tick.
func (b InputBundle) Wraps() bool { return len(b.Inputs) > 0 && b.End() < b.Start }

// Ack acknowledges the critical message with sequence Seq.
type Ack struct {
	Seq uint32
}

// Heartbeat carries the sender's clock (Stamp) and the last stamp it saw
// from the receiver (Echo), so both sides can derive round-trip time.
type Heartbeat struct {
	Stamp int64
	Echo  int64
	Tick  uint64 // sender's current tick, for frame-advantage estimates
}

type ChecksumReport struct {
	Tick uint64
	Sum  uint32
}

type Leave struct{}

func (InputBundle) Kind() Kind    { return KindInputBundle }
func (Ack) Kind() Kind            { return KindAck }
func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (ChecksumReport) Kind() Kind { return KindChecksumReport }
func (Leave) Kind() Kind          { return KindLeave }
