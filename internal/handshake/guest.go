package handshake

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/transport"
	"github.com/1ureka/rollnet/internal/util"
)

// Guest joins a host's lobby and waits for the session to start.
// It is not safe for concurrent use; the network lane drives it.
type Guest struct {
	log    util.Logger
	cfg    config.Config
	sig    protocol.Signature
	name   string
	sender Sender

	phase    Phase
	host     transport.PeerID
	deadline time.Time
	err      error

	sessionID uuid.UUID
	slot      uint8
	lobby     []protocol.LobbySlot
	start     protocol.SessionStart

	// Hosting is set when this peer runs its own lobby too, so the
	// contacted host can arbitrate.
	Hosting uuid.UUID
}

// NewGuest creates a guest in Idle.
func NewGuest(cfg config.Config, sig protocol.Signature, name string, sender Sender) *Guest {
	return &Guest{
		log:    util.Scoped("guest"),
		cfg:    cfg,
		sig:    sig,
		name:   name,
		sender: sender,
	}
}

func (g *Guest) Phase() Phase                        { return g.phase }
func (g *Guest) Config() config.Config                { return g.cfg }
func (g *Guest) Host() transport.PeerID              { return g.host }
func (g *Guest) Slot() uint8                         { return g.slot }
func (g *Guest) SessionID() uuid.UUID                { return g.sessionID }
func (g *Guest) Lobby() []protocol.LobbySlot         { return g.lobby }
func (g *Guest) SessionStart() protocol.SessionStart { return g.start }

// Err explains a terminal phase.
func (g *Guest) Err() error { return g.err }

// Connect sends a JoinRequest to host and moves Idle → Connecting. The
// request is retransmitted by the transport until the host answers.
func (g *Guest) Connect(host transport.PeerID, now time.Time) error {
	if g.phase != PhaseIdle {
		return ErrWrongPhase
	}
	g.host = host
	g.deadline = now.Add(g.cfg.JoinTimeout)
	g.setPhase(PhaseConnecting)

	req := protocol.JoinRequest{Signature: g.sig, Name: g.name, HostingSession: g.Hosting}
	if _, err := g.sender.SendCritical(host, req, now); err != nil {
		g.fail(PhaseDisconnected, fmt.Errorf("join request: %w", err))
		return g.err
	}
	return nil
}

// SetReady toggles readiness while waiting in the lobby.
func (g *Guest) SetReady(ready bool, now time.Time) error {
	if g.phase != PhaseWaiting {
		return ErrWrongPhase
	}
	_, err := g.sender.SendCritical(g.host, protocol.Ready{Ready: ready}, now)
	return err
}

// HandleMessage feeds one inbound message from the host.
func (g *Guest) HandleMessage(in transport.Inbound, now time.Time) []Event {
	if in.From != g.host || g.phase.Terminal() || g.phase == PhaseIdle {
		return nil
	}

	switch m := in.Msg.(type) {
	case protocol.JoinAccept:
		if g.phase != PhaseConnecting {
			return nil
		}
		return g.validate(m)

	case protocol.JoinReject:
		if g.phase != PhaseConnecting {
			return nil
		}
		g.fail(PhaseRejected, &RejectError{Reason: m.Reason})
		return []Event{{Type: EventRejected, Peer: in.From, Reason: m.Reason, Err: g.err}}

	case protocol.LobbyUpdate:
		if g.phase != PhaseWaiting {
			return nil
		}
		g.lobby = m.Slots
		return []Event{{Type: EventLobbyChanged}}

	case protocol.SessionStart:
		if g.phase != PhaseWaiting {
			return nil
		}
		return g.onStart(m)

	case protocol.Leave:
		g.fail(PhaseDisconnected, ErrHostLeft)
		return []Event{{Type: EventDisconnected, Peer: in.From, Err: g.err}}
	}
	return nil
}

// validate checks the host's accept against our own signature and limits
// before trusting the assigned slot.
func (g *Guest) validate(m protocol.JoinAccept) []Event {
	g.setPhase(PhaseValidating)

	var detail string
	switch {
	case g.sig.Mismatch(m.Signature) != "":
		detail = g.sig.Mismatch(m.Signature)
	case m.MaxPlayers == 0 || int(m.MaxPlayers) > config.MaxSlots:
		detail = fmt.Sprintf("host allows %d players", m.MaxPlayers)
	case m.Slot == 0 || m.Slot >= m.MaxPlayers:
		detail = fmt.Sprintf("slot %d outside 1~%d", m.Slot, m.MaxPlayers-1)
	case m.SessionID == uuid.Nil:
		detail = "missing session id"
	}
	if detail != "" {
		g.log.Warnf("invalid accept from host: %s", detail)
		_ = g.sender.Send(g.host, protocol.Leave{})
		reason := protocol.RejectSignatureMismatch
		g.fail(PhaseRejected, &RejectError{Reason: reason, Detail: detail})
		return []Event{{Type: EventRejected, Peer: g.host, Reason: reason, Err: g.err}}
	}

	g.sessionID, g.slot, g.lobby = m.SessionID, m.Slot, m.Lobby
	g.setPhase(PhaseWaiting)
	g.log.Infof("joined session %s as slot %d", g.sessionID, g.slot)
	return []Event{{Type: EventAccepted, Peer: g.host, Slot: g.slot}}
}

func (g *Guest) onStart(m protocol.SessionStart) []Event {
	ours := false
	for _, s := range m.Slots {
		if s.Slot == g.slot {
			ours = true
		}
	}
	if m.SessionID != g.sessionID || !ours {
		g.log.Warnf("ignoring session start for %s without slot %d", m.SessionID, g.slot)
		return nil
	}

	g.start = m
	g.setPhase(PhaseInSession)
	g.log.Infof("session started at tick %d with %d players", m.InitialTick, len(m.Slots))
	return []Event{{Type: EventStarted, Slot: g.slot}}
}

// Poll enforces the join deadline.
func (g *Guest) Poll(now time.Time) []Event {
	if g.phase == PhaseConnecting && !now.Before(g.deadline) {
		g.fail(PhaseDisconnected, ErrHandshakeTimeout)
		return []Event{{Type: EventDisconnected, Peer: g.host, Err: g.err}}
	}
	return nil
}

// PeerLost ends the handshake when the host goes away.
func (g *Guest) PeerLost(peer transport.PeerID, err error) []Event {
	if peer != g.host || g.phase.Terminal() {
		return nil
	}
	g.fail(PhaseDisconnected, fmt.Errorf("%w: %w", ErrHostLeft, err))
	return []Event{{Type: EventDisconnected, Peer: peer, Err: g.err}}
}

// Close moves to Disconnected.
func (g *Guest) Close() {
	if !g.phase.Terminal() {
		g.setPhase(PhaseDisconnected)
	}
}

func (g *Guest) setPhase(p Phase) {
	g.log.Debugf("phase %s → %s", g.phase, p)
	g.phase = p
}

func (g *Guest) fail(p Phase, err error) {
	g.err = err
	g.log.Warnf("%v", err)
	g.setPhase(p)
}
