package handshake

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/transport"
	"github.com/1ureka/rollnet/internal/util"
)

// Join requests beyond this rate from one peer are dropped unanswered.
const (
	joinRate  = rate.Limit(5) // per second
	joinBurst = 3
)

type member struct {
	peer  transport.PeerID
	name  string
	ready bool
	host  bool
}

// Host admits guests into a lobby, tracks readiness and starts the session.
// It is not safe for concurrent use; the network lane drives it.
type Host struct {
	log    util.Logger
	cfg    config.Config
	sig    protocol.Signature
	sender Sender

	sessionID uuid.UUID
	phase     Phase
	slots     [config.MaxSlots]*member
	byPeer    map[transport.PeerID]uint8
	limiters  map[transport.PeerID]*rate.Limiter

	start    protocol.SessionStart
	awaiting map[transport.PeerID]bool // guests yet to ack SessionStart

	// Seed overrides the random session seed when non-zero.
	Seed uint64
}

// NewHost creates a host in Idle. name labels the host's own slot.
func NewHost(cfg config.Config, sig protocol.Signature, name string, sender Sender) *Host {
	h := &Host{
		log:       util.Scoped("host"),
		cfg:       cfg,
		sig:       sig,
		sender:    sender,
		sessionID: uuid.New(),
		byPeer:    make(map[transport.PeerID]uint8),
		limiters:  make(map[transport.PeerID]*rate.Limiter),
	}
	h.slots[0] = &member{name: name, ready: true, host: true}
	return h
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (h *Host) Phase() Phase                  { return h.phase }
func (h *Host) Config() config.Config         { return h.cfg }
func (h *Host) SessionID() uuid.UUID          { return h.sessionID }
func (h *Host) Signature() protocol.Signature { return h.sig }

// SessionStart returns the start message once the host has left the lobby.
func (h *Host) SessionStart() (protocol.SessionStart, bool) {
	return h.start, h.phase == PhaseStarting || h.phase == PhaseInSession
}

// Members maps each occupied guest slot to its peer handle.
func (h *Host) Members() map[uint8]transport.PeerID {
	out := make(map[uint8]transport.PeerID)
	for slot, m := range h.slots {
		if m != nil && !m.host {
			out[uint8(slot)] = m.peer
		}
	}
	return out
}

// Lobby lists the occupied slots in slot order.
func (h *Host) Lobby() []protocol.LobbySlot {
	var out []protocol.LobbySlot
	for slot, m := range h.slots {
		if m != nil {
			out = append(out, protocol.LobbySlot{Slot: uint8(slot), Name: m.name, Ready: m.ready})
		}
	}
	return out
}

func (h *Host) occupied() int {
	n := 0
	for _, m := range h.slots {
		if m != nil {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// Open moves Idle → Lobby.
func (h *Host) Open() error {
	if h.phase != PhaseIdle {
		return ErrWrongPhase
	}
	h.setPhase(PhaseLobby)
	h.log.Infof("lobby open: session %s, %s, up to %d players", h.sessionID, h.sig, h.cfg.MaxPlayers)
	h.updateReadiness()
	return nil
}

// HandleMessage feeds one inbound message. Messages outside the handshake
// are ignored.
func (h *Host) HandleMessage(in transport.Inbound, now time.Time) []Event {
	if h.phase.Terminal() || h.phase == PhaseIdle {
		return nil
	}

	switch m := in.Msg.(type) {
	case protocol.JoinRequest:
		return h.onJoin(in.From, m, now)
	case protocol.Ready:
		return h.onReady(in.From, m, now)
	case protocol.Leave:
		return h.PeerLost(in.From, now)
	case protocol.Ack:
		return h.onAck(in)
	}
	return nil
}

func (h *Host) onJoin(from transport.PeerID, req protocol.JoinRequest, now time.Time) []Event {
	lim, ok := h.limiters[from]
	if !ok {
		lim = rate.NewLimiter(joinRate, joinBurst)
		h.limiters[from] = lim
	}
	if !lim.AllowN(now, 1) {
		h.log.Debugf("peer %d: join request rate limited", from)
		return nil
	}

	if slot, ok := h.byPeer[from]; ok {
		h.sendAccept(from, slot, now)
		return nil
	}

	if req.HostingSession != uuid.Nil && req.HostingSession != h.sessionID && !Arbitrate(h.sessionID, req.HostingSession) {
		h.log.Warnf("peer %d also hosts session %s which wins arbitration; yielding", from, req.HostingSession)
		h.reject(from, protocol.RejectHostYielded, now)
		return []Event{{Type: EventYield, Peer: from, Reason: protocol.RejectHostYielded}}
	}

	var reason protocol.RejectReason
	switch {
	case h.sig.Mismatch(req.Signature) != "":
		h.log.Warnf("peer %d (%s): %s", from, req.Name, h.sig.Mismatch(req.Signature))
		reason = protocol.RejectSignatureMismatch
	case h.phase == PhaseStarting || h.phase == PhaseInSession:
		reason = protocol.RejectGameInProgress
	case h.occupied() >= h.cfg.MaxPlayers:
		reason = protocol.RejectLobbyFull
	}
	if reason != 0 {
		h.reject(from, reason, now)
		return []Event{{Type: EventRejected, Peer: from, Reason: reason}}
	}

	slot := h.freeSlot()
	h.slots[slot] = &member{peer: from, name: req.Name}
	h.byPeer[from] = slot
	h.log.Infof("peer %d (%s) joined as slot %d", from, req.Name, slot)

	h.sendAccept(from, slot, now)
	events := []Event{{Type: EventJoined, Peer: from, Slot: slot}}
	return append(events, h.lobbyChanged(now)...)
}

func (h *Host) onReady(from transport.PeerID, m protocol.Ready, now time.Time) []Event {
	slot, ok := h.byPeer[from]
	if !ok || (h.phase != PhaseLobby && h.phase != PhaseAllReady) {
		return nil
	}
	if h.slots[slot].ready == m.Ready {
		return nil
	}
	h.slots[slot].ready = m.Ready
	return h.lobbyChanged(now)
}

func (h *Host) onAck(in transport.Inbound) []Event {
	if h.phase != PhaseStarting || in.AckedKind != protocol.KindSessionStart {
		return nil
	}
	if !h.awaiting[in.From] {
		return nil
	}
	delete(h.awaiting, in.From)
	if len(h.awaiting) > 0 {
		return nil
	}
	h.setPhase(PhaseInSession)
	return []Event{{Type: EventStarted}}
}

// Start broadcasts SessionStart. Only allowed from AllReady. The host
// enters InSession once every guest has acknowledged it.
func (h *Host) Start(initialTick uint64, now time.Time) ([]Event, error) {
	if h.phase != PhaseAllReady {
		return nil, ErrWrongPhase
	}

	seed := h.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	h.start = protocol.SessionStart{
		SessionID:      h.sessionID,
		InitialTick:    initialTick,
		Seed:           seed,
		InputDelay:     uint8(h.cfg.InputDelay),
		RollbackWindow: uint8(h.cfg.RollbackWindow),
		MaxPlayers:     uint8(h.cfg.MaxPlayers),
		Slots:          h.Lobby(),
	}
	h.setPhase(PhaseStarting)

	h.awaiting = make(map[transport.PeerID]bool)
	for peer := range h.byPeer {
		if _, err := h.sender.SendCritical(peer, h.start, now); err != nil {
			h.log.Errorf("session start to peer %d: %v", peer, err)
		}
		h.awaiting[peer] = true
	}

	if len(h.awaiting) == 0 {
		h.setPhase(PhaseInSession)
		return []Event{{Type: EventStarted}}, nil
	}
	return nil, nil
}

// PeerLost removes a peer after a Leave, a transport timeout or an
// abandoned critical message. In the lobby the slot is freed; once the
// session is starting the whole handshake ends.
func (h *Host) PeerLost(peer transport.PeerID, now time.Time) []Event {
	delete(h.limiters, peer)
	slot, ok := h.byPeer[peer]
	if !ok {
		return nil
	}

	switch h.phase {
	case PhaseLobby, PhaseAllReady:
		h.slots[slot] = nil
		delete(h.byPeer, peer)
		h.log.Infof("peer %d left slot %d", peer, slot)
		events := []Event{{Type: EventLeft, Peer: peer, Slot: slot}}
		return append(events, h.lobbyChanged(now)...)

	case PhaseStarting, PhaseInSession:
		h.log.Warnf("peer %d (slot %d) lost during session", peer, slot)
		h.setPhase(PhaseDisconnected)
		return []Event{{Type: EventDisconnected, Peer: peer, Slot: slot, Err: transport.ErrPeerTimeout}}
	}
	return nil
}

// Close moves to Disconnected.
func (h *Host) Close() {
	if h.phase != PhaseDisconnected {
		h.setPhase(PhaseDisconnected)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (h *Host) setPhase(p Phase) {
	h.log.Debugf("phase %s → %s", h.phase, p)
	h.phase = p
}

func (h *Host) freeSlot() uint8 {
	for slot := 1; slot < h.cfg.MaxPlayers; slot++ {
		if h.slots[slot] == nil {
			return uint8(slot)
		}
	}
	panic("handshake: no free slot")
}

func (h *Host) sendAccept(to transport.PeerID, slot uint8, now time.Time) {
	accept := protocol.JoinAccept{
		SessionID:  h.sessionID,
		Slot:       slot,
		MaxPlayers: uint8(h.cfg.MaxPlayers),
		Signature:  h.sig,
		Lobby:      h.Lobby(),
	}
	if _, err := h.sender.SendCritical(to, accept, now); err != nil {
		h.log.Errorf("accept to peer %d: %v", to, err)
	}
}

func (h *Host) reject(to transport.PeerID, reason protocol.RejectReason, now time.Time) {
	h.log.Infof("rejecting peer %d: %s", to, reason)
	if _, err := h.sender.SendCritical(to, protocol.JoinReject{Reason: reason}, now); err != nil {
		h.log.Errorf("reject to peer %d: %v", to, err)
	}
}

// lobbyChanged broadcasts the lobby and re-evaluates AllReady.
func (h *Host) lobbyChanged(now time.Time) []Event {
	update := protocol.LobbyUpdate{Slots: h.Lobby()}
	for peer := range h.byPeer {
		if _, err := h.sender.SendCritical(peer, update, now); err != nil {
			h.log.Errorf("lobby update to peer %d: %v", peer, err)
		}
	}

	events := []Event{{Type: EventLobbyChanged}}
	if h.updateReadiness() {
		events = append(events, Event{Type: EventAllReady})
	}
	return events
}

// updateReadiness toggles Lobby ↔ AllReady and reports entering AllReady.
func (h *Host) updateReadiness() bool {
	need := min(2, h.cfg.MaxPlayers)
	all := h.occupied() >= need
	for _, m := range h.slots {
		if m != nil && !m.ready {
			all = false
		}
	}

	switch {
	case all && h.phase == PhaseLobby:
		h.setPhase(PhaseAllReady)
		return true
	case !all && h.phase == PhaseAllReady:
		h.setPhase(PhaseLobby)
	}
	return false
}
