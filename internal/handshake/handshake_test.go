package handshake

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/transport"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var (
	t0  = time.Unix(1700000000, 0)
	rom = []byte("cartridge")
	sig = protocol.NewSignature(rom, protocol.ConsoleZX, config.TickRate60)
)

func endpointOptions(s protocol.Signature) transport.Options {
	return transport.Options{
		Fingerprint:        s.Fingerprint(),
		RetransmitInterval: 100 * time.Millisecond,
		CriticalTimeout:    2 * time.Second,
		DisconnectTimeout:  5 * time.Second,
	}
}

type guestSide struct {
	ep     *transport.Endpoint
	guest  *Guest
	toHost transport.PeerID
	atHost transport.PeerID // the host's handle for this guest
	events []Event
}

// lobby is a host plus any number of guests connected through pipes.
type lobby struct {
	t      *testing.T
	cfg    config.Config
	hostEP *transport.Endpoint
	host   *Host
	guests []*guestSide
	events []Event
	now    time.Time
}

func newLobby(t *testing.T, maxPlayers int) *lobby {
	cfg := config.Default()
	cfg.MaxPlayers = maxPlayers
	ep := transport.NewEndpoint(endpointOptions(sig))
	h := NewHost(cfg, sig, "host", ep)
	h.Seed = 99
	require.NoError(t, h.Open())
	return &lobby{t: t, cfg: cfg, hostEP: ep, host: h, now: t0}
}

// addGuest connects a new guest with the given signature and sends its
// join request.
func (l *lobby) addGuest(name string, s protocol.Signature) *guestSide {
	a, b := transport.Pipe()
	gs := &guestSide{ep: transport.NewEndpoint(endpointOptions(s))}
	gs.atHost = l.hostEP.Attach(a, l.now)
	gs.toHost = gs.ep.Attach(b, l.now)
	gs.guest = NewGuest(l.cfg, s, name, gs.ep)
	l.guests = append(l.guests, gs)
	require.NoError(l.t, gs.guest.Connect(gs.toHost, l.now))
	l.settle()
	return gs
}

// settle delivers messages back and forth until nothing moves.
func (l *lobby) settle() {
	for i := 0; i < 10; i++ {
		moved := false
		for _, in := range l.hostEP.RecvAll(l.now) {
			moved = true
			l.events = append(l.events, l.host.HandleMessage(in, l.now)...)
		}
		for _, gs := range l.guests {
			for _, in := range gs.ep.RecvAll(l.now) {
				moved = true
				gs.events = append(gs.events, gs.guest.HandleMessage(in, l.now)...)
			}
		}
		if !moved {
			return
		}
	}
}

func hasEvent(events []Event, typ EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

// recorder is a Sender that only records what was sent.
type recorder struct {
	sent []protocol.Message
}

func (r *recorder) Send(_ transport.PeerID, msg protocol.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) SendCritical(_ transport.PeerID, msg protocol.Message, _ time.Time) (uint32, error) {
	r.sent = append(r.sent, msg)
	return uint32(len(r.sent)), nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestFullHandshake walks two guests from join to InSession.
func TestFullHandshake(t *testing.T) {
	l := newLobby(t, 4)
	g1 := l.addGuest("alice", sig)
	g2 := l.addGuest("bob", sig)

	assert.Equal(t, PhaseWaiting, g1.guest.Phase())
	assert.Equal(t, uint8(1), g1.guest.Slot())
	assert.Equal(t, uint8(2), g2.guest.Slot())
	assert.Equal(t, PhaseLobby, l.host.Phase())
	assert.Equal(t, l.host.SessionID(), g2.guest.SessionID())

	// Lobby updates reached the first guest.
	require.Len(t, g1.guest.Lobby(), 3)

	require.NoError(t, g1.guest.SetReady(true, l.now))
	l.settle()
	assert.Equal(t, PhaseLobby, l.host.Phase())

	require.NoError(t, g2.guest.SetReady(true, l.now))
	l.settle()
	assert.Equal(t, PhaseAllReady, l.host.Phase())
	assert.True(t, hasEvent(l.events, EventAllReady))

	_, err := l.host.Start(0, l.now)
	require.NoError(t, err)
	assert.Equal(t, PhaseStarting, l.host.Phase())

	l.settle()
	assert.Equal(t, PhaseInSession, g1.guest.Phase())
	assert.Equal(t, PhaseInSession, g2.guest.Phase())
	assert.Equal(t, PhaseInSession, l.host.Phase())
	assert.True(t, hasEvent(l.events, EventStarted))

	start := g1.guest.SessionStart()
	assert.Equal(t, uint64(99), start.Seed)
	assert.Len(t, start.Slots, 3)
	assert.Equal(t, uint8(8), start.RollbackWindow)
	assert.Equal(t, uint8(4), start.MaxPlayers)
	assert.Equal(t, map[uint8]transport.PeerID{1: g1.atHost, 2: g2.atHost}, l.host.Members())
}

// TestFifthJoinLobbyFull fills four slots, then a fifth request must be
// rejected without disturbing the lobby.
func TestFifthJoinLobbyFull(t *testing.T) {
	l := newLobby(t, 4)
	for _, name := range []string{"a", "b", "c"} {
		gs := l.addGuest(name, sig)
		require.NoError(t, gs.guest.SetReady(true, l.now))
		l.settle()
	}
	require.Equal(t, PhaseAllReady, l.host.Phase())
	before := l.host.Lobby()

	fifth := l.addGuest("e", sig)

	assert.Equal(t, PhaseRejected, fifth.guest.Phase())
	var rej *RejectError
	require.ErrorAs(t, fifth.guest.Err(), &rej)
	assert.Equal(t, protocol.RejectLobbyFull, rej.Reason)

	assert.Equal(t, PhaseAllReady, l.host.Phase())
	assert.Equal(t, before, l.host.Lobby())
	for _, gs := range l.guests[:3] {
		assert.Equal(t, PhaseWaiting, gs.guest.Phase())
	}
}

// TestTickRateMismatchRejectedBeforeSlot sends a join with a different tick
// rate: rejected with SignatureMismatch and no slot is ever assigned.
func TestTickRateMismatchRejectedBeforeSlot(t *testing.T) {
	l := newLobby(t, 4)
	other := protocol.NewSignature(rom, protocol.ConsoleZX, config.TickRate30)

	gs := l.addGuest("slow", other)

	assert.Equal(t, PhaseRejected, gs.guest.Phase())
	var rej *RejectError
	require.ErrorAs(t, gs.guest.Err(), &rej)
	assert.Equal(t, protocol.RejectSignatureMismatch, rej.Reason)

	assert.Len(t, l.host.Lobby(), 1)
	assert.Empty(t, l.host.Members())
	assert.False(t, hasEvent(l.events, EventJoined))
	assert.Equal(t, PhaseLobby, l.host.Phase())
}

// TestGameInProgress rejects joins after the session started.
func TestGameInProgress(t *testing.T) {
	l := newLobby(t, 4)
	g1 := l.addGuest("a", sig)
	require.NoError(t, g1.guest.SetReady(true, l.now))
	l.settle()
	_, err := l.host.Start(0, l.now)
	require.NoError(t, err)
	l.settle()
	require.Equal(t, PhaseInSession, l.host.Phase())

	late := l.addGuest("late", sig)
	var rej *RejectError
	require.ErrorAs(t, late.guest.Err(), &rej)
	assert.Equal(t, protocol.RejectGameInProgress, rej.Reason)
	assert.Equal(t, PhaseInSession, l.host.Phase())
}

// TestFullLobbyInProgress joins a running session whose lobby is also full:
// the running game is the reason reported.
func TestFullLobbyInProgress(t *testing.T) {
	l := newLobby(t, 2)
	g1 := l.addGuest("a", sig)
	require.NoError(t, g1.guest.SetReady(true, l.now))
	l.settle()
	_, err := l.host.Start(0, l.now)
	require.NoError(t, err)
	l.settle()
	require.Equal(t, PhaseInSession, l.host.Phase())
	require.Len(t, l.host.Lobby(), 2)

	late := l.addGuest("late", sig)
	var rej *RejectError
	require.ErrorAs(t, late.guest.Err(), &rej)
	assert.Equal(t, protocol.RejectGameInProgress, rej.Reason)
}

// TestUnreadyAndLeave drops back to Lobby on un-ready and frees the slot
// when a guest leaves.
func TestUnreadyAndLeave(t *testing.T) {
	l := newLobby(t, 4)
	g1 := l.addGuest("a", sig)
	require.NoError(t, g1.guest.SetReady(true, l.now))
	l.settle()
	require.Equal(t, PhaseAllReady, l.host.Phase())

	require.NoError(t, g1.guest.SetReady(false, l.now))
	l.settle()
	assert.Equal(t, PhaseLobby, l.host.Phase())

	require.NoError(t, g1.ep.Send(g1.toHost, protocol.Leave{}))
	l.settle()
	assert.True(t, hasEvent(l.events, EventLeft))
	assert.Len(t, l.host.Lobby(), 1)

	g2 := l.addGuest("b", sig)
	assert.Equal(t, uint8(1), g2.guest.Slot(), "freed slot is reused")
}

// TestStartRequiresAllReady refuses to start from Lobby.
func TestStartRequiresAllReady(t *testing.T) {
	l := newLobby(t, 4)
	l.addGuest("a", sig)
	_, err := l.host.Start(0, l.now)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

// TestPeerLostDuringSession ends the host handshake.
func TestPeerLostDuringSession(t *testing.T) {
	l := newLobby(t, 2)
	g1 := l.addGuest("a", sig)
	require.NoError(t, g1.guest.SetReady(true, l.now))
	l.settle()
	_, err := l.host.Start(0, l.now)
	require.NoError(t, err)

	events := l.host.PeerLost(g1.atHost, l.now)
	require.True(t, hasEvent(events, EventDisconnected))
	assert.Equal(t, PhaseDisconnected, l.host.Phase())
}

// TestGuestJoinTimeout gives up when the host never answers.
func TestGuestJoinTimeout(t *testing.T) {
	_, b := transport.Pipe()
	ep := transport.NewEndpoint(endpointOptions(sig))
	host := ep.Attach(b, t0)

	g := NewGuest(config.Default(), sig, "lonely", ep)
	require.NoError(t, g.Connect(host, t0))
	assert.Equal(t, PhaseConnecting, g.Phase())

	assert.Empty(t, g.Poll(t0.Add(4*time.Second)))
	events := g.Poll(t0.Add(5 * time.Second))
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrHandshakeTimeout)
	assert.Equal(t, PhaseDisconnected, g.Phase())
}

// TestGuestValidatesAccept rejects an accept whose signature differs from
// ours even though the host admitted us.
func TestGuestValidatesAccept(t *testing.T) {
	rec := &recorder{}
	g := NewGuest(config.Default(), sig, "g", rec)
	require.NoError(t, g.Connect(1, t0))

	other := protocol.NewSignature([]byte("other"), protocol.ConsoleZX, config.TickRate60)
	events := g.HandleMessage(transport.Inbound{From: 1, Msg: protocol.JoinAccept{
		SessionID: uuid.New(), Slot: 1, MaxPlayers: 4, Signature: other,
	}}, t0)

	require.True(t, hasEvent(events, EventRejected))
	assert.Equal(t, PhaseRejected, g.Phase())
	assert.Equal(t, protocol.KindLeave, rec.sent[len(rec.sent)-1].Kind())
}

// TestDoubleHostArbitration: the lower session id keeps hosting.
func TestDoubleHostArbitration(t *testing.T) {
	low := uuid.MustParse("00000000-0000-4000-8000-000000000001")
	high := uuid.MustParse("ffffffff-0000-4000-8000-000000000001")
	assert.True(t, Arbitrate(low, high))
	assert.False(t, Arbitrate(high, low))

	t.Run("contacted host yields", func(t *testing.T) {
		rec := &recorder{}
		h := NewHost(config.Default(), sig, "h", rec)
		h.sessionID = high
		require.NoError(t, h.Open())

		events := h.HandleMessage(transport.Inbound{From: 5, Msg: protocol.JoinRequest{
			Signature: sig, HostingSession: low,
		}}, t0)
		require.True(t, hasEvent(events, EventYield))
		assert.Equal(t, protocol.JoinReject{Reason: protocol.RejectHostYielded}, rec.sent[0])
		assert.Empty(t, h.Members())
	})

	t.Run("contacted host wins", func(t *testing.T) {
		rec := &recorder{}
		h := NewHost(config.Default(), sig, "h", rec)
		h.sessionID = low
		require.NoError(t, h.Open())

		events := h.HandleMessage(transport.Inbound{From: 5, Msg: protocol.JoinRequest{
			Signature: sig, HostingSession: high,
		}}, t0)
		assert.True(t, hasEvent(events, EventJoined))
	})
}

// TestJoinRateLimit drops a burst of requests beyond the limiter.
func TestJoinRateLimit(t *testing.T) {
	rec := &recorder{}
	h := NewHost(config.Default(), sig, "h", rec)
	require.NoError(t, h.Open())

	bad := protocol.NewSignature([]byte("x"), protocol.ConsoleZ, config.TickRate60)
	for i := 0; i < 10; i++ {
		h.HandleMessage(transport.Inbound{From: 3, Msg: protocol.JoinRequest{Signature: bad}}, t0)
	}
	assert.Len(t, rec.sent, joinBurst)

	// Tokens refill over time.
	h.HandleMessage(transport.Inbound{From: 3, Msg: protocol.JoinRequest{Signature: bad}}, t0.Add(time.Second))
	assert.Len(t, rec.sent, joinBurst+1)
}
