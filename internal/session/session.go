// Package session ties the transport, input queue and rollback scheduler
// together once the handshake has reached InSession. A Session has two
// lanes: Pump (network) and Tick (simulation). They share only the input
// queue and a small table of peer statistics and checksums.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/handshake"
	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/rollback"
	"github.com/1ureka/rollnet/internal/transport"
	"github.com/1ureka/rollnet/internal/util"
)

var (
	ErrNotInSession     = errors.New("handshake has not reached InSession")
	ErrInputConflict    = errors.New("conflicting confirmed input")
	ErrChecksumMismatch = errors.New("remote checksum differs")
	ErrPeerLeft         = errors.New("peer left the session")
	ErrClosed           = errors.New("session closed")
)

// Handshake is the finished state machine the session was built from.
// Both *handshake.Host and *handshake.Guest satisfy it.
type Handshake interface {
	Phase() handshake.Phase
	Close()
}

// Options describe one session. Start must be the SessionStart the
// handshake agreed on.
type Options struct {
	Config    config.Config
	Start     protocol.SessionStart
	Handshake Handshake
	Sandbox   rollback.Sandbox

	// Local lists the slots sampled on this machine, at least one.
	Local []uint8
	// Routes maps every remote slot to the peer its input arrives from.
	// A guest routes all slots through the host.
	Routes map[uint8]transport.PeerID
	// Relay forwards each peer's input bundles to the other peers. Set on
	// the host of a star topology.
	Relay bool

	// CheckDistance > 0 enables sync testing in the scheduler.
	CheckDistance int

	// Hooks are passed to the scheduler. OnConfirmed runs after the
	// session's own checksum bookkeeping.
	Hooks rollback.Hooks
	// OnEvent receives session events from either lane. It must not block.
	OnEvent func(Event)
}

type peerState struct {
	id    transport.PeerID
	slots []uint8

	rtt        time.Duration
	remoteTick uint64
	ack        uint64 // lowest confirmed-through tick the peer reported for the slots it receives
	lost       bool
}

type reportKey struct {
	peer transport.PeerID
	tick uint64
}

// Session runs one agreed session to completion.
type Session struct {
	log     util.Logger
	cfg     config.Config
	start   protocol.SessionStart
	local   []uint8 // sorted
	window  int
	delay   int
	relay   bool
	ep      *transport.Endpoint
	hs      Handshake
	queue   *input.Queue
	onEvent func(Event)
	hooks   rollback.Hooks

	routes map[uint8]transport.PeerID
	peers  []*peerState // sorted by id
	byID   map[transport.PeerID]*peerState

	// simulation lane
	simMu      sync.Mutex
	sched      *rollback.Scheduler
	firstInput uint64 // first tick that carries real local input
	newest     uint64 // newest tick local input was scheduled for
	history    map[uint64]Samples
	stalled    bool

	current  atomic.Uint64
	replayed atomic.Int64

	// network lane
	nextBeat time.Time

	mu      sync.Mutex
	err     error
	closed  bool
	sums    map[uint64]uint32 // local checksums of reported ticks
	reports map[reportKey]uint32

	closeOnce sync.Once
}

// New builds a session from a finished handshake. The scheduler is only
// created here, so no simulation happens before InSession.
func New(ep *transport.Endpoint, opts Options) (*Session, error) {
	if opts.Handshake == nil || opts.Handshake.Phase() != handshake.PhaseInSession {
		return nil, ErrNotInSession
	}
	if opts.Sandbox == nil {
		return nil, errors.New("session: nil sandbox")
	}

	st := opts.Start
	var active [input.Slots]bool
	for _, slot := range st.Slots {
		if int(slot.Slot) >= input.Slots {
			return nil, fmt.Errorf("session: slot %d out of range", slot.Slot)
		}
		active[slot.Slot] = true
	}

	if len(opts.Local) == 0 {
		return nil, errors.New("session: no local slot")
	}
	var isLocal [input.Slots]bool
	for _, slot := range opts.Local {
		if int(slot) >= input.Slots || !active[slot] {
			return nil, fmt.Errorf("session: local slot %d not in session", slot)
		}
		isLocal[slot] = true
	}
	for _, slot := range st.Slots {
		if isLocal[slot.Slot] {
			continue
		}
		if _, ok := opts.Routes[slot.Slot]; !ok {
			return nil, fmt.Errorf("session: no route for slot %d", slot.Slot)
		}
	}
	var local []uint8
	for slot := range isLocal {
		if isLocal[slot] {
			local = append(local, uint8(slot))
		}
	}

	s := &Session{
		log:     util.Scoped("session"),
		cfg:     opts.Config,
		start:   st,
		local:   local,
		window:  int(st.RollbackWindow),
		delay:   int(st.InputDelay),
		relay:   opts.Relay,
		ep:      ep,
		hs:      opts.Handshake,
		queue:   input.NewQueue(st.InitialTick, active),
		onEvent: opts.OnEvent,
		hooks:   opts.Hooks,
		routes:  make(map[uint8]transport.PeerID),
		byID:    make(map[transport.PeerID]*peerState),
		history: make(map[uint64]Samples),
		sums:    make(map[uint64]uint32),
		reports: make(map[reportKey]uint32),
	}
	if s.window == 0 {
		s.window = s.cfg.RollbackWindow
	}
	// A peer runs at most a window past a watermark that already holds our
	// input, and that watermark is at most a window past ours.
	s.queue.SetHorizon(uint64(2 * (s.window + s.delay + 1)))

	for slot, id := range opts.Routes {
		if int(slot) >= input.Slots || !active[slot] || isLocal[slot] {
			continue
		}
		s.routes[slot] = id
		p, ok := s.byID[id]
		if !ok {
			p = &peerState{id: id, remoteTick: st.InitialTick}
			s.byID[id] = p
			s.peers = append(s.peers, p)
		}
		p.slots = append(p.slots, slot)
	}
	sort.Slice(s.peers, func(i, j int) bool { return s.peers[i].id < s.peers[j].id })
	for _, p := range s.peers {
		sort.Slice(p.slots, func(i, j int) bool { return p.slots[i] < p.slots[j] })
	}

	// The first input_delay ticks carry no input from anyone.
	s.firstInput = st.InitialTick + uint64(s.delay) + 1
	s.newest = s.firstInput - 1
	for tick := st.InitialTick + 1; tick < s.firstInput; tick++ {
		for slot := uint8(0); slot < input.Slots; slot++ {
			if active[slot] {
				_ = s.queue.Push(input.Frame{Tick: tick, Slot: slot, Confirmed: true})
			}
		}
	}

	hooks := opts.Hooks
	hooks.OnConfirmed = s.onConfirmed
	sched, err := rollback.New(opts.Sandbox, s.queue, st.InitialTick, rollback.Options{
		Window:        s.window,
		MaxStateSize:  s.cfg.MaxStateSize,
		CheckDistance: opts.CheckDistance,
		Hooks:         hooks,
	})
	if err != nil {
		return nil, err
	}
	s.sched = sched
	s.current.Store(st.InitialTick)

	s.log.Infof("session %s: local slots %v of %d, tick %d, window %d, delay %d",
		st.SessionID, s.local, len(st.Slots), st.InitialTick, s.window, s.delay)
	s.emit(Event{Type: EventStarted, Tick: st.InitialTick, Slot: s.local[0]})
	return s, nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *Session) ID() string                   { return s.start.SessionID.String() }
func (s *Session) Local() []uint8               { return slices.Clone(s.local) }
func (s *Session) Queue() *input.Queue          { return s.queue }
func (s *Session) Start() protocol.SessionStart { return s.start }

// CurrentTick returns the newest simulated tick. Safe from any goroutine.
func (s *Session) CurrentTick() uint64 { return s.current.Load() }

// Watermark returns the confirmed watermark. Safe from any goroutine.
func (s *Session) Watermark() uint64 { return min(s.queue.Watermark(), s.current.Load()) }

// Err returns the terminal error, if the session has ended.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail latches err as the terminal error and reports whether it was the
// first one.
func (s *Session) fail(err error) bool {
	s.mu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	s.mu.Unlock()

	if first {
		s.log.Errorf("%v", err)
		if errors.Is(err, rollback.ErrDesync) {
			s.emit(Event{Type: EventDesync, Tick: s.current.Load(), Err: err})
		}
	}
	return first
}

func (s *Session) emit(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

// Close flushes pending retransmissions, tells every peer the session is
// over, releases the snapshot store and moves the handshake to
// Disconnected. No simulation hooks run afterwards.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.simMu.Lock()
		s.sched.Close()
		s.simMu.Unlock()

		s.mu.Lock()
		s.closed = true
		if s.err == nil {
			s.err = ErrClosed
		}
		peers := make([]*peerState, 0, len(s.peers))
		for _, p := range s.peers {
			if !p.lost {
				peers = append(peers, p)
			}
		}
		s.mu.Unlock()

		for _, p := range peers {
			if err := s.ep.Send(p.id, protocol.Leave{}); err != nil {
				s.log.Debugf("leave to peer %d: %v", p.id, err)
			}
		}
		s.ep.Flush()
		s.hs.Close()

		s.log.Infof("session closed at tick %d (watermark %d)", s.current.Load(), s.Watermark())
		s.emit(Event{Type: EventClosed, Tick: s.current.Load()})
	})
	return nil
}
