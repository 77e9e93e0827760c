package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/util"
)

// PeerID is a handle to an attached link. IDs are never reused within an
// Endpoint.
type PeerID uint32

// Inbound is one decoded message from a peer.
type Inbound struct {
	From   PeerID
	Header protocol.Header
	Msg    protocol.Message

	// AckedKind is set when Msg is an Ack that matched one of our pending
	// critical messages.
	AckedKind protocol.Kind
}

// Failure reports a peer-level transport error found by Poll.
type Failure struct {
	Peer PeerID
	Kind protocol.Kind // kind of the abandoned critical message, if any
	Seq  uint32
	Err  error // ErrCriticalTimeout, ErrPeerTimeout or ErrLinkClosed
}

func (f Failure) Error() string {
	if f.Seq != 0 {
		return fmt.Sprintf("peer %d: %s seq %d: %v", f.Peer, f.Kind, f.Seq, f.Err)
	}
	return fmt.Sprintf("peer %d: %v", f.Peer, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Options configure an Endpoint.
type Options struct {
	// Fingerprint is stamped on every outbound header. Session traffic
	// carrying a different fingerprint is dropped on receipt; handshake
	// messages are exempt so incompatible peers can be rejected cleanly.
	Fingerprint uint64

	RetransmitInterval time.Duration
	CriticalTimeout    time.Duration
	DisconnectTimeout  time.Duration

	MaxQueued int // raw inbound datagrams buffered between polls
}

type pending struct {
	data  []byte
	kind  protocol.Kind
	first time.Time
	next  time.Time
}

type peer struct {
	id        PeerID
	link      Link
	lastHeard time.Time
	pending   map[uint32]*pending
	seen      map[uint32]time.Time // inbound critical seqs, for dedup
	failed    bool
}

type datagram struct {
	from PeerID
	data []byte
}

// Endpoint multiplexes links behind PeerID handles. Send paths never block.
// Receive processing and all deadlines run in RecvAll and Poll with an
// explicit clock value supplied by the caller.
type Endpoint struct {
	opts Options
	seq  SeqGen

	mu     sync.Mutex
	peers  map[PeerID]*peer
	nextID PeerID

	rawMu sync.Mutex
	raw   []datagram
}

// NewEndpoint creates an empty endpoint.
func NewEndpoint(opts Options) *Endpoint {
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = 4096
	}
	return &Endpoint{opts: opts, peers: make(map[PeerID]*peer)}
}

// ---------------------------------------------------------------------------
// Peers
// ---------------------------------------------------------------------------

// Attach takes ownership of link and returns its handle. now seeds the
// liveness clock.
func (e *Endpoint) Attach(link Link, now time.Time) PeerID {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.peers[id] = &peer{
		id:        id,
		link:      link,
		lastHeard: now,
		pending:   make(map[uint32]*pending),
		seen:      make(map[uint32]time.Time),
	}
	e.mu.Unlock()

	link.OnMessage(func(data []byte) {
		e.rawMu.Lock()
		defer e.rawMu.Unlock()
		if len(e.raw) >= e.opts.MaxQueued {
			util.Stats.AddDropped()
			return
		}
		e.raw = append(e.raw, datagram{from: id, data: data})
	})
	return id
}

// Detach drops a peer and closes its link. Pending critical messages to it
// are discarded.
func (e *Endpoint) Detach(id PeerID) {
	e.mu.Lock()
	p, ok := e.peers[id]
	delete(e.peers, id)
	e.mu.Unlock()

	if ok {
		p.link.Close()
	}
}

// Peers returns the attached handles.
func (e *Endpoint) Peers() []PeerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]PeerID, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	return ids
}

// LastHeard returns when anything was last received from id.
func (e *Endpoint) LastHeard(id PeerID) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return time.Time{}, false
	}
	return p.lastHeard, true
}

// Pending returns the number of unacknowledged critical messages to id.
func (e *Endpoint) Pending(id PeerID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[id]; ok {
		return len(p.pending)
	}
	return 0
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send transmits msg to id once, best-effort.
func (e *Endpoint) Send(id PeerID, msg protocol.Message) error {
	data, err := protocol.Encode(protocol.Header{Fingerprint: e.opts.Fingerprint}, msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	p, ok := e.peers[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	return p.link.Send(data)
}

// Broadcast sends msg best-effort to every peer except the listed ones.
func (e *Endpoint) Broadcast(msg protocol.Message, except ...PeerID) {
	for _, id := range e.Peers() {
		if contains(except, id) {
			continue
		}
		if err := e.Send(id, msg); err != nil {
			util.LogDebug("broadcast %s to peer %d: %v", msg.Kind(), id, err)
		}
	}
}

// SendCritical transmits msg and keeps retransmitting it from Poll until
// the peer acknowledges it or the critical timeout elapses.
func (e *Endpoint) SendCritical(id PeerID, msg protocol.Message, now time.Time) (uint32, error) {
	seq := e.seq.Next()
	data, err := protocol.Encode(protocol.Header{
		Flags:       protocol.FlagCritical,
		Seq:         seq,
		Fingerprint: e.opts.Fingerprint,
	}, msg)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	p, ok := e.peers[id]
	if ok {
		p.pending[seq] = &pending{
			data:  data,
			kind:  msg.Kind(),
			first: now,
			next:  now.Add(e.opts.RetransmitInterval),
		}
	}
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	if err := p.link.Send(data); err != nil && err != ErrQueueFull {
		return seq, err
	}
	return seq, nil
}

// Flush sends every pending critical message one last time and forgets them.
func (e *Endpoint) Flush() {
	e.mu.Lock()
	type out struct {
		link Link
		data []byte
	}
	var sends []out
	for _, p := range e.peers {
		for seq, pd := range p.pending {
			sends = append(sends, out{p.link, pd.data})
			delete(p.pending, seq)
		}
	}
	e.mu.Unlock()

	for _, s := range sends {
		_ = s.link.Send(s.data)
	}
}

// Close flushes and closes every link.
func (e *Endpoint) Close() error {
	e.Flush()

	e.mu.Lock()
	peers := e.peers
	e.peers = make(map[PeerID]*peer)
	e.mu.Unlock()

	for _, p := range peers {
		p.link.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Receiving and deadlines
// ---------------------------------------------------------------------------

// RecvAll drains every datagram received since the last call without
// blocking. Critical messages are acknowledged and deduplicated here; Acks
// clear the matching pending entry and are returned with AckedKind set.
func (e *Endpoint) RecvAll(now time.Time) []Inbound {
	e.rawMu.Lock()
	batch := e.raw
	e.raw = nil
	e.rawMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	out := make([]Inbound, 0, len(batch))
	var acks []struct {
		id  PeerID
		seq uint32
	}

	e.mu.Lock()
	for _, d := range batch {
		p, ok := e.peers[d.from]
		if !ok {
			util.Stats.AddDropped()
			continue
		}

		env, err := protocol.Decode(d.data)
		if err != nil {
			util.LogDebug("peer %d: dropping datagram: %v", d.from, err)
			util.Stats.AddDropped()
			continue
		}
		if env.Fingerprint != e.opts.Fingerprint && checksFingerprint(env.Kind) {
			util.LogDebug("peer %d: dropping %s with foreign signature %016x", d.from, env.Kind, env.Fingerprint)
			util.Stats.AddDropped()
			continue
		}

		p.lastHeard = now

		in := Inbound{From: d.from, Header: env.Header, Msg: env.Msg}

		if ack, ok := env.Msg.(protocol.Ack); ok {
			pd, found := p.pending[ack.Seq]
			if !found {
				continue // duplicate or stale ack
			}
			delete(p.pending, ack.Seq)
			in.AckedKind = pd.kind
			out = append(out, in)
			continue
		}

		if env.Critical() {
			acks = append(acks, struct {
				id  PeerID
				seq uint32
			}{d.from, env.Seq})
			if _, dup := p.seen[env.Seq]; dup {
				continue
			}
			p.seen[env.Seq] = now
		}
		out = append(out, in)
	}
	e.mu.Unlock()

	for _, a := range acks {
		if err := e.Send(a.id, protocol.Ack{Seq: a.seq}); err != nil {
			util.LogDebug("ack seq %d to peer %d: %v", a.seq, a.id, err)
		}
	}
	return out
}

// Poll retransmits due critical messages and reports abandoned messages,
// silent peers and closed links. Each peer-level failure is reported once.
func (e *Endpoint) Poll(now time.Time) []Failure {
	type resend struct {
		link Link
		data []byte
	}
	var (
		sends    []resend
		failures []Failure
	)

	e.mu.Lock()
	for id, p := range e.peers {
		for seq, pd := range p.pending {
			switch {
			case now.Sub(pd.first) >= e.opts.CriticalTimeout:
				delete(p.pending, seq)
				failures = append(failures, Failure{Peer: id, Kind: pd.kind, Seq: seq, Err: ErrCriticalTimeout})
			case !now.Before(pd.next):
				pd.next = now.Add(e.opts.RetransmitInterval)
				sends = append(sends, resend{p.link, pd.data})
			}
		}

		for seq, at := range p.seen {
			if now.Sub(at) > 2*e.opts.CriticalTimeout {
				delete(p.seen, seq)
			}
		}

		if p.failed {
			continue
		}
		select {
		case <-p.link.Done():
			p.failed = true
			failures = append(failures, Failure{Peer: id, Err: ErrLinkClosed})
			continue
		default:
		}
		if e.opts.DisconnectTimeout > 0 && now.Sub(p.lastHeard) > e.opts.DisconnectTimeout {
			p.failed = true
			failures = append(failures, Failure{Peer: id, Err: ErrPeerTimeout})
		}
	}
	e.mu.Unlock()

	for _, s := range sends {
		util.Stats.AddRetransmit()
		_ = s.link.Send(s.data)
	}
	return failures
}

// checksFingerprint reports whether a kind is rejected on fingerprint
// mismatch. Handshake traffic and bare acks are validated elsewhere.
func checksFingerprint(k protocol.Kind) bool {
	return !k.Handshake() && k != protocol.KindAck
}

func contains(ids []PeerID, id PeerID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
