package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/rollback"
	"github.com/1ureka/rollnet/internal/transport"
)

// checksumHistory bounds how many reporting intervals of checksums are kept
// waiting for the other side.
const checksumHistory = 64

// Pump is the network lane. It drains the endpoint, feeds the input queue,
// answers heartbeats and watches peer liveness. It never touches the
// scheduler and never blocks. The returned error is terminal.
func (s *Session) Pump(now time.Time) error {
	if err := s.Err(); err != nil {
		return err
	}

	for _, f := range s.ep.Poll(now) {
		p, ok := s.byID[f.Peer]
		if !ok {
			continue
		}
		s.peerLost(p, fmt.Errorf("slots %v: %w", p.slots, f))
	}

	for _, in := range s.ep.RecvAll(now) {
		p, ok := s.byID[in.From]
		if !ok {
			continue
		}
		switch m := in.Msg.(type) {
		case protocol.InputBundle:
			if err := s.onBundle(p, m); err != nil {
				s.fail(err)
			}
		case protocol.Heartbeat:
			s.onHeartbeat(p, m, now)
		case protocol.ChecksumReport:
			s.onReport(p, m)
		case protocol.Leave:
			s.peerLost(p, fmt.Errorf("slots %v: %w", p.slots, ErrPeerLeft))
		default:
			if !in.Header.Kind.Handshake() {
				s.log.Debugf("peer %d: ignoring %s", p.id, in.Header.Kind)
			}
		}
	}

	if !now.Before(s.nextBeat) {
		s.nextBeat = now.Add(s.cfg.HeartbeatInterval)
		beat := protocol.Heartbeat{Stamp: now.UnixNano(), Tick: s.current.Load()}
		for _, p := range s.peers {
			_ = s.ep.Send(p.id, beat)
		}
	}

	return s.Err()
}

// peerLost ends the session: there is no drop-out.
func (s *Session) peerLost(p *peerState, err error) {
	s.mu.Lock()
	already := p.lost
	p.lost = true
	s.mu.Unlock()
	if already {
		return
	}

	slot := uint8(0)
	if len(p.slots) > 0 {
		slot = p.slots[0]
	}
	s.fail(err)
	s.emit(Event{Type: EventPeerDisconnected, Tick: s.current.Load(), Slot: slot, Peer: p.id, Err: err})
}

// onBundle confirms every carried tick. Ticks already confirmed must carry
// the same input; anything else is a conflict between peers.
func (s *Session) onBundle(p *peerState, b protocol.InputBundle) error {
	if id, ok := s.routes[b.Slot]; !ok || id != p.id {
		s.log.Debugf("peer %d: bundle for slot %d not routed through it", p.id, b.Slot)
		return nil
	}
	if b.Wraps() {
		s.log.Debugf("peer %d: bundle for slot %d runs past the last tick", p.id, b.Slot)
		return nil
	}

	s.mu.Lock()
	if b.AckTick > p.ack {
		p.ack = b.AckTick
	}
	s.mu.Unlock()

frames:
	for i, in := range b.Inputs {
		f := input.Frame{Tick: b.Start + uint64(i), Slot: b.Slot, Input: in, Confirmed: true}
		err := s.queue.Push(f)
		switch {
		case err == nil, errors.Is(err, input.ErrTooOld):
		case errors.Is(err, input.ErrDuplicateConfirmed):
			if prev, ok := s.queue.Confirmed(f.Tick, f.Slot); ok && prev.Input != in {
				return fmt.Errorf("%w: %w: slot %d tick %d", rollback.ErrDesync, ErrInputConflict, f.Slot, f.Tick)
			}
		case errors.Is(err, input.ErrTooFar):
			// Unacked ticks come back in later bundles.
			s.log.Debugf("peer %d: %v", p.id, err)
			break frames
		default:
			s.log.Debugf("peer %d: %v", p.id, err)
		}
	}

	if s.relay {
		fwd := b
		fwd.AckTick = 0
		for _, other := range s.peers {
			if other.id != p.id {
				_ = s.ep.Send(other.id, fwd)
			}
		}
	}
	return nil
}

// onHeartbeat answers pings immediately and derives RTT from pongs.
func (s *Session) onHeartbeat(p *peerState, m protocol.Heartbeat, now time.Time) {
	s.mu.Lock()
	p.remoteTick = m.Tick
	if m.Echo != 0 {
		p.rtt = now.Sub(time.Unix(0, m.Echo))
	}
	s.mu.Unlock()

	if m.Echo == 0 {
		_ = s.ep.Send(p.id, protocol.Heartbeat{Stamp: now.UnixNano(), Echo: m.Stamp, Tick: s.current.Load()})
	}
}

func (s *Session) onReport(p *peerState, m protocol.ChecksumReport) {
	if s.cfg.ChecksumEvery == 0 {
		return
	}
	s.mu.Lock()
	local, ok := s.sums[m.Tick]
	if !ok {
		s.reports[reportKey{p.id, m.Tick}] = m.Sum
	}
	s.mu.Unlock()

	if ok && local != m.Sum {
		s.fail(fmt.Errorf("%w: %w: tick %d local %08x, peer %d %08x",
			rollback.ErrDesync, ErrChecksumMismatch, m.Tick, local, p.id, m.Sum))
	}
}

// recordChecksum stores a local checksum and settles any reports that were
// waiting for it. Called from the simulation lane.
func (s *Session) recordChecksum(tick uint64, sum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sums[tick] = sum
	var err error
	for _, p := range s.peers {
		key := reportKey{p.id, tick}
		remote, ok := s.reports[key]
		if !ok {
			continue
		}
		delete(s.reports, key)
		if remote != sum && err == nil {
			err = fmt.Errorf("%w: %w: tick %d local %08x, peer %d %08x",
				rollback.ErrDesync, ErrChecksumMismatch, tick, sum, p.id, remote)
		}
	}

	if span := uint64(checksumHistory * s.cfg.ChecksumEvery); tick > span {
		cutoff := tick - span
		for t := range s.sums {
			if t < cutoff {
				delete(s.sums, t)
			}
		}
		for k := range s.reports {
			if k.tick < cutoff {
				delete(s.reports, k)
			}
		}
	}
	return err
}

// peerIDs lists the peers still connected.
func (s *Session) peerIDs() []transport.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]transport.PeerID, 0, len(s.peers))
	for _, p := range s.peers {
		if !p.lost {
			ids = append(ids, p.id)
		}
	}
	return ids
}
