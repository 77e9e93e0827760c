package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/1ureka/rollnet/internal/transport"
)

// EventType classifies an Event.
type EventType uint8

const (
	EventStarted          EventType = iota + 1 // scheduler created at the initial tick
	EventStalled                               // live advance blocked by unconfirmed input
	EventResumed                               // live advance running again after a stall
	EventPeerDisconnected                      // a peer left or timed out; the session is over
	EventDesync                                // unrecoverable divergence; the session is over
	EventClosed                                // Close finished
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventStalled:
		return "stalled"
	case EventResumed:
		return "resumed"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventDesync:
		return "desync"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// Event is delivered through Options.OnEvent.
type Event struct {
	Type EventType
	Tick uint64
	Slot uint8
	Peer transport.PeerID
	Err  error
}

// ---------------------------------------------------------------------------
// Network statistics
// ---------------------------------------------------------------------------

// Quality buckets a peer's connection for display.
type Quality uint8

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityFair
	QualityPoor
	QualityDisconnected
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	case QualityDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("Quality(%d)", uint8(q))
}

// Classify buckets a round-trip time and a frame advantage (either sign).
func Classify(rtt time.Duration, framesAhead int) Quality {
	if framesAhead < 0 {
		framesAhead = -framesAhead
	}
	switch {
	case rtt < 50*time.Millisecond && framesAhead < 2:
		return QualityExcellent
	case rtt < 100*time.Millisecond && framesAhead < 4:
		return QualityGood
	case rtt < 150*time.Millisecond && framesAhead < 6:
		return QualityFair
	}
	return QualityPoor
}

// PeerStats describes one remote slot.
type PeerStats struct {
	Slot             uint8
	Peer             transport.PeerID
	RTT              time.Duration
	FramesAhead      int    // local tick minus the peer's last reported tick
	ConfirmedThrough uint64 // highest contiguous confirmed tick for the slot
	AckTick          uint64 // newest local tick the peer has confirmed
	Quality          Quality
}

// Status is a point-in-time view of the session.
type Status struct {
	Tick      uint64
	Watermark uint64
	Replayed  int64 // ticks re-simulated by corrections so far
	Peers     []PeerStats
}

// Status can be called from any goroutine.
func (s *Session) Status() Status {
	st := Status{
		Tick:      s.current.Load(),
		Watermark: s.Watermark(),
		Replayed:  s.replayed.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		for _, slot := range p.slots {
			ps := PeerStats{
				Slot:             slot,
				Peer:             p.id,
				RTT:              p.rtt,
				FramesAhead:      int(int64(st.Tick) - int64(p.remoteTick)),
				ConfirmedThrough: s.queue.ConfirmedThrough(slot),
				AckTick:          p.ack,
			}
			if p.lost {
				ps.Quality = QualityDisconnected
			} else {
				ps.Quality = Classify(ps.RTT, ps.FramesAhead)
			}
			st.Peers = append(st.Peers, ps)
		}
	}
	sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].Slot < st.Peers[j].Slot })
	return st
}
