package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/rollback"
)

// InputSource samples one local slot's input for the tick it will be
// applied to.
type InputSource func(slot uint8, tick uint64) input.Input

// Samples holds one input per slot. Tick reads only the local slots.
type Samples [input.Slots]input.Input

// InputTick returns the tick the next local sample will be scheduled for.
func (s *Session) InputTick() uint64 {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	return s.sched.CurrentTick() + 1 + uint64(s.delay)
}

// Sample reads source once for every local slot at InputTick.
func (s *Session) Sample(source InputSource) Samples {
	tick := s.InputTick()
	var out Samples
	for _, slot := range s.local {
		out[slot] = source(slot, tick)
	}
	return out
}

// Tick is the simulation lane. It schedules each local slot's sample
// input_delay ticks ahead, sends every local slot's bundle to every peer and
// runs one scheduler update. While stalled the samples are dropped and only
// corrections run.
func (s *Session) Tick(now time.Time, local Samples) (rollback.Report, error) {
	s.simMu.Lock()
	defer s.simMu.Unlock()

	if err := s.Err(); err != nil {
		return rollback.Report{}, err
	}

	tick := s.sched.CurrentTick() + 1 + uint64(s.delay)
	if tick > s.newest {
		for _, slot := range s.local {
			f := input.Frame{Tick: tick, Slot: slot, Input: local[slot], Confirmed: true}
			if err := s.queue.Push(f); err != nil {
				err = fmt.Errorf("local input for slot %d: %w", slot, err)
				s.fail(err)
				return rollback.Report{}, err
			}
		}
		s.history[tick] = local
		s.newest = tick
	}
	s.sendBundles()

	rep, err := s.sched.Update(true)
	s.current.Store(s.sched.CurrentTick())
	if rep.Replayed > 0 {
		s.replayed.Add(int64(rep.Replayed))
	}
	if err != nil {
		s.fail(err)
		return rep, err
	}
	if err := s.Err(); err != nil {
		return rep, err
	}

	switch {
	case rep.Stalled && !s.stalled:
		s.stalled = true
		s.log.Warnf("stalled at tick %d waiting for input (watermark %d)", rep.Tick, rep.Watermark)
		s.emit(Event{Type: EventStalled, Tick: rep.Tick})
	case rep.Advanced && s.stalled:
		s.stalled = false
		s.log.Infof("resumed at tick %d", rep.Tick)
		s.emit(Event{Type: EventResumed, Tick: rep.Tick})
	}
	return rep, nil
}

// sendBundles sends each peer, for every local slot, each tick it has not
// confirmed yet and at least the last input_redundancy ticks.
func (s *Session) sendBundles() {
	if s.newest < s.firstInput {
		return
	}

	type target struct {
		from     uint64
		ackTick  uint64
		receiver *peerState
	}
	s.mu.Lock()
	targets := make([]target, 0, len(s.peers))
	oldest := s.newest
	for _, p := range s.peers {
		if p.lost {
			continue
		}
		from := p.ack + 1
		if red := uint64(s.cfg.InputRedundancy); s.newest+1 >= red && s.newest+1-red < from {
			from = s.newest + 1 - red
		}
		from = max(from, s.firstInput)
		if s.newest-from+1 > protocol.MaxBundle {
			from = s.newest + 1 - protocol.MaxBundle
		}
		oldest = min(oldest, from)
		targets = append(targets, target{from: from, ackTick: s.ackFor(p), receiver: p})
	}
	s.mu.Unlock()

	for _, t := range targets {
		for _, slot := range s.local {
			inputs := make([]input.Input, 0, s.newest-t.from+1)
			for tick := t.from; tick <= s.newest; tick++ {
				inputs = append(inputs, s.history[tick][slot])
			}
			b := protocol.InputBundle{Slot: slot, Start: t.from, Inputs: inputs, AckTick: t.ackTick}
			if err := s.ep.Send(t.receiver.id, b); err != nil {
				s.log.Debugf("bundle for slot %d to peer %d: %v", slot, t.receiver.id, err)
			}
		}
	}

	for tick := range s.history {
		if tick < oldest {
			delete(s.history, tick)
		}
	}
}

// ackFor is the confirmed-through tick reported to p: the lowest one among
// the slots p sends us. A relaying host also folds in what the other peers
// reported, so nobody trims input a relay target still needs. Callers hold
// s.mu.
func (s *Session) ackFor(p *peerState) uint64 {
	ack := s.queue.ConfirmedThrough(p.slots[0])
	for _, slot := range p.slots[1:] {
		ack = min(ack, s.queue.ConfirmedThrough(slot))
	}
	if s.relay {
		for _, other := range s.peers {
			if other != p && !other.lost {
				ack = min(ack, other.ack)
			}
		}
	}
	return ack
}

// onConfirmed runs in the simulation lane for every tick that becomes final.
func (s *Session) onConfirmed(tick uint64, inputs [input.Slots]input.Frame, sum uint32) {
	if every := uint64(s.cfg.ChecksumEvery); every > 0 && (tick-s.start.InitialTick)%every == 0 {
		if err := s.recordChecksum(tick, sum); err != nil {
			s.fail(err)
		}
		report := protocol.ChecksumReport{Tick: tick, Sum: sum}
		for _, id := range s.peerIDs() {
			_ = s.ep.Send(id, report)
		}
	}
	if s.hooks.OnConfirmed != nil {
		s.hooks.OnConfirmed(tick, inputs, sum)
	}
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Run drives both lanes in their own goroutines until ctx is done or the
// session ends, then closes the session. A finished context is not an
// error.
func (s *Session) Run(ctx context.Context, source InputSource) error {
	laneCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errc <- every(laneCtx, s.cfg.PollInterval, s.Pump)
	}()
	go func() {
		defer wg.Done()
		errc <- every(laneCtx, s.cfg.TickRate.Interval(), func(now time.Time) error {
			_, err := s.Tick(now, s.Sample(source))
			return err
		})
	}()

	err := <-errc
	cancel()
	wg.Wait()
	s.Close()

	// Once the caller is done, a peer leaving in the same moment is not
	// a failure.
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// every calls fn on a fixed cadence until it fails or ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(now time.Time) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := fn(now); err != nil {
				return err
			}
		}
	}
}
