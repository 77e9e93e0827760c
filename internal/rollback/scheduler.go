// Package rollback drives the deterministic sandbox forward on predicted
// input and re-simulates from a snapshot whenever a confirmation contradicts
// a prediction.
package rollback

import (
	"errors"
	"fmt"

	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/snapshot"
	"github.com/1ureka/rollnet/internal/util"
)

// Sandbox is the black-box game logic. Implementations must be pure with
// respect to wall-clock time and unseeded randomness.
type Sandbox interface {
	Advance(inputs [input.Slots]input.Frame) error
	Snapshot() ([]byte, error)
	Restore(state []byte) error
}

var (
	ErrDesync              = errors.New("desync")
	ErrRollbackOutOfWindow = errors.New("rollback target outside window")
	ErrNonDeterministic    = errors.New("replay diverged from original simulation")
	ErrClosed              = errors.New("scheduler closed")
)

// Hooks are optional callbacks into the caller. None of them may block.
type Hooks struct {
	// OnRender fires exactly once per live tick and never during replay.
	OnRender func(tick uint64)
	// OnAdvance observes every simulated step, live or replayed.
	OnAdvance func(tick uint64, replay bool)
	// OnConfirmed fires once per tick as it becomes final, in tick order,
	// with the inputs it was simulated with and its state checksum.
	OnConfirmed func(tick uint64, inputs [input.Slots]input.Frame, checksum uint32)
}

// Options tune a Scheduler.
type Options struct {
	Window       int // rollback window in ticks
	MaxStateSize int // 0 = unlimited

	// CheckDistance > 0 turns on sync testing: every live tick also rolls
	// back CheckDistance ticks, replays, and compares checksums.
	CheckDistance int

	Hooks Hooks
}

// Report describes what one Update did.
type Report struct {
	Tick         uint64 // current tick after the update
	Watermark    uint64
	RollbackFrom uint64 // first re-simulated tick, 0 if no correction
	Replayed     int
	Advanced     bool
	Stalled      bool
}

// Scheduler owns the tick cursor. It is driven from a single goroutine;
// only the input queue is shared with the network lane.
type Scheduler struct {
	sandbox Sandbox
	queue   *input.Queue
	store   *snapshot.Store
	opts    Options

	initial uint64
	current uint64
	settled uint64 // last confirmed tick that has been simulated with final inputs

	fatal error
}

// New captures the baseline snapshot at initialTick and returns a scheduler
// whose first live step simulates initialTick+1.
func New(sb Sandbox, q *input.Queue, initialTick uint64, opts Options) (*Scheduler, error) {
	if opts.Window < 1 {
		return nil, fmt.Errorf("rollback window must be positive, got %d", opts.Window)
	}
	if opts.CheckDistance < 0 || opts.CheckDistance > opts.Window {
		return nil, fmt.Errorf("check distance %d outside 0~%d", opts.CheckDistance, opts.Window)
	}

	s := &Scheduler{
		sandbox: sb,
		queue:   q,
		store:   snapshot.NewStore(opts.Window+1, opts.MaxStateSize),
		opts:    opts,
		initial: initialTick,
		current: initialTick,
		settled: initialTick,
	}

	state, err := sb.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("baseline snapshot: %w", err)
	}
	if _, err := s.store.Capture(initialTick, state); err != nil {
		return nil, fmt.Errorf("baseline snapshot: %w", err)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// CurrentTick returns the newest simulated tick.
func (s *Scheduler) CurrentTick() uint64 { return s.current }

// InitialTick returns the tick the session started from.
func (s *Scheduler) InitialTick() uint64 { return s.initial }

// Watermark is the queue watermark clamped to the current tick.
func (s *Scheduler) Watermark() uint64 {
	return min(s.queue.Watermark(), s.current)
}

// Stalled reports whether live advance is blocked by unconfirmed input.
func (s *Scheduler) Stalled() bool {
	return s.current-s.Watermark() >= uint64(s.opts.Window)
}

// Err returns the latched fatal error, if any.
func (s *Scheduler) Err() error { return s.fatal }

// Checksum returns the retained checksum for tick.
func (s *Scheduler) Checksum(tick uint64) (uint32, error) { return s.store.Checksum(tick) }

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Update runs one scheduling opportunity: a correction replay if a
// prediction turned out wrong, then (if advance is set and the session is
// not stalled) one live tick. Any returned error is fatal and latched.
func (s *Scheduler) Update(advance bool) (Report, error) {
	if s.fatal != nil {
		return Report{}, s.fatal
	}

	var rep Report

	// The network lane may confirm input at any point of this update. Only
	// ticks confirmed before the misprediction is taken can be settled here;
	// later confirmations are corrected by the next update.
	target := s.queue.Watermark()

	if m, ok := s.queue.TakeMisprediction(); ok && m <= s.current {
		if err := s.checkTarget(m); err != nil {
			return rep, s.fail(err)
		}
		n, err := s.replayFrom(m-1, false)
		if err != nil {
			return rep, s.fail(err)
		}
		rep.RollbackFrom, rep.Replayed = m, n
		util.Stats.AddRollback(n)
	}

	switch {
	case !advance:
	case s.Stalled():
		rep.Stalled = true
		util.Stats.AddStall()
	default:
		if err := s.step(); err != nil {
			return rep, s.fail(err)
		}
		rep.Advanced = true

		if d := uint64(s.opts.CheckDistance); d > 0 && s.current >= s.initial+d {
			if _, err := s.replayFrom(s.current-d, true); err != nil {
				return rep, s.fail(err)
			}
		}
	}

	if err := s.settle(target); err != nil {
		return rep, s.fail(err)
	}

	rep.Tick = s.current
	rep.Watermark = s.Watermark()
	return rep, nil
}

// RollbackTo restores the snapshot taken at tick and re-simulates every tick
// after it up to the current one without rendering.
func (s *Scheduler) RollbackTo(tick uint64) (int, error) {
	if s.fatal != nil {
		return 0, s.fatal
	}
	if tick > s.current {
		return 0, s.fail(fmt.Errorf("%w: tick %d is ahead of current %d", ErrRollbackOutOfWindow, tick, s.current))
	}
	if !s.store.Contains(tick) {
		_, err := s.store.Restore(tick)
		return 0, s.fail(err)
	}
	if err := s.checkTarget(tick + 1); err != nil {
		return 0, s.fail(err)
	}
	n, err := s.replayFrom(tick, false)
	if err != nil {
		return 0, s.fail(err)
	}
	util.Stats.AddRollback(n)
	return n, nil
}

// Close releases the snapshot store. No hooks fire afterwards.
func (s *Scheduler) Close() {
	s.store.Reset()
	if s.fatal == nil {
		s.fatal = ErrClosed
	}
}

// checkTarget validates the first tick a correction would re-simulate.
func (s *Scheduler) checkTarget(first uint64) error {
	wm := s.Watermark()
	window := uint64(s.opts.Window)
	switch {
	case first > s.current:
		return fmt.Errorf("%w: tick %d ahead of current %d", ErrRollbackOutOfWindow, first, s.current)
	case first <= s.settled:
		return fmt.Errorf("%w: tick %d already settled at %d", ErrRollbackOutOfWindow, first, s.settled)
	case wm >= window && first <= wm-window:
		return fmt.Errorf("%w: tick %d <= watermark %d - window %d", ErrRollbackOutOfWindow, first, wm, window)
	}
	return nil
}

// gather collects the inputs for tick in ascending slot order.
func (s *Scheduler) gather(tick uint64) [input.Slots]input.Frame {
	var inputs [input.Slots]input.Frame
	for slot := uint8(0); slot < input.Slots; slot++ {
		inputs[slot] = s.queue.FrameFor(tick, slot)
	}
	return inputs
}

// step simulates current+1 as a live tick.
func (s *Scheduler) step() error {
	tick := s.current + 1
	if err := s.simulate(tick, false); err != nil {
		return err
	}
	if _, err := s.capture(tick); err != nil {
		return err
	}
	s.current = tick
	util.Stats.AddTick()

	if s.opts.Hooks.OnRender != nil {
		s.opts.Hooks.OnRender(tick)
	}
	return nil
}

// replayFrom restores base and re-simulates base+1..current. With verify
// set, each fresh checksum must equal the one it overwrites.
func (s *Scheduler) replayFrom(base uint64, verify bool) (int, error) {
	state, err := s.store.Restore(base)
	if err != nil {
		return 0, err
	}
	if err := s.sandbox.Restore(state); err != nil {
		return 0, fmt.Errorf("sandbox restore at tick %d: %w", base, err)
	}

	n := 0
	for tick := base + 1; tick <= s.current; tick++ {
		var before uint32
		if verify {
			if before, err = s.store.Checksum(tick); err != nil {
				return n, err
			}
		}
		if err := s.simulate(tick, true); err != nil {
			return n, err
		}
		sum, err := s.capture(tick)
		if err != nil {
			return n, err
		}
		if verify && sum != before {
			return n, fmt.Errorf("%w: tick %d checksum %08x, first pass %08x", ErrNonDeterministic, tick, sum, before)
		}
		n++
	}
	return n, nil
}

func (s *Scheduler) simulate(tick uint64, replay bool) error {
	if err := s.sandbox.Advance(s.gather(tick)); err != nil {
		return fmt.Errorf("sandbox advance at tick %d: %w", tick, err)
	}
	if s.opts.Hooks.OnAdvance != nil {
		s.opts.Hooks.OnAdvance(tick, replay)
	}
	return nil
}

func (s *Scheduler) capture(tick uint64) (uint32, error) {
	state, err := s.sandbox.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("sandbox snapshot at tick %d: %w", tick, err)
	}
	return s.store.Capture(tick, state)
}

// settle moves the settled cursor up to target (a watermark read before the
// update's correction), reporting each newly final tick, and trims input
// history that can no longer be replayed.
func (s *Scheduler) settle(target uint64) error {
	target = min(target, s.current)
	if target <= s.settled {
		return nil
	}

	for tick := s.settled + 1; tick <= target; tick++ {
		if s.opts.Hooks.OnConfirmed != nil {
			sum, err := s.store.Checksum(tick)
			if err != nil {
				return err
			}
			s.opts.Hooks.OnConfirmed(tick, s.gather(tick), sum)
		}
	}
	s.settled = target

	if window := uint64(s.opts.Window); target >= window {
		s.queue.Discard(target - window + 1)
	}
	return nil
}

func (s *Scheduler) fail(err error) error {
	if errors.Is(err, ErrDesync) {
		s.fatal = err
	} else {
		s.fatal = fmt.Errorf("%w: %w", ErrDesync, err)
	}
	util.LogError("rollback: %v", s.fatal)
	return s.fatal
}
