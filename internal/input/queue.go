package input

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Slots is the number of input lanes every tick carries.
const Slots = 4

var (
	ErrDuplicateConfirmed = errors.New("confirmed frame already exists")
	ErrTooOld             = errors.New("frame is older than retained history")
	ErrBadSlot            = errors.New("slot is not active in this session")
	ErrNotConfirmed       = errors.New("only confirmed frames may be pushed")
	ErrTooFar             = errors.New("frame is too far past the watermark")
)

// Queue is the per-slot input buffer shared by the network lane (Push) and
// the simulation lane (FrameFor, Watermark). All methods are safe for
// concurrent use.
type Queue struct {
	mu     sync.Mutex
	lanes  [Slots]lane
	active [Slots]bool
	floor  uint64 // frames below floor have been discarded

	// horizon bounds how far past the watermark a frame may land; 0 means
	// unbounded.
	horizon uint64

	miss    uint64 // earliest tick whose confirmation contradicted a prediction
	hasMiss bool

	watermark atomic.Uint64
}

type lane struct {
	frames  map[uint64]Frame
	through uint64 // highest contiguous confirmed tick

	// anchor is the newest confirmed input dropped by Discard, kept so
	// predictions stay stable after history is trimmed.
	anchor    Input
	hasAnchor bool
}

// NewQueue creates a queue for the given active slots. Ticks up to and
// including initialTick count as confirmed for every slot.
func NewQueue(initialTick uint64, active [Slots]bool) *Queue {
	q := &Queue{active: active, floor: initialTick + 1}
	for i := range q.lanes {
		q.lanes[i] = lane{frames: make(map[uint64]Frame), through: initialTick}
	}
	q.watermark.Store(initialTick)
	return q
}

// Active reports whether slot takes part in the session.
func (q *Queue) Active(slot uint8) bool {
	return int(slot) < Slots && q.active[slot]
}

// SetHorizon limits Push to ticks at most n past the watermark. A session
// calls it once before any frame arrives.
func (q *Queue) SetHorizon(n uint64) {
	q.mu.Lock()
	q.horizon = n
	q.mu.Unlock()
}

// Push records an authoritative frame. A confirmation replaces a prediction
// for the same tick; a second confirmation for the same key is rejected.
func (q *Queue) Push(f Frame) error {
	if !q.Active(f.Slot) {
		return fmt.Errorf("%w: %d", ErrBadSlot, f.Slot)
	}
	if !f.Confirmed {
		return ErrNotConfirmed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if f.Tick < q.floor {
		return fmt.Errorf("%w: tick %d below %d", ErrTooOld, f.Tick, q.floor)
	}
	if wm := q.watermark.Load(); q.horizon > 0 && f.Tick > wm && f.Tick-wm > q.horizon {
		return fmt.Errorf("%w: tick %d, watermark %d", ErrTooFar, f.Tick, wm)
	}

	l := &q.lanes[f.Slot]
	if f.Tick <= l.through {
		return fmt.Errorf("%w: %s", ErrDuplicateConfirmed, f)
	}
	if prev, ok := l.frames[f.Tick]; ok {
		if prev.Confirmed {
			return fmt.Errorf("%w: %s", ErrDuplicateConfirmed, f)
		}
		if prev.Input != f.Input && (!q.hasMiss || f.Tick < q.miss) {
			q.miss, q.hasMiss = f.Tick, true
		}
	}
	l.frames[f.Tick] = f

	for {
		next, ok := l.frames[l.through+1]
		if !ok || !next.Confirmed {
			break
		}
		l.through++
	}

	q.raiseWatermark()
	return nil
}

// raiseWatermark recomputes the minimum contiguous confirmed tick across
// active slots. Callers hold q.mu.
func (q *Queue) raiseWatermark() {
	var min uint64
	first := true
	for i, l := range q.lanes {
		if !q.active[i] {
			continue
		}
		if first || l.through < min {
			min = l.through
			first = false
		}
	}
	if !first && min > q.watermark.Load() {
		q.watermark.Store(min)
	}
}

// FrameFor returns the confirmed frame for (tick, slot) if one exists.
// Otherwise it predicts by repeating the newest confirmed input at or before
// tick (neutral if there is none) and remembers the prediction so a later
// contradicting confirmation can be detected. Inactive slots always yield a
// neutral confirmed frame.
func (q *Queue) FrameFor(tick uint64, slot uint8) Frame {
	if !q.Active(slot) {
		return Frame{Tick: tick, Slot: slot, Confirmed: true}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	l := &q.lanes[slot]
	if f, ok := l.frames[tick]; ok && f.Confirmed {
		return f
	}

	pred := Frame{Tick: tick, Slot: slot, Input: q.lastConfirmed(l, tick)}
	if tick >= q.floor {
		l.frames[tick] = pred
	}
	return pred
}

// lastConfirmed finds the newest confirmed input strictly before tick.
// Callers hold q.mu.
func (q *Queue) lastConfirmed(l *lane, tick uint64) Input {
	for t := tick; t > q.floor; t-- {
		if f, ok := l.frames[t-1]; ok && f.Confirmed {
			return f.Input
		}
	}
	if l.hasAnchor {
		return l.anchor
	}
	return Input{}
}

// Confirmed returns the confirmed frame for (tick, slot), if present.
func (q *Queue) Confirmed(tick uint64, slot uint8) (Frame, bool) {
	if !q.Active(slot) {
		return Frame{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.lanes[slot].frames[tick]
	if !ok || !f.Confirmed {
		return Frame{}, false
	}
	return f, true
}

// ConfirmedRange returns the confirmed inputs of slot for ticks from..to
// inclusive, stopping at the first gap.
func (q *Queue) ConfirmedRange(slot uint8, from, to uint64) []Input {
	if !q.Active(slot) || to < from {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	l := &q.lanes[slot]
	out := make([]Input, 0, to-from+1)
	for t := from; t <= to; t++ {
		f, ok := l.frames[t]
		if !ok || !f.Confirmed {
			break
		}
		out = append(out, f.Input)
	}
	return out
}

// ConfirmedThrough returns the highest contiguous confirmed tick for slot.
func (q *Queue) ConfirmedThrough(slot uint8) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(slot) >= Slots {
		return 0
	}
	return q.lanes[slot].through
}

// Watermark is the highest tick confirmed for every active slot. It never
// decreases and can be read without taking the queue lock.
func (q *Queue) Watermark() uint64 {
	return q.watermark.Load()
}

// TakeMisprediction returns and clears the earliest tick whose confirmed
// input differed from the prediction used to simulate it.
func (q *Queue) TakeMisprediction() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tick, ok := q.miss, q.hasMiss
	q.miss, q.hasMiss = 0, false
	return tick, ok
}

// Discard drops every frame older than floor. Floors never move backwards.
func (q *Queue) Discard(floor uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if floor <= q.floor {
		return
	}
	for i := range q.lanes {
		l := &q.lanes[i]
		var newest uint64
		found := false
		for t, f := range l.frames {
			if t >= floor {
				continue
			}
			if f.Confirmed && (!found || t > newest) {
				newest, found = t, true
				l.anchor = f.Input
			}
			delete(l.frames, t)
		}
		if found {
			l.hasAnchor = true
		}
	}
	q.floor = floor
	if q.hasMiss && q.miss < floor {
		q.hasMiss = false
	}
}

// Floor returns the oldest tick still retained.
func (q *Queue) Floor() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.floor
}
