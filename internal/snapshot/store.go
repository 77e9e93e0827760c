// Package snapshot keeps the recent simulation states needed for rollback in
// a fixed ring of reusable buffers.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/1ureka/rollnet/internal/util"
)

var (
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	ErrChecksumMismatch    = errors.New("snapshot checksum mismatch")
	ErrNonContiguous       = errors.New("snapshot would leave a gap")
	ErrStateTooLarge       = errors.New("state exceeds size budget")
)

type entry struct {
	tick uint64
	data []byte
	sum  uint32
}

// Store is a ring buffer holding exactly one snapshot per tick for a
// contiguous range of ticks. It is owned by the simulation lane and is not
// safe for concurrent use.
type Store struct {
	ring    []entry
	maxSize int

	oldest, newest uint64
	count          int
}

// NewStore creates a store retaining up to capacity consecutive ticks.
// States larger than maxSize bytes are refused (0 means unlimited).
func NewStore(capacity, maxSize int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{ring: make([]entry, capacity), maxSize: maxSize}
}

// Capacity returns the number of ticks the store can hold.
func (s *Store) Capacity() int { return len(s.ring) }

// Len returns the number of ticks currently held.
func (s *Store) Len() int { return s.count }

// Oldest returns the oldest retained tick.
func (s *Store) Oldest() (uint64, bool) { return s.oldest, s.count > 0 }

// Newest returns the newest retained tick.
func (s *Store) Newest() (uint64, bool) { return s.newest, s.count > 0 }

// Contains reports whether a snapshot for tick is retained.
func (s *Store) Contains(tick uint64) bool {
	return s.count > 0 && tick >= s.oldest && tick <= s.newest
}

// Capture stores a copy of state for tick and returns its checksum. The tick
// must either extend the newest entry by one, replace an already retained
// tick (replay), or start an empty store. Extending a full ring evicts the
// oldest tick.
func (s *Store) Capture(tick uint64, state []byte) (uint32, error) {
	if s.maxSize > 0 && len(state) > s.maxSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrStateTooLarge, len(state), s.maxSize)
	}

	switch {
	case s.count == 0:
		s.oldest, s.newest, s.count = tick, tick, 1
	case s.Contains(tick):
	case tick == s.newest+1:
		s.newest = tick
		if s.count == len(s.ring) {
			s.oldest++
		} else {
			s.count++
		}
	default:
		return 0, fmt.Errorf("%w: tick %d outside [%d, %d+1]", ErrNonContiguous, tick, s.oldest, s.newest)
	}

	e := &s.ring[tick%uint64(len(s.ring))]
	e.tick = tick
	e.data = append(e.data[:0], state...)
	e.sum = util.Checksum32(e.data)
	return e.sum, nil
}

// Restore returns a copy of the state captured for tick after verifying it
// against the stored checksum.
func (s *Store) Restore(tick uint64) ([]byte, error) {
	e, err := s.lookup(tick)
	if err != nil {
		return nil, err
	}
	if got := util.Checksum32(e.data); got != e.sum {
		return nil, fmt.Errorf("%w: tick %d stored %08x computed %08x", ErrChecksumMismatch, tick, e.sum, got)
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

// Checksum returns the checksum recorded for tick.
func (s *Store) Checksum(tick uint64) (uint32, error) {
	e, err := s.lookup(tick)
	if err != nil {
		return 0, err
	}
	return e.sum, nil
}

func (s *Store) lookup(tick uint64) (*entry, error) {
	if !s.Contains(tick) {
		if s.count == 0 {
			return nil, fmt.Errorf("%w: tick %d (store empty)", ErrSnapshotUnavailable, tick)
		}
		return nil, fmt.Errorf("%w: tick %d outside [%d, %d]", ErrSnapshotUnavailable, tick, s.oldest, s.newest)
	}
	e := &s.ring[tick%uint64(len(s.ring))]
	if e.tick != tick {
		return nil, fmt.Errorf("%w: tick %d slot holds %d", ErrSnapshotUnavailable, tick, e.tick)
	}
	return e, nil
}

// Reset drops every snapshot and releases the buffers.
func (s *Store) Reset() {
	for i := range s.ring {
		s.ring[i] = entry{}
	}
	s.oldest, s.newest, s.count = 0, 0, 0
}
