// Package sandbox provides Arena, a small deterministic machine that stands
// in for game logic in the CLI demo, replay verification and tests.
package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/1ureka/rollnet/internal/input"
)

// StateSize is the fixed length of an Arena snapshot.
const StateSize = 8 + 8 + 8 + input.Slots*playerSize

const playerSize = 4 + 4 + 4 + 4

var ErrBadState = errors.New("arena: malformed state")

type player struct {
	X, Y  int32
	Score uint32
	Held  uint32 // buttons held on the previous tick, for edge detection
}

// Arena is a four-player toy world. All arithmetic is integer and the only
// randomness comes from the seeded xorshift generator, so identical ordered
// inputs always produce identical bytes.
type Arena struct {
	tick    uint64
	rng     uint64
	mix     uint64 // order-sensitive fold of every input seen
	players [input.Slots]player
}

// NewArena creates a machine seeded for a session.
func NewArena(seed uint64) *Arena {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &Arena{rng: seed}
}

// Tick returns how many steps have been applied.
func (a *Arena) Tick() uint64 { return a.tick }

// Score returns a player's score.
func (a *Arena) Score(slot int) uint32 { return a.players[slot].Score }

// Position returns a player's position.
func (a *Arena) Position(slot int) (int32, int32) { return a.players[slot].X, a.players[slot].Y }

func (a *Arena) next() uint64 {
	x := a.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	a.rng = x
	return x
}

// Advance applies one tick. Inputs are folded in ascending slot order.
func (a *Arena) Advance(inputs [input.Slots]input.Frame) error {
	for slot := 0; slot < input.Slots; slot++ {
		in := inputs[slot].Input
		p := &a.players[slot]

		p.X += int32(in.Axes[0]) >> 4
		p.Y += int32(in.Axes[1]) >> 4

		pressed := in.Buttons &^ p.Held
		if pressed&1 != 0 {
			p.Score += uint32(a.next()%7) + 1
		}
		if in.Buttons&2 != 0 {
			p.X, p.Y = p.Y, -p.X
		}
		p.Held = in.Buttons

		a.mix = a.mix*1099511628211 ^ uint64(in.Buttons) ^ uint64(uint16(in.Axes[0]))<<32 ^ uint64(slot)
	}
	a.tick++
	return nil
}

// Snapshot encodes the whole machine.
func (a *Arena) Snapshot() ([]byte, error) {
	buf := make([]byte, StateSize)
	binary.BigEndian.PutUint64(buf[0:8], a.tick)
	binary.BigEndian.PutUint64(buf[8:16], a.rng)
	binary.BigEndian.PutUint64(buf[16:24], a.mix)
	off := 24
	for _, p := range a.players {
		binary.BigEndian.PutUint32(buf[off:], uint32(p.X))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(p.Y))
		binary.BigEndian.PutUint32(buf[off+8:], p.Score)
		binary.BigEndian.PutUint32(buf[off+12:], p.Held)
		off += playerSize
	}
	return buf, nil
}

// Restore replaces the machine with a previously captured state.
func (a *Arena) Restore(state []byte) error {
	if len(state) != StateSize {
		return fmt.Errorf("%w: %d bytes (want %d)", ErrBadState, len(state), StateSize)
	}
	a.tick = binary.BigEndian.Uint64(state[0:8])
	a.rng = binary.BigEndian.Uint64(state[8:16])
	a.mix = binary.BigEndian.Uint64(state[16:24])
	off := 24
	for i := range a.players {
		a.players[i] = player{
			X:     int32(binary.BigEndian.Uint32(state[off:])),
			Y:     int32(binary.BigEndian.Uint32(state[off+4:])),
			Score: binary.BigEndian.Uint32(state[off+8:]),
			Held:  binary.BigEndian.Uint32(state[off+12:]),
		}
		off += playerSize
	}
	return nil
}
