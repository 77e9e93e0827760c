package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rollnet/internal/input"
)

func row(tick uint64, buttons ...uint32) [input.Slots]input.Frame {
	var r [input.Slots]input.Frame
	for i, b := range buttons {
		r[i] = input.Frame{Tick: tick, Slot: uint8(i), Input: input.Input{Buttons: b, Axes: [4]input.Fixed{64, -32}}, Confirmed: true}
	}
	return r
}

// TestArenaDeterministic runs two machines over the same inputs.
func TestArenaDeterministic(t *testing.T) {
	a, b := NewArena(42), NewArena(42)
	for tick := uint64(1); tick <= 50; tick++ {
		r := row(tick, uint32(tick%4), uint32(tick%3))
		require.NoError(t, a.Advance(r))
		require.NoError(t, b.Advance(r))
	}

	sa, _ := a.Snapshot()
	sb, _ := b.Snapshot()
	assert.Equal(t, sa, sb)
	assert.Equal(t, uint64(50), a.Tick())
}

// TestArenaSlotOrderMatters swaps two players' inputs and expects a
// different state.
func TestArenaSlotOrderMatters(t *testing.T) {
	a, b := NewArena(7), NewArena(7)
	require.NoError(t, a.Advance(row(1, 1, 0)))
	require.NoError(t, b.Advance(row(1, 0, 1)))

	sa, _ := a.Snapshot()
	sb, _ := b.Snapshot()
	assert.NotEqual(t, sa, sb)
}

// TestArenaRestore round-trips a snapshot and rejects bad lengths.
func TestArenaRestore(t *testing.T) {
	a := NewArena(3)
	require.NoError(t, a.Advance(row(1, 1, 1, 1, 1)))
	state, err := a.Snapshot()
	require.NoError(t, err)

	b := NewArena(99)
	require.NoError(t, b.Restore(state))
	again, _ := b.Snapshot()
	assert.Equal(t, state, again)
	assert.Equal(t, a.Score(0), b.Score(0))

	assert.ErrorIs(t, b.Restore(state[:10]), ErrBadState)
}
