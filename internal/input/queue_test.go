package input

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var twoPlayers = [Slots]bool{true, true}

func confirmed(tick uint64, slot uint8, buttons uint32) Frame {
	return Frame{Tick: tick, Slot: slot, Input: Input{Buttons: buttons}, Confirmed: true}
}

// TestPushRejectsSecondConfirmation verifies at most one confirmed frame per
// (tick, slot), whether or not it is contiguous with earlier history.
func TestPushRejectsSecondConfirmation(t *testing.T) {
	q := NewQueue(0, twoPlayers)

	require.NoError(t, q.Push(confirmed(1, 0, 1)))
	assert.ErrorIs(t, q.Push(confirmed(1, 0, 1)), ErrDuplicateConfirmed)
	assert.ErrorIs(t, q.Push(confirmed(1, 0, 2)), ErrDuplicateConfirmed)

	// Out of order: tick 5 sits above a gap.
	require.NoError(t, q.Push(confirmed(5, 1, 7)))
	assert.ErrorIs(t, q.Push(confirmed(5, 1, 8)), ErrDuplicateConfirmed)

	f, ok := q.Confirmed(5, 1)
	require.True(t, ok)
	assert.Equal(t, uint32(7), f.Input.Buttons)
}

// TestPushValidation covers the non-duplicate rejection paths.
func TestPushValidation(t *testing.T) {
	q := NewQueue(10, twoPlayers)

	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"inactive slot", confirmed(11, 2, 0), ErrBadSlot},
		{"slot out of range", confirmed(11, 9, 0), ErrBadSlot},
		{"predicted", Frame{Tick: 11, Slot: 0}, ErrNotConfirmed},
		{"initial tick", confirmed(10, 0, 0), ErrTooOld},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, q.Push(tt.frame), tt.want)
		})
	}
}

// TestFrameForPrediction checks the repeat-last-confirmed policy and the
// neutral fallback.
func TestFrameForPrediction(t *testing.T) {
	q := NewQueue(0, twoPlayers)

	f := q.FrameFor(1, 1)
	assert.False(t, f.Confirmed)
	assert.True(t, f.Input.Neutral())

	require.NoError(t, q.Push(confirmed(1, 1, 0b101)))
	require.NoError(t, q.Push(confirmed(2, 1, 0b110)))

	got := q.FrameFor(2, 1)
	assert.True(t, got.Confirmed)

	pred := q.FrameFor(6, 1)
	assert.False(t, pred.Confirmed)
	assert.Equal(t, uint32(0b110), pred.Input.Buttons)

	// Inactive slots are neutral and never predicted.
	idle := q.FrameFor(6, 3)
	assert.True(t, idle.Confirmed)
	assert.True(t, idle.Input.Neutral())
}

// TestMispredictionTracking confirms that only contradicting confirmations
// are reported, and that the earliest one wins.
func TestMispredictionTracking(t *testing.T) {
	q := NewQueue(0, twoPlayers)
	for tick := uint64(1); tick <= 5; tick++ {
		q.FrameFor(tick, 1)
	}

	require.NoError(t, q.Push(confirmed(1, 1, 0))) // matches neutral prediction
	_, ok := q.TakeMisprediction()
	assert.False(t, ok)

	require.NoError(t, q.Push(confirmed(4, 1, 1)))
	require.NoError(t, q.Push(confirmed(3, 1, 1)))

	tick, ok := q.TakeMisprediction()
	require.True(t, ok)
	assert.Equal(t, uint64(3), tick)

	_, ok = q.TakeMisprediction()
	assert.False(t, ok, "misprediction should be cleared once taken")
}

// TestConfirmedThroughAndWatermark checks contiguity and the per-slot minimum.
func TestConfirmedThroughAndWatermark(t *testing.T) {
	q := NewQueue(0, twoPlayers)

	require.NoError(t, q.Push(confirmed(1, 0, 0)))
	require.NoError(t, q.Push(confirmed(2, 0, 0)))
	require.NoError(t, q.Push(confirmed(4, 0, 0)))
	assert.Equal(t, uint64(2), q.ConfirmedThrough(0))
	assert.Equal(t, uint64(0), q.Watermark())

	require.NoError(t, q.Push(confirmed(1, 1, 0)))
	assert.Equal(t, uint64(1), q.Watermark())

	require.NoError(t, q.Push(confirmed(3, 0, 0)))
	assert.Equal(t, uint64(4), q.ConfirmedThrough(0))

	require.NoError(t, q.Push(confirmed(2, 1, 0)))
	require.NoError(t, q.Push(confirmed(3, 1, 0)))
	assert.Equal(t, uint64(3), q.Watermark())
}

// TestWatermarkMonotonic pushes random interleavings of frames (including
// duplicates and stale ones) and asserts the watermark never decreases.
func TestWatermarkMonotonic(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b9))
		q := NewQueue(0, [Slots]bool{true, true, true, true})

		var last uint64
		for i := 0; i < 2000; i++ {
			f := confirmed(uint64(rng.IntN(64)+1), uint8(rng.IntN(Slots)), rng.Uint32()&0xf)
			_ = q.Push(f)
			if rng.IntN(50) == 0 {
				q.Discard(q.Watermark())
			}

			wm := q.Watermark()
			require.GreaterOrEqual(t, wm, last, "seed %d step %d", seed, i)
			last = wm
		}
	}
}

// TestDiscardKeepsPredictionAnchor ensures predictions still repeat the
// last confirmed input after its frame has been trimmed.
func TestDiscardKeepsPredictionAnchor(t *testing.T) {
	q := NewQueue(0, twoPlayers)
	require.NoError(t, q.Push(confirmed(1, 1, 3)))
	require.NoError(t, q.Push(confirmed(2, 1, 9)))

	q.Discard(3)
	assert.Equal(t, uint64(3), q.Floor())

	pred := q.FrameFor(4, 1)
	assert.Equal(t, uint32(9), pred.Input.Buttons)
	assert.ErrorIs(t, q.Push(confirmed(2, 0, 0)), ErrTooOld)
}

// TestPushHorizon bounds confirmations ahead of the watermark and lets the
// bound move up as the watermark rises.
func TestPushHorizon(t *testing.T) {
	q := NewQueue(0, twoPlayers)
	q.SetHorizon(6)

	require.NoError(t, q.Push(confirmed(6, 1, 1)))
	assert.ErrorIs(t, q.Push(confirmed(7, 1, 1)), ErrTooFar)
	assert.ErrorIs(t, q.Push(confirmed(math.MaxUint64, 1, 1)), ErrTooFar)
	_, ok := q.Confirmed(7, 1)
	assert.False(t, ok)

	for tick := uint64(1); tick <= 2; tick++ {
		require.NoError(t, q.Push(confirmed(tick, 0, 0)))
		require.NoError(t, q.Push(confirmed(tick, 1, 0)))
	}
	require.Equal(t, uint64(2), q.Watermark())
	require.NoError(t, q.Push(confirmed(8, 1, 1)))
	assert.ErrorIs(t, q.Push(confirmed(9, 1, 1)), ErrTooFar)

	// Ticks at or below the watermark keep their own errors.
	assert.ErrorIs(t, q.Push(confirmed(2, 1, 0)), ErrDuplicateConfirmed)
}

// TestConfirmedRange returns local history for redundant bundles.
func TestConfirmedRange(t *testing.T) {
	q := NewQueue(0, twoPlayers)
	for tick := uint64(1); tick <= 4; tick++ {
		require.NoError(t, q.Push(confirmed(tick, 0, uint32(tick))))
	}

	got := q.ConfirmedRange(0, 2, 6)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(2), got[0].Buttons)
	assert.Equal(t, uint32(4), got[2].Buttons)
}

// TestFixedFromFloat checks rounding and saturation.
func TestFixedFromFloat(t *testing.T) {
	assert.Equal(t, Fixed(256), FixedFromFloat(1))
	assert.Equal(t, Fixed(-128), FixedFromFloat(-0.5))
	assert.Equal(t, Fixed(32767), FixedFromFloat(1000))
	assert.InDelta(t, 0.5, FixedFromFloat(0.5).Float(), 1e-9)
}
