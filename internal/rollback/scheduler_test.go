package rollback

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/sandbox"
	"github.com/1ureka/rollnet/internal/snapshot"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// harness wires a scheduler to an Arena and records hook activity.
type harness struct {
	queue  *input.Queue
	arena  *sandbox.Arena
	sched  *Scheduler
	events []string // "render:N" / "replay:N" / "live:N" in call order

	renders   int
	confirmed []uint64
}

func newHarness(t *testing.T, active [input.Slots]bool, window, check int) *harness {
	t.Helper()
	h := &harness{
		queue: input.NewQueue(0, active),
		arena: sandbox.NewArena(1234),
	}

	sched, err := New(h.arena, h.queue, 0, Options{
		Window:        window,
		CheckDistance: check,
		Hooks: Hooks{
			OnRender: func(tick uint64) {
				h.renders++
				h.events = append(h.events, eventName("render", tick))
			},
			OnAdvance: func(tick uint64, replay bool) {
				kind := "live"
				if replay {
					kind = "replay"
				}
				h.events = append(h.events, eventName(kind, tick))
			},
			OnConfirmed: func(tick uint64, _ [input.Slots]input.Frame, _ uint32) {
				h.confirmed = append(h.confirmed, tick)
			},
		},
	})
	require.NoError(t, err)
	h.sched = sched
	return h
}

func eventName(kind string, tick uint64) string {
	return kind + ":" + string(rune('0'+tick/10)) + string(rune('0'+tick%10))
}

func (h *harness) push(t *testing.T, tick uint64, slot uint8, buttons uint32) {
	t.Helper()
	require.NoError(t, h.queue.Push(input.Frame{
		Tick: tick, Slot: slot, Input: input.Input{Buttons: buttons}, Confirmed: true,
	}))
}

// directState simulates a fresh Arena over the given rows without any
// prediction or rollback.
func directState(t *testing.T, rows [][input.Slots]input.Input) []byte {
	t.Helper()
	a := sandbox.NewArena(1234)
	for i, r := range rows {
		var frames [input.Slots]input.Frame
		for slot := range frames {
			frames[slot] = input.Frame{Tick: uint64(i + 1), Slot: uint8(slot), Input: r[slot], Confirmed: true}
		}
		require.NoError(t, a.Advance(frames))
	}
	state, err := a.Snapshot()
	require.NoError(t, err)
	return state
}

var twoPlayers = [input.Slots]bool{true, true}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestLateConfirmationScenario: slot 1 is predicted neutral at tick 10 and
// its confirmed press arrives after tick 12 was simulated. The next update
// must replay 10..12 without rendering, then render tick 13 exactly once.
func TestLateConfirmationScenario(t *testing.T) {
	h := newHarness(t, twoPlayers, 8, 0)

	for tick := uint64(1); tick <= 9; tick++ {
		h.push(t, tick, 1, 0)
	}
	for tick := uint64(1); tick <= 12; tick++ {
		h.push(t, tick, 0, 0)
		rep, err := h.sched.Update(true)
		require.NoError(t, err)
		require.True(t, rep.Advanced)
		require.Zero(t, rep.Replayed)
	}
	require.Equal(t, 12, h.renders)

	h.push(t, 10, 1, 1)
	h.push(t, 13, 0, 0)
	h.events = nil

	rep, err := h.sched.Update(true)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), rep.RollbackFrom)
	assert.Equal(t, 3, rep.Replayed)
	assert.True(t, rep.Advanced)
	assert.Equal(t, uint64(13), rep.Tick)
	assert.Equal(t, uint64(10), rep.Watermark)
	assert.Equal(t, 13, h.renders)
	assert.Equal(t, []string{"replay:10", "replay:11", "replay:12", "live:13", "render:13"}, h.events)

	// The press holds from tick 10 onward through prediction.
	rows := make([][input.Slots]input.Input, 13)
	for i := 9; i < 13; i++ {
		rows[i][1].Buttons = 1
	}
	got, err := h.arena.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, directState(t, rows), got)
}

// TestRenderSkipInvariant replays K ticks for several K and checks the
// render hook fires zero times during replay and once for the live tick.
func TestRenderSkipInvariant(t *testing.T) {
	for k := 1; k <= 7; k++ {
		h := newHarness(t, twoPlayers, 8, 0)

		current := uint64(10)
		for tick := uint64(1); tick <= current; tick++ {
			h.push(t, tick, 0, 0)
			if tick <= current-uint64(k) {
				h.push(t, tick, 1, 0)
			}
			_, err := h.sched.Update(true)
			require.NoError(t, err)
		}

		h.push(t, current-uint64(k)+1, 1, 4)
		h.push(t, current+1, 0, 0)
		before := h.renders
		h.events = nil

		rep, err := h.sched.Update(true)
		require.NoError(t, err)
		require.Equal(t, k, rep.Replayed, "k=%d", k)

		replays := 0
		for i, ev := range h.events {
			if ev[:6] == "replay" {
				replays++
				continue
			}
			// Everything after the replays is the single live tick.
			assert.Equal(t, k, i, "k=%d: live work started before replay finished", k)
			break
		}
		assert.Equal(t, k, replays)
		assert.Equal(t, before+1, h.renders, "k=%d", k)
	}
}

// TestDeterminismUnderLateInput delivers one slot's confirmations late and
// out of order and checks the final state equals straight simulation.
func TestDeterminismUnderLateInput(t *testing.T) {
	for seed := uint64(1); seed <= 10; seed++ {
		rng := rand.New(rand.NewPCG(seed, 77))
		const n = 60

		rows := make([][input.Slots]input.Input, n)
		deliver := map[uint64][]uint64{}
		for i := range rows {
			rows[i][0].Buttons = rng.Uint32() & 0x3
			rows[i][1].Buttons = rng.Uint32() & 0x3
			rows[i][1].Axes[0] = input.Fixed(rng.IntN(512) - 256)
			tick := uint64(i + 1)
			at := tick + uint64(rng.IntN(6))
			deliver[at] = append(deliver[at], tick)
		}

		h := newHarness(t, twoPlayers, 8, 0)
		pushRemote := func(at uint64) {
			for _, tick := range deliver[at] {
				in := rows[tick-1][1]
				require.NoError(t, h.queue.Push(input.Frame{Tick: tick, Slot: 1, Input: in, Confirmed: true}))
			}
		}

		for tick := uint64(1); tick <= n; tick++ {
			require.NoError(t, h.queue.Push(input.Frame{Tick: tick, Slot: 0, Input: rows[tick-1][0], Confirmed: true}))
			pushRemote(tick)
			rep, err := h.sched.Update(true)
			require.NoError(t, err)
			require.True(t, rep.Advanced, "seed %d tick %d stalled", seed, tick)
		}
		for at := uint64(n + 1); at <= n+6; at++ {
			pushRemote(at)
		}
		rep, err := h.sched.Update(false)
		require.NoError(t, err)
		assert.Equal(t, uint64(n), rep.Watermark)

		got, err := h.arena.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, directState(t, rows), got, "seed %d", seed)

		// Every tick was reported final exactly once, in order.
		require.Len(t, h.confirmed, n)
		for i, tick := range h.confirmed {
			assert.Equal(t, uint64(i+1), tick)
		}
	}
}

// TestStallBlocksLiveAdvance lets one slot go silent: live ticks stop at the
// window, and resume once its input arrives.
func TestStallBlocksLiveAdvance(t *testing.T) {
	h := newHarness(t, twoPlayers, 8, 0)

	for tick := uint64(1); tick <= 12; tick++ {
		h.push(t, tick, 0, 0)
	}
	for i := 0; i < 8; i++ {
		rep, err := h.sched.Update(true)
		require.NoError(t, err)
		require.True(t, rep.Advanced)
	}

	rep, err := h.sched.Update(true)
	require.NoError(t, err)
	assert.True(t, rep.Stalled)
	assert.False(t, rep.Advanced)
	assert.Equal(t, uint64(8), rep.Tick)
	assert.True(t, h.sched.Stalled())

	h.push(t, 1, 1, 0)
	rep, err = h.sched.Update(true)
	require.NoError(t, err)
	assert.True(t, rep.Advanced)
	assert.Equal(t, uint64(9), rep.Tick)
}

// TestRollbackBeyondDepthIsFatal restores a tick nine steps back with a
// depth-8 history: the snapshot is gone and the scheduler latches a desync.
func TestRollbackBeyondDepthIsFatal(t *testing.T) {
	h := newHarness(t, [input.Slots]bool{true}, 8, 0)
	for tick := uint64(1); tick <= 20; tick++ {
		h.push(t, tick, 0, 0)
		_, err := h.sched.Update(true)
		require.NoError(t, err)
	}

	_, err := h.sched.RollbackTo(h.sched.CurrentTick() - 9)
	require.ErrorIs(t, err, snapshot.ErrSnapshotUnavailable)
	require.ErrorIs(t, err, ErrDesync)

	renders := h.renders
	_, err = h.sched.Update(true)
	assert.ErrorIs(t, err, ErrDesync)
	assert.Equal(t, renders, h.renders)
}

// TestRollbackNeverBelowWatermark refuses to re-simulate a settled tick.
func TestRollbackNeverBelowWatermark(t *testing.T) {
	h := newHarness(t, [input.Slots]bool{true}, 8, 0)
	for tick := uint64(1); tick <= 5; tick++ {
		h.push(t, tick, 0, 0)
		_, err := h.sched.Update(true)
		require.NoError(t, err)
	}

	_, err := h.sched.RollbackTo(3)
	assert.ErrorIs(t, err, ErrRollbackOutOfWindow)
}

// TestSyncTestPassesForDeterministicSandbox runs the determinism check on
// every live tick.
func TestSyncTestPassesForDeterministicSandbox(t *testing.T) {
	h := newHarness(t, [input.Slots]bool{true}, 8, 2)
	rng := rand.New(rand.NewPCG(5, 5))

	for tick := uint64(1); tick <= 40; tick++ {
		h.push(t, tick, 0, rng.Uint32()&0x3)
		rep, err := h.sched.Update(true)
		require.NoError(t, err)
		require.True(t, rep.Advanced)
	}
	assert.Equal(t, 40, h.renders)
}

// flakySandbox leaks hidden state between calls, so replays diverge.
type flakySandbox struct {
	*sandbox.Arena
	calls int
}

func (f *flakySandbox) Advance(inputs [input.Slots]input.Frame) error {
	f.calls++
	if f.calls%3 == 0 {
		inputs[0].Input.Buttons ^= 1
	}
	return f.Arena.Advance(inputs)
}

// TestSyncTestDetectsNonDeterminism expects ErrNonDeterministic.
func TestSyncTestDetectsNonDeterminism(t *testing.T) {
	q := input.NewQueue(0, [input.Slots]bool{true})
	sched, err := New(&flakySandbox{Arena: sandbox.NewArena(9)}, q, 0, Options{Window: 8, CheckDistance: 2})
	require.NoError(t, err)

	var last error
	for tick := uint64(1); tick <= 20 && last == nil; tick++ {
		require.NoError(t, q.Push(input.Frame{Tick: tick, Slot: 0, Confirmed: true}))
		_, last = sched.Update(true)
	}
	assert.ErrorIs(t, last, ErrNonDeterministic)
	assert.ErrorIs(t, last, ErrDesync)
}

// TestConfirmationDuringLiveStep: the network lane confirms a contradicting
// input for tick 5 while tick 5 is being simulated. The update must not
// settle tick 5 on the predicted run; the next update corrects it.
func TestConfirmationDuringLiveStep(t *testing.T) {
	h := newHarness(t, twoPlayers, 8, 0)
	observe := h.sched.opts.Hooks.OnAdvance
	h.sched.opts.Hooks.OnAdvance = func(tick uint64, replay bool) {
		observe(tick, replay)
		if tick == 5 && !replay {
			h.push(t, 5, 1, 1)
		}
	}

	for tick := uint64(1); tick <= 8; tick++ {
		h.push(t, tick, 0, 0)
	}
	for tick := uint64(1); tick <= 4; tick++ {
		h.push(t, tick, 1, 0)
	}

	for tick := uint64(1); tick <= 5; tick++ {
		rep, err := h.sched.Update(true)
		require.NoError(t, err)
		require.Zero(t, rep.Replayed)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, h.confirmed, "tick 5 ran on a prediction")

	h.push(t, 6, 1, 1)
	rep, err := h.sched.Update(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rep.RollbackFrom)
	assert.Equal(t, 1, rep.Replayed)
	assert.Equal(t, uint64(6), rep.Tick)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, h.confirmed)

	rows := make([][input.Slots]input.Input, 6)
	rows[4][1].Buttons, rows[5][1].Buttons = 1, 1
	state, err := h.arena.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, directState(t, rows), state)
}

// TestCloseStopsHooks ensures nothing is simulated after Close.
func TestCloseStopsHooks(t *testing.T) {
	h := newHarness(t, [input.Slots]bool{true}, 8, 0)
	h.push(t, 1, 0, 0)
	h.sched.Close()

	_, err := h.sched.Update(true)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, h.renders)
}

// TestNewValidatesOptions covers constructor errors.
func TestNewValidatesOptions(t *testing.T) {
	q := input.NewQueue(0, twoPlayers)
	_, err := New(sandbox.NewArena(1), q, 0, Options{Window: 0})
	assert.Error(t, err)
	_, err = New(sandbox.NewArena(1), q, 0, Options{Window: 4, CheckDistance: 5})
	assert.Error(t, err)
}
