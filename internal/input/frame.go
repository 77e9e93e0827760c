// Package input holds per-slot input history: confirmed frames received from
// their owners and the predictions synthesized while those are in flight.
package input

import (
	"fmt"
	"math"
)

// Fixed is a Q8.8 fixed-point axis value.
type Fixed int16

const fixedOne = 1 << 8

// FixedFromFloat converts and saturates f into Q8.8.
func FixedFromFloat(f float64) Fixed {
	v := math.Round(f * fixedOne)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return Fixed(v)
}

// Float returns the value as a float64. Only for display; simulation code
// must stay in fixed point.
func (f Fixed) Float() float64 { return float64(f) / fixedOne }

// Input is the content of one player's controls for one tick.
type Input struct {
	Buttons uint32   // bitmask, bit i = button i held
	Axes    [4]Fixed // left x/y, right x/y
}

// Neutral reports whether no button is held and all axes are centred.
func (in Input) Neutral() bool { return in == Input{} }

// Frame is the input of one slot at one tick.
type Frame struct {
	Tick      uint64
	Slot      uint8
	Input     Input
	Confirmed bool
}

func (f Frame) String() string {
	state := "predicted"
	if f.Confirmed {
		state = "confirmed"
	}
	return fmt.Sprintf("tick=%d slot=%d buttons=%#x %s", f.Tick, f.Slot, f.Input.Buttons, state)
}
