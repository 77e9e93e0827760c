package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/rollback"
	"github.com/1ureka/rollnet/internal/util"
)

// Result summarizes a playback.
type Result struct {
	FinalTick uint64
	Checksum  uint32 // state checksum after the final tick
	Ticks     uint64
}

// Play feeds every recorded row into sb, which must be in the state the
// session started from, and verifies each tick's checksum. onTick may be
// nil.
func Play(r *Replay, sb rollback.Sandbox, onTick func(tick uint64, sum uint32)) (Result, error) {
	h := r.Header
	if h.Version != FormatVersion {
		return Result{}, fmt.Errorf("%w: format version %d", ErrCorrupt, h.Version)
	}
	for _, slot := range h.Slots {
		if int(slot) >= input.Slots {
			return Result{}, fmt.Errorf("%w: slot %d", ErrCorrupt, slot)
		}
	}

	zr := lz4.NewReader(bytes.NewReader(r.Stream))
	row := make([]byte, rowSize(len(h.Slots)))
	res := Result{FinalTick: h.InitialTick}

	for tick := h.InitialTick + 1; res.Ticks < h.Ticks; tick++ {
		if _, err := io.ReadFull(zr, row); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return res, fmt.Errorf("%w: stream ends at tick %d of %d", ErrCorrupt, tick, h.InitialTick+h.Ticks)
			}
			return res, fmt.Errorf("replay: decompress: %w", err)
		}

		var frames [input.Slots]input.Frame
		for slot := range frames {
			frames[slot] = input.Frame{Tick: tick, Slot: uint8(slot), Confirmed: true}
		}
		off := 0
		for _, slot := range h.Slots {
			in := &frames[slot].Input
			in.Buttons = binary.BigEndian.Uint32(row[off:])
			for i := range in.Axes {
				in.Axes[i] = input.Fixed(binary.BigEndian.Uint16(row[off+4+i*2:]))
			}
			off += inputSize
		}
		want := binary.BigEndian.Uint32(row[off:])

		if err := sb.Advance(frames); err != nil {
			return res, fmt.Errorf("replay: advance tick %d: %w", tick, err)
		}
		state, err := sb.Snapshot()
		if err != nil {
			return res, fmt.Errorf("replay: snapshot tick %d: %w", tick, err)
		}
		sum := util.Checksum32(state)
		if sum != want {
			return res, fmt.Errorf("%w: tick %d got %08x, recorded %08x", ErrDiverged, tick, sum, want)
		}

		res.FinalTick, res.Checksum = tick, sum
		res.Ticks++
		if onTick != nil {
			onTick(tick, sum)
		}
	}
	return res, nil
}
