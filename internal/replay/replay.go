// Package replay records the confirmed input of a session and plays it
// back headlessly. Recordings are an lz4 stream of fixed-size rows, one per
// confirmed tick, persisted in a bolt database keyed by session id.
package replay

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/protocol"
)

// FormatVersion is bumped whenever the row layout changes.
const FormatVersion = 1

var (
	ErrOutOfOrder = errors.New("replay: confirmed ticks must be recorded in order")
	ErrFinished   = errors.New("replay: recorder already finished")
	ErrDiverged   = errors.New("replay: playback checksum differs from recording")
	ErrCorrupt    = errors.New("replay: corrupt recording")
)

// Header describes a recording. It is stored as JSON in front of the
// compressed row stream.
type Header struct {
	Version     int       `json:"version"`
	SessionID   uuid.UUID `json:"session_id"`
	ROMHash     string    `json:"rom_hash"`
	Console     uint8     `json:"console"`
	TickRate    int       `json:"tick_rate"`
	Seed        uint64    `json:"seed"`
	InitialTick uint64    `json:"initial_tick"`
	Slots       []uint8   `json:"slots"` // active slots, ascending
	Ticks       uint64    `json:"ticks"` // rows recorded
	Created     time.Time `json:"created"`
}

// NewHeader describes a session about to be recorded.
func NewHeader(sig protocol.Signature, start protocol.SessionStart) Header {
	h := Header{
		Version:     FormatVersion,
		SessionID:   start.SessionID,
		ROMHash:     hex.EncodeToString(sig.ROMHash[:]),
		Console:     uint8(sig.Console),
		TickRate:    sig.TickRate.Hz(),
		Seed:        start.Seed,
		InitialTick: start.InitialTick,
		Created:     time.Now().UTC(),
	}
	var active [input.Slots]bool
	for _, s := range start.Slots {
		if int(s.Slot) < input.Slots {
			active[s.Slot] = true
		}
	}
	for slot, ok := range active {
		if ok {
			h.Slots = append(h.Slots, uint8(slot))
		}
	}
	return h
}

// Signature rebuilds the console signature the recording was made under.
func (h Header) Signature() (protocol.Signature, error) {
	var sig protocol.Signature
	raw, err := hex.DecodeString(h.ROMHash)
	if err != nil || len(raw) != len(sig.ROMHash) {
		return sig, fmt.Errorf("%w: rom hash %q", ErrCorrupt, h.ROMHash)
	}
	rate, err := config.ParseTickRate(h.TickRate)
	if err != nil {
		return sig, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	copy(sig.ROMHash[:], raw)
	sig.Console = protocol.ConsoleClass(h.Console)
	sig.TickRate = rate
	return sig, nil
}

// rowSize is the encoded length of one tick for n active slots.
func rowSize(n int) int { return n*inputSize + 4 }

const inputSize = 4 + 4*2

// Replay is a finished recording.
type Replay struct {
	Header Header
	Stream []byte // lz4-compressed rows
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder appends rows as ticks become confirmed. Record has the shape of
// the scheduler's OnConfirmed hook.
type Recorder struct {
	mu     sync.Mutex
	header Header
	next   uint64
	buf    bytes.Buffer
	zw     *lz4.Writer
	row    []byte
	done   bool
	err    error
}

// NewRecorder starts a recording whose first row is header.InitialTick+1.
func NewRecorder(h Header) *Recorder {
	r := &Recorder{
		header: h,
		next:   h.InitialTick + 1,
		row:    make([]byte, rowSize(len(h.Slots))),
	}
	r.header.Ticks = 0
	r.zw = lz4.NewWriter(&r.buf)
	return r
}

// Record appends the final inputs and checksum of tick. Errors are latched
// and returned by Finish.
func (r *Recorder) Record(tick uint64, inputs [input.Slots]input.Frame, sum uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.err != nil:
		return
	case r.done:
		r.err = ErrFinished
		return
	case tick != r.next:
		r.err = fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, tick, r.next)
		return
	}

	off := 0
	for _, slot := range r.header.Slots {
		in := inputs[slot].Input
		binary.BigEndian.PutUint32(r.row[off:], in.Buttons)
		for i, ax := range in.Axes {
			binary.BigEndian.PutUint16(r.row[off+4+i*2:], uint16(ax))
		}
		off += inputSize
	}
	binary.BigEndian.PutUint32(r.row[off:], sum)

	if _, err := r.zw.Write(r.row); err != nil {
		r.err = fmt.Errorf("replay: compress tick %d: %w", tick, err)
		return
	}
	r.next++
	r.header.Ticks++
}

// Ticks returns how many rows have been recorded.
func (r *Recorder) Ticks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Ticks
}

// Finish flushes the compressor and returns the recording.
func (r *Recorder) Finish() (*Replay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, ErrFinished
	}
	r.done = true
	if err := r.zw.Close(); err != nil {
		return nil, fmt.Errorf("replay: compress: %w", err)
	}
	stream := make([]byte, r.buf.Len())
	copy(stream, r.buf.Bytes())
	return &Replay{Header: r.header, Stream: stream}, nil
}
