package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/input"
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrBadMagic    = errors.New("bad magic")
	ErrVersion     = errors.New("unsupported protocol version")
	ErrUnknownKind = errors.New("unknown message kind")
	ErrTruncated   = errors.New("truncated message body")
	ErrTooLarge    = errors.New("field too large to encode")
	ErrBadRange    = errors.New("tick range overflows")
)

// Encode serializes a header and message into one datagram. The header's
// Kind and Version are taken from msg and the Version constant.
func Encode(h Header, msg Message) ([]byte, error) {
	w := &writer{buf: make([]byte, HeaderSize, HeaderSize+64)}
	copy(w.buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(w.buf[4:6], Version)
	w.buf[6] = byte(msg.Kind())
	w.buf[7] = h.Flags
	binary.BigEndian.PutUint32(w.buf[8:12], h.Seq)
	binary.BigEndian.PutUint64(w.buf[12:20], h.Fingerprint)

	switch m := msg.(type) {
	case JoinRequest:
		w.signature(m.Signature)
		w.str(m.Name)
		w.uuid(m.HostingSession)
	case JoinAccept:
		w.uuid(m.SessionID)
		w.u8(m.Slot)
		w.u8(m.MaxPlayers)
		w.signature(m.Signature)
		w.lobby(m.Lobby)
	case JoinReject:
		w.u8(uint8(m.Reason))
	case LobbyUpdate:
		w.lobby(m.Slots)
	case Ready:
		w.bool(m.Ready)
	case SessionStart:
		w.uuid(m.SessionID)
		w.u64(m.InitialTick)
		w.u64(m.Seed)
		w.u8(m.InputDelay)
		w.u8(m.RollbackWindow)
		w.u8(m.MaxPlayers)
		w.lobby(m.Slots)
	case InputBundle:
		if len(m.Inputs) > MaxBundle {
			return nil, fmt.Errorf("%w: bundle of %d ticks", ErrTooLarge, len(m.Inputs))
		}
		w.u8(m.Slot)
		w.u64(m.Start)
		w.u64(m.AckTick)
		w.u8(uint8(len(m.Inputs)))
		for _, in := range m.Inputs {
			w.u32(in.Buttons)
			for _, a := range in.Axes {
				w.u16(uint16(a))
			}
		}
	case Ack:
		w.u32(m.Seq)
	case Heartbeat:
		w.u64(uint64(m.Stamp))
		w.u64(uint64(m.Echo))
		w.u64(m.Tick)
	case ChecksumReport:
		w.u64(m.Tick)
		w.u32(m.Sum)
	case Leave:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}

	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// DecodeHeader parses and validates only the fixed header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortPacket, len(data), HeaderSize)
	}
	if [4]byte(data[0:4]) != Magic {
		return Header{}, fmt.Errorf("%w: %x", ErrBadMagic, data[0:4])
	}
	h := Header{
		Version:     binary.BigEndian.Uint16(data[4:6]),
		Kind:        Kind(data[6]),
		Flags:       data[7],
		Seq:         binary.BigEndian.Uint32(data[8:12]),
		Fingerprint: binary.BigEndian.Uint64(data[12:20]),
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d (want %d)", ErrVersion, h.Version, Version)
	}
	return h, nil
}

// Decode deserializes a datagram. The returned message owns its memory.
func Decode(data []byte) (*Envelope, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: data[HeaderSize:]}
	var msg Message

	switch h.Kind {
	case KindJoinRequest:
		msg = JoinRequest{Signature: r.signature(), Name: r.str(), HostingSession: r.uuid()}
	case KindJoinAccept:
		msg = JoinAccept{SessionID: r.uuid(), Slot: r.u8(), MaxPlayers: r.u8(), Signature: r.signature(), Lobby: r.lobby()}
	case KindJoinReject:
		msg = JoinReject{Reason: RejectReason(r.u8())}
	case KindLobbyUpdate:
		msg = LobbyUpdate{Slots: r.lobby()}
	case KindReady:
		msg = Ready{Ready: r.bool()}
	case KindSessionStart:
		msg = SessionStart{
			SessionID:      r.uuid(),
			InitialTick:    r.u64(),
			Seed:           r.u64(),
			InputDelay:     r.u8(),
			RollbackWindow: r.u8(),
			MaxPlayers:     r.u8(),
			Slots:          r.lobby(),
		}
	case KindInputBundle:
		b := InputBundle{Slot: r.u8(), Start: r.u64(), AckTick: r.u64()}
		n := int(r.u8())
		if r.err == nil && n > 0 {
			b.Inputs = make([]input.Input, n)
			for i := range b.Inputs {
				b.Inputs[i].Buttons = r.u32()
				for j := range b.Inputs[i].Axes {
					b.Inputs[i].Axes[j] = input.Fixed(r.u16())
				}
			}
		}
		if r.err == nil && b.Wraps() {
			r.err = fmt.Errorf("%w: bundle at %d", ErrBadRange, b.Start)
		}
		msg = b
	case KindAck:
		msg = Ack{Seq: r.u32()}
	case KindHeartbeat:
		msg = Heartbeat{Stamp: int64(r.u64()), Echo: int64(r.u64()), Tick: r.u64()}
	case KindChecksumReport:
		msg = ChecksumReport{Tick: r.u64(), Sum: r.u32()}
	case KindLeave:
		msg = Leave{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, h.Kind)
	}

	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", h.Kind, r.err)
	}
	return &Envelope{Header: h, Msg: msg}, nil
}

// ---------------------------------------------------------------------------
// Primitive writers / readers
// ---------------------------------------------------------------------------

type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(s string) {
	if len(s) > 255 {
		w.err = fmt.Errorf("%w: string of %d bytes", ErrTooLarge, len(s))
		return
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) uuid(id uuid.UUID) { w.buf = append(w.buf, id[:]...) }

func (w *writer) signature(s Signature) {
	w.buf = append(w.buf, s.ROMHash[:]...)
	w.u8(uint8(s.Console))
	w.u8(uint8(s.TickRate))
}

func (w *writer) lobby(slots []LobbySlot) {
	if len(slots) > config.MaxSlots {
		w.err = fmt.Errorf("%w: lobby of %d slots", ErrTooLarge, len(slots))
		return
	}
	w.u8(uint8(len(slots)))
	for _, s := range slots {
		w.u8(s.Slot)
		w.bool(s.Ready)
		w.str(s.Name)
	}
}

// reader records the first short read and returns zero values afterwards,
// so decoders can read a whole body and check err once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) str() string {
	n := int(r.u8())
	return string(r.take(n))
}

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.take(16))
	return id
}

func (r *reader) signature() Signature {
	var s Signature
	copy(s.ROMHash[:], r.take(32))
	s.Console = ConsoleClass(r.u8())
	s.TickRate = config.TickRate(r.u8())
	return s
}

func (r *reader) lobby() []LobbySlot {
	n := int(r.u8())
	if r.err != nil || n == 0 {
		return nil
	}
	if n > config.MaxSlots {
		r.err = fmt.Errorf("%w: lobby of %d slots", ErrTruncated, n)
		return nil
	}
	out := make([]LobbySlot, n)
	for i := range out {
		out[i] = LobbySlot{Slot: r.u8(), Ready: r.bool(), Name: r.str()}
	}
	return out
}
