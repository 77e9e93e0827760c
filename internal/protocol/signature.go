package protocol

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/util"
)

// ConsoleClass identifies the virtual hardware profile a ROM targets.
type ConsoleClass uint8

const (
	ConsoleZ  ConsoleClass = 1
	ConsoleZX ConsoleClass = 2
)

func (c ConsoleClass) String() string {
	switch c {
	case ConsoleZ:
		return "Z"
	case ConsoleZX:
		return "ZX"
	}
	return fmt.Sprintf("Console(%d)", uint8(c))
}

// Signature is what two peers must agree on exactly before any game state
// is exchanged.
type Signature struct {
	ROMHash  [32]byte
	Console  ConsoleClass
	TickRate config.TickRate
}

// NewSignature hashes rom and binds it to a console class and tick rate.
func NewSignature(rom []byte, console ConsoleClass, rate config.TickRate) Signature {
	return Signature{ROMHash: util.HashROM(rom), Console: console, TickRate: rate}
}

// Fingerprint condenses the signature into the 8 bytes stamped on every
// datagram header.
func (s Signature) Fingerprint() uint64 {
	var buf [34]byte
	copy(buf[:32], s.ROMHash[:])
	buf[32] = byte(s.Console)
	buf[33] = byte(s.TickRate)
	return util.Fingerprint64(blake3.Sum256(buf[:]))
}

// Mismatch describes the first field that differs, or "" if none does.
func (s Signature) Mismatch(other Signature) string {
	switch {
	case s.Console != other.Console:
		return fmt.Sprintf("console class %s != %s", s.Console, other.Console)
	case s.ROMHash != other.ROMHash:
		return "rom hash differs"
	case s.TickRate != other.TickRate:
		return fmt.Sprintf("tick rate %s != %s", s.TickRate, other.TickRate)
	}
	return ""
}

func (s Signature) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Console, hex.EncodeToString(s.ROMHash[:6]), s.TickRate)
}
