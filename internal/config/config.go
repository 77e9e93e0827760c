// Package config holds the session configuration consumed by the core.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Role represents the peer's role in a session (host or guest).
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// MaxSlots is the hard upper bound on participants in one session.
const MaxSlots = 4

// TickRate enumerates the supported simulation rates. Peers with different
// rates never interoperate.
type TickRate uint8

const (
	TickRate24 TickRate = iota
	TickRate30
	TickRate60
	TickRate120
)

// Hz returns the ticks per second for the rate.
func (r TickRate) Hz() int {
	switch r {
	case TickRate24:
		return 24
	case TickRate30:
		return 30
	case TickRate60:
		return 60
	case TickRate120:
		return 120
	}
	return 0
}

// Interval returns the duration of one tick.
func (r TickRate) Interval() time.Duration {
	hz := r.Hz()
	if hz == 0 {
		return 0
	}
	return time.Second / time.Duration(hz)
}

func (r TickRate) String() string {
	if hz := r.Hz(); hz > 0 {
		return fmt.Sprintf("%dHz", hz)
	}
	return fmt.Sprintf("TickRate(%d)", uint8(r))
}

// ParseTickRate maps a ticks-per-second number to a TickRate.
func ParseTickRate(hz int) (TickRate, error) {
	for r := TickRate24; r <= TickRate120; r++ {
		if r.Hz() == hz {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unsupported tick rate: %d (want 24, 30, 60 or 120)", hz)
}

// Config stores every tunable the session core reads. Loading it (flags,
// prompts, files) is the caller's business.
type Config struct {
	Role       Role
	TickRate   TickRate
	MaxPlayers int // 1..MaxSlots

	RollbackWindow  int // ticks of history kept for correction
	InputDelay      int // ticks of intentional local input lag
	InputRedundancy int // local ticks repeated in every input bundle
	ChecksumEvery   int // confirmed ticks between desync checksum reports, 0 disables

	DisconnectTimeout  time.Duration // silence before a peer is dropped
	HeartbeatInterval  time.Duration
	RetransmitInterval time.Duration // resend period for unacknowledged critical messages
	CriticalTimeout    time.Duration // give up on a critical message after this long
	JoinTimeout        time.Duration // guest gives up waiting for an accept
	PollInterval       time.Duration // network lane cadence

	MaxStateSize int // bytes; snapshots larger than this are refused
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Role:               RoleHost,
		TickRate:           TickRate60,
		MaxPlayers:         MaxSlots,
		RollbackWindow:     8,
		InputDelay:         2,
		InputRedundancy:    8,
		ChecksumEvery:      60,
		DisconnectTimeout:  5 * time.Second,
		HeartbeatInterval:  250 * time.Millisecond,
		RetransmitInterval: 200 * time.Millisecond,
		CriticalTimeout:    5 * time.Second,
		JoinTimeout:        5 * time.Second,
		PollInterval:       2 * time.Millisecond,
		MaxStateSize:       16 * 1024 * 1024,
	}
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.Role != RoleHost && c.Role != RoleGuest:
		return fmt.Errorf("%w: role %q", ErrInvalidConfig, c.Role)
	case c.TickRate.Hz() == 0:
		return fmt.Errorf("%w: tick rate %d", ErrInvalidConfig, c.TickRate)
	case c.MaxPlayers < 1 || c.MaxPlayers > MaxSlots:
		return fmt.Errorf("%w: max players %d (must be 1~%d)", ErrInvalidConfig, c.MaxPlayers, MaxSlots)
	case c.RollbackWindow < 1 || c.RollbackWindow > 255:
		return fmt.Errorf("%w: rollback window %d (must be 1~255)", ErrInvalidConfig, c.RollbackWindow)
	case c.InputDelay < 0 || c.InputDelay >= c.RollbackWindow:
		return fmt.Errorf("%w: input delay %d (must be 0~%d)", ErrInvalidConfig, c.InputDelay, c.RollbackWindow-1)
	case c.InputRedundancy < 1 || c.InputRedundancy > 255:
		return fmt.Errorf("%w: input redundancy %d", ErrInvalidConfig, c.InputRedundancy)
	case c.ChecksumEvery < 0:
		return fmt.Errorf("%w: checksum interval %d", ErrInvalidConfig, c.ChecksumEvery)
	case c.DisconnectTimeout <= 0 || c.RetransmitInterval <= 0 || c.CriticalTimeout <= 0 || c.JoinTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.DisconnectTimeout:
		return fmt.Errorf("%w: heartbeat interval %v (must be below disconnect timeout %v)",
			ErrInvalidConfig, c.HeartbeatInterval, c.DisconnectTimeout)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval %v", ErrInvalidConfig, c.PollInterval)
	case c.MaxStateSize <= 0:
		return fmt.Errorf("%w: max state size %d", ErrInvalidConfig, c.MaxStateSize)
	}
	return nil
}
