package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestChecksum32 is stable and sensitive to every byte.
func TestChecksum32(t *testing.T) {
	state := []byte("arena state")
	assert.Equal(t, Checksum32(state), Checksum32(append([]byte(nil), state...)))

	flipped := append([]byte(nil), state...)
	flipped[len(flipped)-1] ^= 1
	assert.NotEqual(t, Checksum32(state), Checksum32(flipped))
}

// TestFingerprint64 folds the leading digest bytes.
func TestFingerprint64(t *testing.T) {
	var d [32]byte
	d[0], d[7], d[8] = 0x12, 0x34, 0xff
	assert.Equal(t, uint64(0x1200000000000034), Fingerprint64(d))
	assert.NotEqual(t, HashROM([]byte("a")), HashROM([]byte("b")))
}

// TestFormatBytes keeps the fixed eight-character width.
func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatBytes(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, 8)
		})
	}
}

// TestFormatStats reports per-second rates from two snapshots.
func TestFormatStats(t *testing.T) {
	prev := snapshot{ticks: 0}
	cur := snapshot{ticks: 600, rollbacks: 4, replayed: 12, stalls: 1, sent: 2048, recv: 1024}
	got := formatStats(cur, prev, 10)
	assert.Contains(t, got, "Ticks:  60.0/s")
	assert.Contains(t, got, "Rollbacks:   4 (  12 replayed)")
	assert.Contains(t, got, "Stalls:   1")
}
