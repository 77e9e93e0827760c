package snapshot

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateFor(tick uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, tick*7919)
	binary.BigEndian.PutUint64(b[8:], ^tick)
	return b
}

func fill(t *testing.T, s *Store, from, to uint64) {
	t.Helper()
	for tick := from; tick <= to; tick++ {
		_, err := s.Capture(tick, stateFor(tick))
		require.NoError(t, err)
	}
}

// TestRestoreRoundTrip checks that restored bytes equal the captured ones
// and are a private copy.
func TestRestoreRoundTrip(t *testing.T) {
	s := NewStore(4, 0)
	fill(t, s, 10, 12)

	got, err := s.Restore(11)
	require.NoError(t, err)
	assert.Equal(t, stateFor(11), got)

	got[0] ^= 0xff
	again, err := s.Restore(11)
	require.NoError(t, err)
	assert.Equal(t, stateFor(11), again)
}

// TestEvictionDepth8 captures past capacity and restores nine ticks back:
// that tick must be gone.
func TestEvictionDepth8(t *testing.T) {
	s := NewStore(8, 0)
	fill(t, s, 1, 20)

	oldest, _ := s.Oldest()
	newest, _ := s.Newest()
	assert.Equal(t, uint64(13), oldest)
	assert.Equal(t, uint64(20), newest)
	assert.Equal(t, 8, s.Len())

	_, err := s.Restore(20 - 9)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)

	_, err = s.Restore(20 - 7)
	assert.NoError(t, err)
}

// TestCaptureRules covers replay overwrite, gaps and the size budget.
func TestCaptureRules(t *testing.T) {
	s := NewStore(4, 32)
	fill(t, s, 5, 7)

	sum, err := s.Capture(6, []byte("replayed"))
	require.NoError(t, err)
	stored, err := s.Checksum(6)
	require.NoError(t, err)
	assert.Equal(t, sum, stored)

	_, err = s.Capture(9, stateFor(9))
	assert.ErrorIs(t, err, ErrNonContiguous)

	_, err = s.Capture(8, make([]byte, 33))
	assert.ErrorIs(t, err, ErrStateTooLarge)

	_, err = s.Restore(4)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)
}

// TestChecksumMismatch corrupts a stored buffer in place.
func TestChecksumMismatch(t *testing.T) {
	s := NewStore(4, 0)
	fill(t, s, 1, 3)

	s.ring[2%4].data[3] ^= 0x01

	_, err := s.Restore(2)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

// TestReset releases every entry.
func TestReset(t *testing.T) {
	s := NewStore(4, 0)
	fill(t, s, 1, 3)
	s.Reset()

	assert.Equal(t, 0, s.Len())
	_, err := s.Restore(2)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)

	// An empty store accepts any starting tick.
	fill(t, s, 100, 101)
	assert.True(t, s.Contains(100))
}
