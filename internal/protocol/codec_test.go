package protocol

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/input"
)

var testSig = NewSignature([]byte("rom image"), ConsoleZX, config.TickRate60)

// TestEncodeDecodeMessages verifies each message kind survives the codec
// along with the header fields.
func TestEncodeDecodeMessages(t *testing.T) {
	sid := uuid.New()
	lobby := []LobbySlot{{Slot: 0, Name: "host", Ready: true}, {Slot: 2, Name: "guest"}}

	tests := []struct {
		name string
		msg  Message
	}{
		{"join request", JoinRequest{Signature: testSig, Name: "p2", HostingSession: sid}},
		{"join accept", JoinAccept{SessionID: sid, Slot: 2, MaxPlayers: 4, Signature: testSig, Lobby: lobby}},
		{"join reject", JoinReject{Reason: RejectLobbyFull}},
		{"lobby update", LobbyUpdate{Slots: lobby}},
		{"ready", Ready{Ready: true}},
		{"session start", SessionStart{SessionID: sid, InitialTick: 0, Seed: 0xdeadbeef, InputDelay: 2, RollbackWindow: 8, MaxPlayers: 4, Slots: lobby}},
		{"input bundle", InputBundle{Slot: 1, Start: 40, AckTick: 38, Inputs: []input.Input{
			{Buttons: 1, Axes: [4]input.Fixed{-256, 128, 0, 1}},
			{Buttons: 0x80000000},
		}}},
		{"ack", Ack{Seq: 99}},
		{"heartbeat", Heartbeat{Stamp: 123456789, Echo: -1, Tick: 77}},
		{"checksum", ChecksumReport{Tick: 60, Sum: 0xcafef00d}},
		{"leave", Leave{}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := Header{Flags: FlagCritical, Seq: uint32(i + 1), Fingerprint: testSig.Fingerprint()}
			data, err := Encode(hdr, tt.msg)
			require.NoError(t, err)

			env, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Kind(), env.Kind)
			assert.Equal(t, Version, env.Version)
			assert.Equal(t, hdr.Seq, env.Seq)
			assert.True(t, env.Critical())
			assert.Equal(t, hdr.Fingerprint, env.Fingerprint)
			assert.Equal(t, tt.msg, env.Msg)
		})
	}
}

// TestDecodeRejectsMalformed covers each header and body failure.
func TestDecodeRejectsMalformed(t *testing.T) {
	good, err := Encode(Header{}, ChecksumReport{Tick: 1, Sum: 2})
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'

	badVersion := append([]byte(nil), good...)
	badVersion[5] = 0xee

	unknown := append([]byte(nil), good...)
	unknown[6] = 0x7f

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrShortPacket},
		{"short header", good[:HeaderSize-1], ErrShortPacket},
		{"bad magic", badMagic, ErrBadMagic},
		{"bad version", badVersion, ErrVersion},
		{"unknown kind", unknown, ErrUnknownKind},
		{"truncated body", good[:len(good)-1], ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestEncodeRejectsOversize refuses bodies the format cannot express.
func TestEncodeRejectsOversize(t *testing.T) {
	_, err := Encode(Header{}, InputBundle{Inputs: make([]input.Input, MaxBundle+1)})
	assert.ErrorIs(t, err, ErrTooLarge)

	long := make([]byte, 256)
	_, err = Encode(Header{}, JoinRequest{Name: string(long)})
	assert.ErrorIs(t, err, ErrTooLarge)
}

// TestSignatureMismatch checks each field participates in the comparison
// and in the fingerprint.
func TestSignatureMismatch(t *testing.T) {
	other := testSig
	assert.Empty(t, testSig.Mismatch(other))
	assert.Equal(t, testSig.Fingerprint(), other.Fingerprint())

	rate := testSig
	rate.TickRate = config.TickRate30
	assert.Contains(t, testSig.Mismatch(rate), "tick rate")
	assert.NotEqual(t, testSig.Fingerprint(), rate.Fingerprint())

	rom := NewSignature([]byte("other rom"), ConsoleZX, config.TickRate60)
	assert.Equal(t, "rom hash differs", testSig.Mismatch(rom))

	console := testSig
	console.Console = ConsoleZ
	assert.Contains(t, testSig.Mismatch(console), "console class")
}

// TestInputBundleEnd covers the derived last tick.
func TestInputBundleEnd(t *testing.T) {
	b := InputBundle{Start: 10, Inputs: make([]input.Input, 8)}
	assert.Equal(t, uint64(17), b.End())
	assert.False(t, b.Wraps())
	assert.True(t, KindSessionStart.Handshake())
	assert.False(t, KindInputBundle.Handshake())
}

// TestDecodeRejectsWrappingBundle refuses a bundle whose last tick would
// overflow back to the start of the tick range.
func TestDecodeRejectsWrappingBundle(t *testing.T) {
	tests := []struct {
		name  string
		start uint64
		n     int
		want  error
	}{
		{"ends at max", math.MaxUint64 - 1, 2, nil},
		{"one past max", math.MaxUint64 - 1, 3, ErrBadRange},
		{"empty at max", math.MaxUint64, 0, nil},
		{"full at max", math.MaxUint64, MaxBundle, ErrBadRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(Header{}, InputBundle{Slot: 1, Start: tt.start, Inputs: make([]input.Input, tt.n)})
			require.NoError(t, err)

			_, err = Decode(data)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
