package packet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 4096} {
		t.Run("len_"+itoa(size), func(t *testing.T) {
			body := strings.Repeat("x", size)
			w := NewWriter().Uint32(99).String(body)
			p := &Packet{
				Command:   CmdObjectDelta,
				SessionID: 7,
				ObjectID:  42,
				Payload:   w.Payload(),
			}

			frame := p.Encode()
			require.Len(t, frame, int(p.Size()))

			got, err := Decode(frame)
			require.NoError(t, err)
			require.Equal(t, CmdObjectDelta, got.Command)
			require.EqualValues(t, 7, got.SessionID)
			require.EqualValues(t, 42, got.ObjectID)

			r := NewReader(got.Payload)
			require.EqualValues(t, 99, r.Uint32())
			require.Equal(t, body, r.String())
			require.NoError(t, r.Err())
			require.Zero(t, r.Remaining())
		})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0})
	require.ErrorIs(t, err, ErrMalformedPacket)

	p := &Packet{Command: CmdNodeConnect}
	frame := p.Encode()
	frame[3]++ // size field no longer matches the frame
	_, err = Decode(frame)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestFrameSizeBounds(t *testing.T) {
	_, err := FrameSize([]byte{0, 0})
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = FrameSize([]byte{0, 0, 0, HeaderSize - 1})
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = FrameSize([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.ErrorIs(t, err, ErrPacketTooLarge)

	n, err := FrameSize([]byte{0, 0, 0, HeaderSize})
	require.NoError(t, err)
	require.EqualValues(t, HeaderSize, n)
}

func TestReaderStickyError(t *testing.T) {
	r := NewReader(NewWriter().Uint32(1).Payload())
	require.EqualValues(t, 1, r.Uint32())
	require.Zero(t, r.Uint64())
	require.ErrorIs(t, r.Err(), ErrPayloadTooShort)
	// every later read keeps failing with the original error
	require.Empty(t, r.String())
	require.False(t, r.Bool())
	require.ErrorIs(t, r.Err(), ErrPayloadTooShort)
}

func TestWriterReaderMixedFields(t *testing.T) {
	w := NewWriter().
		Uint32(3).
		Bool(true).
		Uint64(1 << 40).
		Bytes([]byte{1, 2, 3}).
		String("")

	r := NewReader(w.Payload())
	require.EqualValues(t, 3, r.Uint32())
	require.True(t, r.Bool())
	require.EqualValues(t, 1<<40, r.Uint64())
	require.Equal(t, []byte{1, 2, 3}, r.Bytes())
	require.Empty(t, r.String())
	require.NoError(t, r.Err())
}
