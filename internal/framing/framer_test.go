package framing

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPSK = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestFramer(t *testing.T) *Framer {
	t.Helper()
	f := New(testPSK, "test", zap.NewNop())
	require.True(t, f.IsAuthenticated())
	return f
}

func TestFramerRoundtrip(t *testing.T) {
	sender := newTestFramer(t)
	receiver := newTestFramer(t)

	payload := []byte(`{"type":"ping","data":{"seq":1}}`)
	frame, err := sender.CreateFrame(payload)
	require.NoError(t, err)

	// 42-byte header plus payload.
	assert.Equal(t, HeaderSize+len(payload), len(frame))

	got, seq, err := receiver.ParseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint64(1), seq)

	// Resending the same bytes is a replay.
	_, _, err = receiver.ParseFrame(frame)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestFramerRoundtripSizes(t *testing.T) {
	sender := newTestFramer(t)
	receiver := newTestFramer(t)

	var expected uint64
	for _, n := range []int{0, 1, 2, 41, 42, 43, 1000, MaxFrameSize} {
		payload := bytes.Repeat([]byte{0x5a}, n)
		frame, err := sender.CreateFrame(payload)
		require.NoError(t, err, "size %d", n)

		got, seq, err := receiver.ParseFrame(frame)
		require.NoError(t, err, "size %d", n)
		expected++
		assert.Equal(t, expected, seq)
		assert.Equal(t, payload, got)
	}
}

func TestFramerOversizePayload(t *testing.T) {
	f := newTestFramer(t)
	_, err := f.CreateFrame(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestFramerSendSequenceMonotonic(t *testing.T) {
	f := newTestFramer(t)
	for want := uint64(1); want <= 50; want++ {
		_, err := f.CreateFrame([]byte("x"))
		require.NoError(t, err)
		assert.Equal(t, want, f.SendSeq())
	}
}

func TestFramerTamperingDetected(t *testing.T) {
	sender := newTestFramer(t)

	payload := []byte(`{"type":"emergency_stop","data":{"engage":false}}`)
	frame, err := sender.CreateFrame(payload)
	require.NoError(t, err)

	// Flipping any single byte must never yield a decoded payload.
	for i := range frame {
		receiver := newTestFramer(t)
		tampered := make([]byte, len(frame))
		copy(tampered, frame)
		tampered[i] ^= 0xff

		_, _, err := receiver.ParseFrame(tampered)
		require.Error(t, err, "byte %d", i)
		ok := errors.Is(err, ErrAuth) || errors.Is(err, ErrFrameSize) || errors.Is(err, ErrTooShort)
		assert.True(t, ok, "byte %d: unexpected error %v", i, err)
	}
}

func TestFramerTruncated(t *testing.T) {
	sender := newTestFramer(t)
	receiver := newTestFramer(t)

	frame, err := sender.CreateFrame([]byte("hello"))
	require.NoError(t, err)

	_, _, err = receiver.ParseFrame(frame[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrTooShort)

	_, _, err = receiver.ParseFrame(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestFramerUnauthenticated(t *testing.T) {
	f := New("", "test", zap.NewNop())
	assert.False(t, f.IsAuthenticated())

	_, err := f.CreateFrame([]byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, _, err = f.ParseFrame(make([]byte, HeaderSize))
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestFramerBadKeyHex(t *testing.T) {
	assert.False(t, New("zzzz", "test", zap.NewNop()).IsAuthenticated())
	assert.False(t, New("abcd", "test", zap.NewNop()).IsAuthenticated())
}

func TestFramerReplayWindowPerInstance(t *testing.T) {
	sender := newTestFramer(t)

	frames := make([][]byte, 0, 5)
	for i := 0; i < 5; i++ {
		frame, err := sender.CreateFrame([]byte("x"))
		require.NoError(t, err)
		frames = append(frames, frame)
	}

	// A receiver that has seen frame 5 rejects everything at or below it.
	receiver := newTestFramer(t)
	_, seq, err := receiver.ParseFrame(frames[4])
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)

	for _, frame := range frames {
		_, _, err := receiver.ParseFrame(frame)
		assert.ErrorIs(t, err, ErrReplay)
	}

	// A fresh receiver (new connection) accepts them again in order.
	fresh := newTestFramer(t)
	for i, frame := range frames {
		_, seq, err := fresh.ParseFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
}
