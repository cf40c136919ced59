package video

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware/mock"
)

func TestStreamerToReceiver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	receiver := NewReceiver(addr, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiver.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	capture := mock.NewVideo()
	streamer := NewStreamer(addr, capture, 50, zap.NewNop())
	go streamer.Run(ctx)

	require.Eventually(t, func() bool {
		frames, _ := receiver.Stats()
		return frames >= 5
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, receiver.Connected())

	frame, stamp := receiver.Frame()
	require.NotNil(t, frame)
	assert.False(t, stamp.IsZero())
	// Well-formed JPEG markers around the synthetic body.
	assert.Equal(t, []byte{0xff, 0xd8}, frame[:2])
	assert.Equal(t, []byte{0xff, 0xd9}, frame[len(frame)-2:])

	_, overflows := receiver.Stats()
	assert.Equal(t, uint64(0), overflows)
}
