package control

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/framing"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

const testPSK = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	seqs     []uint64
	estops   []protocol.EstopReason
}

func (r *recorder) onCommand(payload []byte, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.payloads = append(r.payloads, cp)
	r.seqs = append(r.seqs, seq)
	return nil
}

func (r *recorder) onEstop(reason protocol.EstopReason, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estops = append(r.estops, reason)
}

func (r *recorder) commandCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) lastEstop() (protocol.EstopReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.estops) == 0 {
		return "", false
	}
	return r.estops[len(r.estops)-1], true
}

func startServer(t *testing.T, rec *recorder) (*Server, string, context.CancelFunc) {
	t.Helper()

	// Bind on an ephemeral port first so the test knows the address.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	newFramer := func() *framing.Framer {
		return framing.New(testPSK, "robot_control", zap.NewNop())
	}
	srv := NewServer(addr, newFramer, rec.onCommand, rec.onEstop, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	return srv, addr, cancel
}

func TestControlRoundtrip(t *testing.T) {
	rec := &recorder{}
	srv, addr, cancel := startServer(t, rec)
	defer cancel()

	fwd := NewForwarder(addr, func() *framing.Framer {
		return framing.New(testPSK, "base_control", zap.NewNop())
	}, zap.NewNop())

	ctx, fcancel := context.WithCancel(context.Background())
	defer fcancel()
	go fwd.Run(ctx)

	require.Eventually(t, fwd.Connected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, srv.Connected, 2*time.Second, 10*time.Millisecond)

	require.True(t, fwd.Send(protocol.MsgPing, protocol.CommandData{"ts": 1.0, "seq": 1}))
	require.True(t, fwd.Send(protocol.MsgClampOpen, nil))

	assert.Eventually(t, func() bool { return rec.commandCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, srv.Established())
	assert.Equal(t, uint64(2), srv.LastSeq())
	assert.Less(t, srv.ControlAge(), time.Second)

	sent, failed := fwd.Stats()
	assert.Equal(t, uint64(2), sent)
	assert.Equal(t, uint64(0), failed)
}

func TestControlReplayTriggersEstop(t *testing.T) {
	rec := &recorder{}
	_, addr, cancel := startServer(t, rec)
	defer cancel()

	// Crafted sender: raw socket, hand-built frames.
	sender := framing.New(testPSK, "crafted", zap.NewNop())
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Frames 1-4 discarded, frame 5 sent: accepted (seq 5 > 0).
	var frame5 []byte
	for i := 0; i < 5; i++ {
		frame5, err = sender.CreateFrame([]byte(`{"type":"ping","data":{}}`))
		require.NoError(t, err)
	}
	_, err = conn.Write(frame5)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.commandCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Re-send the exact same bytes: replay, connection closed, E-STOP with
	// reason auth_failure.
	_, err = conn.Write(frame5)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		reason, ok := rec.lastEstop()
		return ok && reason == protocol.ReasonAuthFailure
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.commandCount())

	// Connection is closed by the server.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestControlBadMACTriggersEstop(t *testing.T) {
	rec := &recorder{}
	_, addr, cancel := startServer(t, rec)
	defer cancel()

	wrongKey := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	sender := framing.New(wrongKey, "attacker", zap.NewNop())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := sender.CreateFrame([]byte(`{"type":"clamp_open","data":{}}`))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		reason, ok := rec.lastEstop()
		return ok && reason == protocol.ReasonAuthFailure
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, rec.commandCount())
}

func TestControlDisconnectTriggersEstop(t *testing.T) {
	rec := &recorder{}
	_, addr, cancel := startServer(t, rec)
	defer cancel()

	sender := framing.New(testPSK, "base", zap.NewNop())
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	frame, err := sender.CreateFrame([]byte(`{"type":"ping","data":{}}`))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.commandCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	assert.Eventually(t, func() bool {
		reason, ok := rec.lastEstop()
		return ok && reason == protocol.ReasonDisconnect
	}, 3*time.Second, 10*time.Millisecond)
}

func TestControlReconnectGetsFreshReplayWindow(t *testing.T) {
	rec := &recorder{}
	_, addr, cancel := startServer(t, rec)
	defer cancel()

	for round := 0; round < 2; round++ {
		sender := framing.New(testPSK, "base", zap.NewNop())
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)

		frame, err := sender.CreateFrame([]byte(`{"type":"ping","data":{}}`))
		require.NoError(t, err)
		_, err = conn.Write(frame)
		require.NoError(t, err)

		want := round + 1
		require.Eventually(t, func() bool { return rec.commandCount() == want },
			2*time.Second, 10*time.Millisecond)
		conn.Close()
		time.Sleep(100 * time.Millisecond)
	}

	// Both connections delivered seq 1: the framer was re-initialized.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []uint64{1, 1}, rec.seqs)
}
