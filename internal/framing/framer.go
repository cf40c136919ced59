// Package framing implements the authenticated wire framing shared by the
// control and telemetry channels.
//
// Frame layout (header is exactly 42 bytes):
//
//	length   uint16 big-endian  payload length, <= 16384
//	sequence uint64 big-endian  strictly monotonic per direction, first frame = 1
//	mac      32 bytes           HMAC-SHA256(psk, length || sequence || payload)
//	payload  length bytes
package framing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// HeaderSize is length(2) + sequence(8) + mac(32).
	HeaderSize = 42

	// MaxFrameSize is the maximum authenticated payload size.
	MaxFrameSize = 16384
)

var (
	// ErrNoKey is returned when no valid PSK is configured.
	ErrNoKey = errors.New("framing: no PSK configured")

	// ErrFrameSize is returned when a payload or declared length exceeds MaxFrameSize.
	ErrFrameSize = errors.New("framing: frame exceeds maximum size")

	// ErrTooShort is returned when a buffer cannot hold a complete frame.
	ErrTooShort = errors.New("framing: frame too short")

	// ErrAuth is returned when HMAC verification fails.
	ErrAuth = errors.New("framing: HMAC verification failed")

	// ErrReplay is returned when a sequence number is not strictly increasing.
	ErrReplay = errors.New("framing: sequence replay detected")
)

// Framer creates and verifies authenticated frames for one channel.
//
// Send and receive sequence counters are independent; each is guarded by its
// own mutex so a Framer may be shared between a reader and a writer goroutine.
// A fresh Framer must be created for every accepted or established connection
// so that replay windows never span connections.
type Framer struct {
	role string
	psk  []byte

	sendMu  sync.Mutex
	sendSeq uint64

	recvMu  sync.Mutex
	recvSeq uint64

	logger *zap.Logger
}

// New builds a Framer from a 64-hex-character pre-shared key. An empty or
// malformed key leaves the framer unauthenticated rather than failing: the
// node still runs, but CreateFrame and ParseFrame return ErrNoKey and the
// robot will refuse to clear E-STOP.
func New(pskHex, role string, logger *zap.Logger) *Framer {
	f := &Framer{role: role, logger: logger}

	if pskHex == "" {
		logger.Error("no PSK configured, node will run unauthenticated",
			zap.String("role", role))
		return f
	}

	psk, err := hex.DecodeString(pskHex)
	if err != nil {
		logger.Error("invalid PSK hex", zap.String("role", role), zap.Error(err))
		return f
	}
	if len(psk) != 32 {
		logger.Error("PSK must be 32 bytes",
			zap.String("role", role), zap.Int("got", len(psk)))
		return f
	}

	f.psk = psk
	logger.Info("PSK loaded", zap.String("role", role))
	return f
}

// IsAuthenticated reports whether a valid PSK is configured.
func (f *Framer) IsAuthenticated() bool {
	return f.psk != nil
}

// CreateFrame wraps payload in an authenticated frame and advances the send
// sequence. The sequence stamped into the frame is the post-increment value,
// so the first frame ever emitted carries sequence 1.
func (f *Framer) CreateFrame(payload []byte) ([]byte, error) {
	if !f.IsAuthenticated() {
		return nil, ErrNoKey
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload %d > %d", ErrFrameSize, len(payload), MaxFrameSize)
	}

	f.sendMu.Lock()
	f.sendSeq++
	seq := f.sendSeq
	f.sendMu.Unlock()

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(payload)))
	binary.BigEndian.PutUint64(frame[2:10], seq)

	mac := hmac.New(sha256.New, f.psk)
	mac.Write(frame[0:10])
	mac.Write(payload)
	copy(frame[10:42], mac.Sum(nil))
	copy(frame[42:], payload)

	return frame, nil
}

// ParseFrame verifies a complete frame and returns its payload and sequence.
// The receive window only advances after the MAC verifies, so tampered or
// replayed frames never consume sequence numbers.
func (f *Framer) ParseFrame(data []byte) ([]byte, uint64, error) {
	if !f.IsAuthenticated() {
		return nil, 0, ErrNoKey
	}
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: %d < %d", ErrTooShort, len(data), HeaderSize)
	}

	length := binary.BigEndian.Uint16(data[0:2])
	seq := binary.BigEndian.Uint64(data[2:10])

	if length > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrFrameSize, length)
	}
	if len(data) < HeaderSize+int(length) {
		return nil, 0, fmt.Errorf("%w: got %d, need %d", ErrTooShort, len(data), HeaderSize+int(length))
	}

	payload := data[HeaderSize : HeaderSize+int(length)]

	if err := f.verify(data[0:10], data[10:42], payload, seq); err != nil {
		return nil, 0, err
	}
	if err := f.acceptSeq(seq); err != nil {
		return nil, 0, err
	}
	return payload, seq, nil
}

// ReadFrame reads exactly one frame from conn with two exact reads (header,
// then body) under a single read deadline of timeout covering both. Timeout
// errors propagate to the caller without advancing the receive sequence.
func (f *Framer) ReadFrame(conn net.Conn, timeout time.Duration) ([]byte, uint64, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, 0, err
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, 0, err
	}

	length := binary.BigEndian.Uint16(header[0:2])
	seq := binary.BigEndian.Uint64(header[2:10])

	if length > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrFrameSize, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, 0, err
		}
	}

	if !f.IsAuthenticated() {
		return nil, 0, ErrNoKey
	}
	if err := f.verify(header[0:10], header[10:42], payload, seq); err != nil {
		return nil, 0, err
	}
	if err := f.acceptSeq(seq); err != nil {
		return nil, 0, err
	}
	return payload, seq, nil
}

// verify checks the MAC in constant time.
func (f *Framer) verify(header, gotMAC, payload []byte, seq uint64) error {
	mac := hmac.New(sha256.New, f.psk)
	mac.Write(header)
	mac.Write(payload)
	if !hmac.Equal(gotMAC, mac.Sum(nil)) {
		f.logger.Warn("HMAC verification failed",
			zap.String("role", f.role), zap.Uint64("seq", seq))
		return ErrAuth
	}
	return nil
}

// acceptSeq enforces strictly monotonic sequences.
func (f *Framer) acceptSeq(seq uint64) error {
	f.recvMu.Lock()
	defer f.recvMu.Unlock()
	if seq <= f.recvSeq {
		f.logger.Warn("replay detected",
			zap.String("role", f.role),
			zap.Uint64("seq", seq), zap.Uint64("last", f.recvSeq))
		return fmt.Errorf("%w: seq %d <= last %d", ErrReplay, seq, f.recvSeq)
	}
	f.recvSeq = seq
	return nil
}

// SendSeq returns the last emitted send sequence.
func (f *Framer) SendSeq() uint64 {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	return f.sendSeq
}

// RecvSeq returns the last accepted receive sequence.
func (f *Framer) RecvSeq() uint64 {
	f.recvMu.Lock()
	defer f.recvMu.Unlock()
	return f.recvSeq
}
