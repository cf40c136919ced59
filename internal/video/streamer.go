package video

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/netutil"
)

const streamWriteTimeout = 500 * time.Millisecond

// Streamer is the robot side of the video channel: it pulls the latest
// frame from the capture pipeline at the camera frame rate and writes raw
// JPEG bytes to the base. Lowest priority of the three channels - frames
// are dropped whenever the socket pushes back, and nothing here can delay
// control.
type Streamer struct {
	addr    string
	capture hardware.VideoCapture
	fps     int

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	sent      uint64
	dropped   uint64

	backoff *netutil.Backoff

	logger *zap.Logger
}

// NewStreamer builds the video streamer targeting the base at addr.
func NewStreamer(addr string, capture hardware.VideoCapture, fps int, logger *zap.Logger) *Streamer {
	if fps <= 0 {
		fps = 10
	}
	return &Streamer{
		addr:    addr,
		capture: capture,
		fps:     fps,
		backoff: netutil.DefaultBackoff(),
		logger:  logger,
	}
}

// Run streams frames until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	interval := time.Second / time.Duration(s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("video streamer started",
		zap.String("addr", s.addr), zap.Int("fps", s.fps))

	for {
		select {
		case <-ctx.Done():
			s.Close()
			s.logger.Info("video streamer stopped")
			return
		case <-ticker.C:
			if !s.Connected() {
				s.tryConnect(ctx)
				continue
			}
			s.sendFrame()
		}
	}
}

func (s *Streamer) tryConnect(ctx context.Context) {
	conn, err := net.DialTimeout("tcp", s.addr, 3*time.Second)
	if err != nil {
		delay := s.backoff.NextDelay()
		s.logger.Debug("video connect failed",
			zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		return
	}

	netutil.ConfigureConn(conn, videoKeepalive, s.logger)

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.backoff.Reset()
	s.logger.Info("video connected", zap.String("addr", s.addr))
}

func (s *Streamer) sendFrame() {
	frame, ok := s.capture.LatestFrame()
	if !ok {
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if _, err := conn.Write(frame); err != nil {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Debug("video frame dropped, reconnecting", zap.Error(err))
		s.Close()
		return
	}

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

// Close drops the connection.
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

// Connected reports whether the video link is up.
func (s *Streamer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Stats returns (frames_sent, frames_dropped).
func (s *Streamer) Stats() (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped
}
