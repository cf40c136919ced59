// Package control implements the highest-priority channel: the robot runs
// the server and executes authenticated operator commands, the base runs the
// client (forwarder) that delivers them.
package control

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/framing"
	"github.com/serpent-teleop/bridge/internal/netutil"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

const (
	acceptTimeout = 500 * time.Millisecond
	readTimeout   = time.Second
)

// Server accepts the base's control connection and feeds authenticated
// commands to the executor. Any channel-level failure (auth, replay,
// framing, decode, disconnect) closes the client connection and triggers the
// appropriate E-STOP reason; the listener stays open so the base can
// reconnect.
type Server struct {
	addr string

	// newFramer is called on every accept so replay windows never span
	// connections.
	newFramer func() *framing.Framer

	onCommand   func(payload []byte, seq uint64) error
	onEstop     func(reason protocol.EstopReason, detail string)
	onConnected func(bool)

	mu          sync.Mutex
	connected   bool
	established bool
	lastControl time.Time
	lastSeq     uint64

	backoff *netutil.Backoff
	breaker *netutil.CircuitBreaker

	logger *zap.Logger
}

// NewServer builds the control server. onCommand returning an error is
// treated as a decode failure (safety event).
func NewServer(addr string, newFramer func() *framing.Framer,
	onCommand func([]byte, uint64) error,
	onEstop func(protocol.EstopReason, string),
	onConnected func(bool),
	logger *zap.Logger) *Server {
	return &Server{
		addr:        addr,
		newFramer:   newFramer,
		onCommand:   onCommand,
		onEstop:     onEstop,
		onConnected: onConnected,
		lastControl: time.Now(),
		backoff:     netutil.DefaultBackoff(),
		breaker:     netutil.DefaultCircuitBreaker(logger),
		logger:      logger,
	}
}

// Run binds the listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := netutil.Listen(s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	s.logger.Info("control server listening", zap.String("addr", s.addr))

	for ctx.Err() == nil {
		conn, err := netutil.AcceptWithTimeout(ln, acceptTimeout)
		if err != nil {
			s.logger.Error("control accept error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if conn == nil {
			continue // accept timeout, re-check ctx
		}

		s.handleClient(ctx, conn)
	}
	return nil
}

// handleClient serves one base connection until it fails or ctx ends.
func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	netutil.ConfigureConn(conn, netutil.DefaultKeepalive, s.logger)
	framer := s.newFramer()

	s.setConnected(true)
	s.backoff.Reset()
	s.breaker.RecordSuccess()
	s.logger.Info("control connection accepted",
		zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		s.setConnected(false)
	}()

	for ctx.Err() == nil {
		payload, seq, err := framer.ReadFrame(conn, readTimeout)
		if err != nil {
			if netutil.IsTimeout(err) {
				continue // normal: no command this interval
			}
			s.handleReadError(err)
			return
		}

		s.mu.Lock()
		s.lastControl = time.Now()
		s.lastSeq = seq
		if !s.established {
			s.established = true
			s.logger.Info("control established", zap.Uint64("seq", seq))
		}
		s.mu.Unlock()

		if err := s.onCommand(payload, seq); err != nil {
			s.logger.Error("command decode failed", zap.Error(err))
			s.onEstop(protocol.ReasonDecodeError, err.Error())
			s.breaker.RecordFailure()
			return
		}
		s.breaker.RecordSuccess()
	}
}

// handleReadError maps a channel failure to its E-STOP reason and records it
// on the circuit breaker.
func (s *Server) handleReadError(err error) {
	switch {
	case errors.Is(err, framing.ErrAuth):
		s.logger.Error("control authentication failed", zap.Error(err))
		s.onEstop(protocol.ReasonAuthFailure, err.Error())
	case errors.Is(err, framing.ErrReplay):
		s.logger.Error("control replay detected", zap.Error(err))
		s.onEstop(protocol.ReasonAuthFailure, err.Error())
	case errors.Is(err, framing.ErrFrameSize), errors.Is(err, framing.ErrTooShort):
		s.logger.Error("control framing violation", zap.Error(err))
		s.onEstop(protocol.ReasonDecodeError, err.Error())
	case errors.Is(err, framing.ErrNoKey):
		s.logger.Error("control frame received without PSK", zap.Error(err))
		s.onEstop(protocol.ReasonAuthFailure, err.Error())
	default:
		s.logger.Warn("control connection lost", zap.Error(err))
		s.onEstop(protocol.ReasonDisconnect, err.Error())
	}
	s.breaker.RecordFailure()
}

func (s *Server) setConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()
	if changed && s.onConnected != nil {
		s.onConnected(connected)
	}
}

// Connected reports whether a base client is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Established reports whether any valid command has ever been accepted.
func (s *Server) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// ControlAge is the time since the last valid command.
func (s *Server) ControlAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastControl)
}

// LastSeq is the sequence number of the last accepted command.
func (s *Server) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Health summarizes channel state for status events.
func (s *Server) Health() map[string]any {
	s.mu.Lock()
	connected, established, lastSeq := s.connected, s.established, s.lastSeq
	age := time.Since(s.lastControl)
	s.mu.Unlock()

	return map[string]any{
		"connected":           connected,
		"control_established": established,
		"control_age_s":       age.Seconds(),
		"last_control_seq":    lastSeq,
		"circuit_state":       string(s.breaker.State()),
		"circuit_failures":    s.breaker.Failures(),
	}
}
