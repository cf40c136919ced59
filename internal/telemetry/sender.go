package telemetry

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/framing"
	"github.com/serpent-teleop/bridge/internal/netutil"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

// DefaultInterval is the telemetry tick (10 Hz).
const DefaultInterval = 100 * time.Millisecond

const senderWriteTimeout = time.Second

// Snapshotter assembles one telemetry snapshot. Called at every tick.
type Snapshotter func() *protocol.Telemetry

// Sender is the robot side of the telemetry channel: it connects to the
// base, snapshots state at a fixed rate, and transmits authenticated frames.
// Serialization is cached by snapshot identity so a steady-state producer
// that reuses a snapshot does not re-encode it.
type Sender struct {
	addr      string
	newFramer func() *framing.Framer
	interval  time.Duration
	snapshot  Snapshotter

	mu        sync.Mutex
	conn      net.Conn
	framer    *framing.Framer
	connected bool

	cachedSnapshot *protocol.Telemetry
	cachedPayload  []byte

	sendsTotal uint64
	cacheHits  uint64

	backoff *netutil.Backoff
	breaker *netutil.CircuitBreaker

	logger *zap.Logger
}

// NewSender builds the telemetry sender targeting the base at addr.
func NewSender(addr string, newFramer func() *framing.Framer, interval time.Duration, snapshot Snapshotter, logger *zap.Logger) *Sender {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sender{
		addr:      addr,
		newFramer: newFramer,
		interval:  interval,
		snapshot:  snapshot,
		backoff:   netutil.DefaultBackoff(),
		breaker:   netutil.DefaultCircuitBreaker(logger),
		logger:    logger,
	}
}

// Run ticks at the telemetry interval until ctx is cancelled, reconnecting
// with backoff as needed.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("telemetry sender started",
		zap.String("addr", s.addr),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.Close()
			s.logger.Info("telemetry sender stopped")
			return
		case <-ticker.C:
			if !s.Connected() {
				s.tryConnect(ctx)
				continue
			}
			s.sendOnce()
		}
	}
}

func (s *Sender) tryConnect(ctx context.Context) {
	if !s.breaker.AllowRequest() {
		return
	}

	conn, err := net.DialTimeout("tcp", s.addr, 5*time.Second)
	if err != nil {
		s.breaker.RecordFailure()
		delay := s.backoff.NextDelay()
		s.logger.Warn("telemetry connect failed",
			zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		return
	}

	netutil.ConfigureConn(conn, netutil.DefaultKeepalive, s.logger)

	s.mu.Lock()
	s.conn = conn
	s.framer = s.newFramer()
	s.connected = true
	s.mu.Unlock()

	s.backoff.Reset()
	s.breaker.RecordSuccess()
	s.logger.Info("telemetry connected", zap.String("addr", s.addr))
}

func (s *Sender) sendOnce() {
	tel := s.snapshot()
	if tel == nil {
		return
	}

	s.mu.Lock()
	conn, framer := s.conn, s.framer

	// Cache by identity: a producer handing back the same snapshot pays
	// for serialization once.
	var payload []byte
	if tel == s.cachedSnapshot && s.cachedPayload != nil {
		payload = s.cachedPayload
		s.cacheHits++
	} else {
		var err error
		payload, err = tel.Encode()
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("telemetry encode failed", zap.Error(err))
			return
		}
		s.cachedSnapshot = tel
		s.cachedPayload = payload
	}
	s.mu.Unlock()

	frame, err := framer.CreateFrame(payload)
	if err != nil {
		s.logger.Error("telemetry framing failed", zap.Error(err))
		return
	}

	conn.SetWriteDeadline(time.Now().Add(senderWriteTimeout))
	if _, err := conn.Write(frame); err != nil {
		s.logger.Warn("telemetry send failed, dropping connection", zap.Error(err))
		s.Close()
		s.breaker.RecordFailure()
		return
	}

	s.mu.Lock()
	s.sendsTotal++
	s.mu.Unlock()
	s.breaker.RecordSuccess()
}

// Close drops the connection.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

// Connected reports whether the telemetry link is up.
func (s *Sender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Stats returns (sends_total, cache_hits).
func (s *Sender) Stats() (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendsTotal, s.cacheHits
}
