package control

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

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = time.Second
)

// Forwarder is the base-side control client: it keeps one authenticated
// connection to the robot open and sends operator commands over it. Sends
// are synchronous and fail fast; retransmission is the operator's loop, not
// the bridge's.
type Forwarder struct {
	addr      string
	newFramer func() *framing.Framer

	mu        sync.Mutex
	conn      net.Conn
	framer    *framing.Framer
	connected bool

	sent   uint64
	failed uint64

	backoff *netutil.Backoff
	breaker *netutil.CircuitBreaker

	// onSent, if set, receives a copy of every successfully sent command
	// (used for the command audit log).
	onSent func(cmd *protocol.Command)

	logger *zap.Logger
}

// NewForwarder builds the control client for the robot at addr.
func NewForwarder(addr string, newFramer func() *framing.Framer, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		addr:      addr,
		newFramer: newFramer,
		backoff:   netutil.DefaultBackoff(),
		breaker:   netutil.DefaultCircuitBreaker(logger),
		logger:    logger,
	}
}

// SetCommandObserver registers a callback invoked after each successful send.
func (f *Forwarder) SetCommandObserver(fn func(cmd *protocol.Command)) {
	f.mu.Lock()
	f.onSent = fn
	f.mu.Unlock()
}

// Run maintains the connection with backoff and circuit breaking until ctx
// is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if f.Connected() {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		if !f.breaker.AllowRequest() {
			time.Sleep(time.Second)
			continue
		}

		if err := f.connect(); err != nil {
			f.breaker.RecordFailure()
			delay := f.backoff.NextDelay()
			f.logger.Warn("control connect failed",
				zap.String("addr", f.addr),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
	f.Close()
}

func (f *Forwarder) connect() error {
	conn, err := net.DialTimeout("tcp", f.addr, dialTimeout)
	if err != nil {
		return err
	}
	netutil.ConfigureConn(conn, netutil.DefaultKeepalive, f.logger)

	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.conn = conn
	f.framer = f.newFramer()
	f.connected = true
	f.mu.Unlock()

	f.backoff.Reset()
	f.breaker.RecordSuccess()
	f.logger.Info("control connected", zap.String("addr", f.addr))
	return nil
}

// Send frames and transmits one command. Returns false when disconnected,
// unauthenticated, or on a write failure (which also drops the connection).
func (f *Forwarder) Send(cmdType string, data protocol.CommandData) bool {
	cmd := &protocol.Command{
		Type:      cmdType,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	if cmd.Data == nil {
		cmd.Data = protocol.CommandData{}
	}

	payload, err := cmd.Encode()
	if err != nil {
		f.logger.Error("command encode failed", zap.Error(err))
		return false
	}

	f.mu.Lock()
	conn, framer := f.conn, f.framer
	onSent := f.onSent
	if !f.connected || conn == nil {
		f.failed++
		f.mu.Unlock()
		f.logger.Warn("not connected, command dropped", zap.String("type", cmdType))
		return false
	}
	f.mu.Unlock()

	frame, err := framer.CreateFrame(payload)
	if err != nil {
		f.logger.Error("cannot frame command", zap.String("type", cmdType), zap.Error(err))
		f.mu.Lock()
		f.failed++
		f.mu.Unlock()
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(frame); err != nil {
		f.logger.Warn("control send failed, dropping connection",
			zap.String("type", cmdType), zap.Error(err))
		f.disconnect()
		f.breaker.RecordFailure()
		return false
	}

	f.mu.Lock()
	f.sent++
	f.mu.Unlock()

	if onSent != nil {
		onSent(cmd)
	}
	return true
}

func (f *Forwarder) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
}

// Close drops the connection.
func (f *Forwarder) Close() {
	f.disconnect()
}

// Connected reports whether the control link is up.
func (f *Forwarder) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Stats returns (sent, failed) command counters.
func (f *Forwarder) Stats() (uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.failed
}
