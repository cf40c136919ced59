package telemetry

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

const receiverReadTimeout = 5 * time.Second

// Receiver is the base side of the telemetry channel. It accepts exactly one
// robot connection at a time; further connection attempts wait in the accept
// backlog until the current one breaks. Each valid frame is decoded, stamped
// with its arrival time, and handed to the handler, which fans out to the
// configured sinks.
type Receiver struct {
	addr      string
	newFramer func() *framing.Framer

	// handler runs on the receive goroutine; it must not block.
	handler func(tel *protocol.Telemetry)

	mu           sync.Mutex
	connected    bool
	lastReceived time.Time

	received     uint64
	authFailures uint64
	decodeErrors uint64

	logger *zap.Logger
}

// NewReceiver builds the telemetry receiver listening on addr.
func NewReceiver(addr string, newFramer func() *framing.Framer, handler func(*protocol.Telemetry), logger *zap.Logger) *Receiver {
	return &Receiver{
		addr:      addr,
		newFramer: newFramer,
		handler:   handler,
		logger:    logger,
	}
}

// Run binds the listener and serves until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	ln, err := netutil.Listen(r.addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	r.logger.Info("telemetry receiver listening", zap.String("addr", r.addr))

	for ctx.Err() == nil {
		conn, err := netutil.AcceptWithTimeout(ln, time.Second)
		if err != nil {
			r.logger.Error("telemetry accept error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if conn == nil {
			continue
		}

		r.serve(ctx, conn)
	}
	return nil
}

func (r *Receiver) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	netutil.ConfigureConn(conn, netutil.DefaultKeepalive, r.logger)

	// Fresh framer per connection: the replay window restarts with the
	// robot's new send sequence.
	framer := r.newFramer()

	r.setConnected(true)
	defer r.setConnected(false)

	r.logger.Info("robot telemetry connected",
		zap.String("remote", conn.RemoteAddr().String()))

	for ctx.Err() == nil {
		payload, seq, err := framer.ReadFrame(conn, receiverReadTimeout)
		if err != nil {
			if netutil.IsTimeout(err) {
				continue
			}
			switch {
			case errors.Is(err, framing.ErrAuth), errors.Is(err, framing.ErrReplay):
				r.countAuthFailure()
				r.logger.Error("telemetry auth failure", zap.Error(err))
			case errors.Is(err, framing.ErrFrameSize), errors.Is(err, framing.ErrTooShort):
				r.countDecodeError()
				r.logger.Error("telemetry framing error", zap.Error(err))
			default:
				r.logger.Warn("telemetry connection lost", zap.Error(err))
			}
			return
		}

		tel, err := protocol.DecodeTelemetry(payload)
		if err != nil {
			r.countDecodeError()
			r.logger.Error("telemetry decode error", zap.Uint64("seq", seq), zap.Error(err))
			return
		}

		tel.ReceivedAt = float64(time.Now().UnixNano()) / 1e9

		r.mu.Lock()
		r.lastReceived = time.Now()
		r.received++
		r.mu.Unlock()

		if r.handler != nil {
			r.handler(tel)
		}
	}
}

func (r *Receiver) setConnected(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
}

func (r *Receiver) countAuthFailure() {
	r.mu.Lock()
	r.authFailures++
	r.mu.Unlock()
}

func (r *Receiver) countDecodeError() {
	r.mu.Lock()
	r.decodeErrors++
	r.mu.Unlock()
}

// Connected reports whether a robot is attached.
func (r *Receiver) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// LastReceived returns when the last valid snapshot arrived (zero time if
// never).
func (r *Receiver) LastReceived() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReceived
}

// TelemetryAge is the time since the last valid snapshot, or a very large
// value if none has arrived.
func (r *Receiver) TelemetryAge() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastReceived.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(r.lastReceived)
}

// Stats returns (received, auth_failures, decode_errors).
func (r *Receiver) Stats() (uint64, uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received, r.authFailures, r.decodeErrors
}
