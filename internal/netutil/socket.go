package netutil

import (
	"context"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// KeepaliveConfig holds OS-level TCP keepalive parameters. With the defaults
// a dead peer is detected after idle + interval*count (~90s); the short
// per-operation read timeouts on each channel detect most failures far
// sooner, keepalive is the backstop for half-open connections.
type KeepaliveConfig struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// DefaultKeepalive is the channel-standard keepalive schedule.
var DefaultKeepalive = KeepaliveConfig{
	Idle:     60 * time.Second,
	Interval: 10 * time.Second,
	Count:    3,
}

// Listen binds a TCP listener with SO_REUSEADDR so a restarting node does not
// wait out TIME_WAIT on its well-known ports.
func Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// ConfigureConn applies the standard socket options to an accepted or dialed
// connection: keepalive probing and TCP_NODELAY (Nagle disabled - control
// frames are small and latency-critical).
func ConfigureConn(conn net.Conn, ka KeepaliveConfig, logger *zap.Logger) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	_ = tcp.SetNoDelay(true)

	if err := tcp.SetKeepAlive(true); err != nil {
		logger.Warn("failed to enable keepalive", zap.Error(err))
		return
	}
	if err := tcp.SetKeepAlivePeriod(ka.Idle); err != nil {
		logger.Warn("failed to set keepalive period", zap.Error(err))
	}

	// Interval and probe count need raw setsockopt; not fatal if the
	// platform rejects them.
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_KEEPINTVL, int(ka.Interval/time.Second)); err != nil {
			logger.Debug("TCP_KEEPINTVL not supported", zap.Error(err))
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_KEEPCNT, ka.Count); err != nil {
			logger.Debug("TCP_KEEPCNT not supported", zap.Error(err))
		}
	})
}

// AcceptWithTimeout accepts one connection or returns after timeout. A nil
// connection with a nil error means the deadline passed (normal, lets the
// caller's run loop interleave supervisor work).
func AcceptWithTimeout(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	tl, ok := ln.(*net.TCPListener)
	if ok {
		if err := tl.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	conn, err := ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// IsTimeout reports whether err is a network timeout (a normal, recoverable
// condition on every channel).
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
