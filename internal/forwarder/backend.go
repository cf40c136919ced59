// Package forwarder connects the base node to the external operator
// backend. It translates the backend's legacy event vocabulary into proper
// wire commands and pushes condensed telemetry upstream.
package forwarder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/netutil"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

// event is the backend's envelope.
type event struct {
	Event string               `json:"event"`
	Data  protocol.CommandData `json:"data"`
}

// CommandSink receives translated wire commands.
type CommandSink func(cmdType string, data protocol.CommandData)

// Backend is a websocket client to the operator backend. Legacy events are
// translated on arrival:
//
//	emergency_toggle           -> emergency_stop {engage: true} (always)
//	emergency_status {active}  -> emergency_stop {engage: active}; a clear
//	                              carries the full confirmation string
//	everything else            -> forwarded under its own command type
type Backend struct {
	url       string
	onCommand CommandSink

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// onConnectionChange reports link state to the base coordinator.
	onConnectionChange func(bool)

	backoff *netutil.Backoff
	logger  *zap.Logger
}

// NewBackend builds the backend client for url.
func NewBackend(url string, onCommand CommandSink, onConnectionChange func(bool), logger *zap.Logger) *Backend {
	return &Backend{
		url:                url,
		onCommand:          onCommand,
		onConnectionChange: onConnectionChange,
		backoff:            netutil.DefaultBackoff(),
		logger:             logger,
	}
}

// Run maintains the backend connection until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
		if err != nil {
			delay := b.backoff.NextDelay()
			b.logger.Warn("backend connect failed",
				zap.String("url", b.url),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		b.setConn(conn)
		b.backoff.Reset()
		b.logger.Info("connected to operator backend", zap.String("url", b.url))

		b.readLoop(ctx, conn)
		b.setConn(nil)
	}
}

func (b *Backend) setConn(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != nil && conn == nil {
		b.conn.Close()
	}
	b.conn = conn
	b.connected = conn != nil
	b.mu.Unlock()

	if b.onConnectionChange != nil {
		b.onConnectionChange(conn != nil)
	}
}

func (b *Backend) readLoop(ctx context.Context, conn *websocket.Conn) {
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("backend connection lost", zap.Error(err))
			return
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
			b.logger.Warn("invalid backend event", zap.Error(err))
			continue
		}
		if ev.Data == nil {
			ev.Data = protocol.CommandData{}
		}
		b.translate(ev)
	}
}

// translate maps a legacy backend event to a wire command.
func (b *Backend) translate(ev event) {
	switch ev.Event {
	case "emergency_toggle":
		// Legacy toggle has no direction: always treated as ENGAGE.
		b.onCommand(protocol.MsgEmergencyStop, protocol.CommandData{
			"engage": true,
			"reason": "backend_emergency_toggle",
		})

	case "emergency_status":
		active := ev.Data.Bool("active", true)
		data := protocol.CommandData{"engage": active}
		if active {
			data["reason"] = "backend_emergency_status"
		} else {
			data["confirm_clear"] = protocol.EstopClearConfirm
		}
		b.onCommand(protocol.MsgEmergencyStop, data)

	case protocol.MsgClampClose, protocol.MsgClampOpen,
		protocol.MsgHeightUpdate, protocol.MsgForceUpdate,
		protocol.MsgStartCamera, protocol.MsgInputEvent,
		protocol.MsgRawButtonPress,
		protocol.MsgChainsawCmd, protocol.MsgChainsawMove,
		protocol.MsgClimbCmd, protocol.MsgTraverseCmd, protocol.MsgBrakeCmd:
		b.onCommand(ev.Event, ev.Data)

	default:
		b.logger.Debug("ignoring backend event", zap.String("event", ev.Event))
	}
}

// PushTelemetry sends one condensed telemetry view upstream. Best-effort:
// failures drop the connection and the run loop reconnects.
func (b *Backend) PushTelemetry(view any) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	msg := map[string]any{"event": "robot_telemetry", "data": view}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		b.logger.Warn("telemetry push to backend failed", zap.Error(err))
		conn.Close()
	}
}

// Connected reports whether the backend link is up.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}
