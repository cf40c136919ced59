package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/config"
	"github.com/serpent-teleop/bridge/internal/control"
	"github.com/serpent-teleop/bridge/internal/dashboard"
	"github.com/serpent-teleop/bridge/internal/forwarder"
	"github.com/serpent-teleop/bridge/internal/framing"
	"github.com/serpent-teleop/bridge/internal/protocol"
	"github.com/serpent-teleop/bridge/internal/telemetry"
	"github.com/serpent-teleop/bridge/internal/video"
)

// Base composes the base node: the control forwarder and heartbeat, the
// telemetry receiver with its fan-out (ring buffer, storage, dashboard,
// redis, backend), the video receiver, and the telemetry-freshness
// watchdog.
type Base struct {
	cfg    *config.Config
	logger *zap.Logger

	pskValid bool

	state    *State
	fwd      *control.Forwarder
	receiver *telemetry.Receiver
	buffer   *telemetry.Buffer
	storage  *telemetry.Storage
	cmdAudit *telemetry.Storage
	redis    *telemetry.RedisPublisher
	backend  *forwarder.Backend
	videoRx  *video.Receiver
	hub      *dashboard.Hub
	server   *dashboard.Server
	metrics  *dashboard.Metrics

	// estopSentForTimeout re-arms the base watchdog after telemetry
	// resumes.
	watchdogMu          sync.Mutex
	estopSentForTimeout bool

	startTime time.Time
}

// NewBase wires the base node from configuration.
func NewBase(cfg *config.Config, logger *zap.Logger) (*Base, error) {
	probe := framing.New(cfg.PSKHex, "base", logger)

	b := &Base{
		cfg:       cfg,
		logger:    logger,
		pskValid:  probe.IsAuthenticated(),
		state:     NewState(cfg.Robot.DefaultCameraID, logger),
		buffer:    telemetry.NewBuffer(cfg.Base.TelemetryBufferSize),
		metrics:   dashboard.NewMetrics(),
		startTime: time.Now(),
	}

	var err error
	b.storage, err = telemetry.NewStorage(cfg.Base.StoragePath, "telemetry",
		cfg.Base.TelemetryRetainDays, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry storage: %w", err)
	}
	b.cmdAudit, err = telemetry.NewStorage(cfg.Base.StoragePath, "commands",
		cfg.Base.CommandRetainDays, logger)
	if err != nil {
		return nil, fmt.Errorf("command audit storage: %w", err)
	}

	if cfg.Base.RedisEnabled {
		b.redis, err = telemetry.NewRedisPublisher(cfg.Base.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without stream persistence", zap.Error(err))
			b.redis = nil
		}
	}

	b.fwd = control.NewForwarder(
		cfg.RobotControlAddr(),
		func() *framing.Framer { return framing.New(cfg.PSKHex, "base_control", logger) },
		logger,
	)
	b.fwd.SetCommandObserver(func(cmd *protocol.Command) {
		b.cmdAudit.Enqueue(cmd)
		if b.redis != nil {
			b.redis.PublishCommand(cmd)
		}
	})

	b.receiver = telemetry.NewReceiver(
		cfg.TelemetryListenAddr(),
		func() *framing.Framer { return framing.New(cfg.PSKHex, "base_telemetry", logger) },
		b.onTelemetry,
		logger,
	)

	b.videoRx = video.NewReceiver(cfg.VideoListenAddr(), logger)

	b.hub = dashboard.NewHub(logger)
	b.server = dashboard.NewServer(
		cfg.DashboardAddr(), b.hub, b.buffer, b.videoRx,
		b.metrics, b.status, b.SendCommand, logger,
	)

	if cfg.Base.BackendEnabled {
		b.backend = forwarder.NewBackend(cfg.Base.BackendURL,
			func(cmdType string, data protocol.CommandData) { b.SendCommand(cmdType, data) },
			b.state.SetBackendConnected,
			logger)
	}

	return b, nil
}

// Run starts every subsystem and blocks until ctx is cancelled.
func (b *Base) Run(ctx context.Context) error {
	b.logger.Info("base node starting",
		zap.Bool("psk_valid", b.pskValid),
		zap.String("robot_control", b.cfg.RobotControlAddr()),
		zap.Int("dashboard_port", b.cfg.Base.DashboardPort))

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			b.logger.Debug("subsystem exited", zap.String("subsystem", name))
		}()
	}

	go b.hub.Run()

	run("control", b.fwd.Run)
	run("telemetry", func(ctx context.Context) {
		if err := b.receiver.Run(ctx); err != nil {
			b.logger.Error("telemetry receiver failed", zap.Error(err))
		}
	})
	run("video", func(ctx context.Context) {
		if err := b.videoRx.Run(ctx); err != nil {
			b.logger.Error("video receiver failed", zap.Error(err))
		}
	})
	run("dashboard", func(ctx context.Context) {
		if err := b.server.Run(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("dashboard server failed", zap.Error(err))
		}
	})
	run("storage", b.storage.Run)
	run("cmd-audit", b.cmdAudit.Run)
	if b.redis != nil {
		run("redis", b.redis.Run)
	}
	if b.backend != nil {
		run("backend", b.backend.Run)
	}
	run("heartbeat", b.heartbeatLoop)
	run("watchdog", b.watchdogLoop)
	run("status", b.statusLoop)

	<-ctx.Done()
	wg.Wait()
	b.logger.Info("base node stopped")
	return nil
}

// SendCommand forwards one operator command to the robot, applying the
// E-STOP dedup window and recording metrics.
func (b *Base) SendCommand(cmdType string, data protocol.CommandData) bool {
	if data == nil {
		data = protocol.CommandData{}
	}

	if cmdType == protocol.MsgEmergencyStop {
		if !b.state.ShouldSendEstop(data.Bool("engage", true)) {
			return false
		}
	}
	if cmdType == protocol.MsgStartCamera {
		b.state.SetActiveCamera(data.Int("camera_id", 0))
	}

	if b.fwd.Send(cmdType, data) {
		b.metrics.CommandsSent.Inc()
		return true
	}
	b.metrics.CommandsFailed.Inc()
	return false
}

// onTelemetry is the receive-path fan-out: RTT match, state tracking, ring
// buffer, storage, redis, dashboard broadcast, and the rate-limited
// controller view. Sink failures never propagate back to the receiver.
func (b *Base) onTelemetry(tel *protocol.Telemetry) {
	if tel.Pong != nil {
		b.state.UpdateRTT(tel.Pong.PingSeq, tel.Pong.PingTS)
	}
	tel.RTTMS = b.state.RTT()

	b.state.RecordRobotEstop(tel.Estop.Engaged, tel.Estop.Reason)

	// Telemetry correctness first (buffer + freshness), persistence after.
	b.buffer.Add(tel)
	b.storage.Enqueue(tel)
	if b.redis != nil {
		b.redis.Push(tel)
	}

	enriched := telemetry.Enrich(tel)
	b.server.BroadcastTelemetry(enriched)

	b.metrics.TelemetryReceived.Inc()
	b.metrics.RTT.Set(float64(tel.RTTMS))
	b.metrics.HealthScore.Set(float64(enriched.HealthScore))
	if tel.Estop.Engaged {
		b.metrics.EstopActive.Set(1)
	} else {
		b.metrics.EstopActive.Set(0)
	}

	if b.backend != nil && b.state.ControllerPushDue(b.cfg.ControllerInterval()) {
		b.backend.PushTelemetry(telemetry.FormatForController(tel))
	}
}

// heartbeatLoop sends a ping every heartbeat interval while control is up.
func (b *Base) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(protocol.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.fwd.Connected() {
				continue
			}
			seq, ts := b.state.NextPing()
			b.SendCommand(protocol.MsgPing, protocol.CommandData{"ts": ts, "seq": seq})
		}
	}
}

// watchdogLoop engages the robot's E-STOP over the wire when telemetry goes
// stale, once per timeout episode; fresh telemetry re-arms it.
func (b *Base) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.receiver.LastReceived().IsZero() {
				continue // never saw telemetry: nothing to watch yet
			}

			age := b.receiver.TelemetryAge()
			b.watchdogMu.Lock()
			sent := b.estopSentForTimeout
			b.watchdogMu.Unlock()

			if age > protocol.WatchdogTimeout {
				if !sent {
					b.logger.Error("telemetry timeout, sending E-STOP ENGAGE",
						zap.Duration("age", age))
					b.SendCommand(protocol.MsgEmergencyStop, protocol.CommandData{
						"engage": true,
						"reason": fmt.Sprintf("base_watchdog_telemetry_timeout_%ds", int(age.Seconds())),
					})
					b.watchdogMu.Lock()
					b.estopSentForTimeout = true
					b.watchdogMu.Unlock()
				}
			} else if sent {
				b.watchdogMu.Lock()
				b.estopSentForTimeout = false
				b.watchdogMu.Unlock()
			}
		}
	}
}

// status builds the base's status document (dashboard API and status log).
func (b *Base) status() map[string]any {
	estop, estopReason := b.state.RobotEstop()
	videoFrames, videoOverflows := b.videoRx.Stats()
	received, authFailures, decodeErrors := b.receiver.Stats()
	sent, failed := b.fwd.Stats()

	return map[string]any{
		"uptime_s":             int64(time.Since(b.startTime).Seconds()),
		"psk_valid":            b.pskValid,
		"control_connected":    b.fwd.Connected(),
		"telemetry_connected":  b.receiver.Connected(),
		"video_connected":      b.videoRx.Connected(),
		"backend_connected":    b.state.BackendConnected(),
		"robot_estop":          estop,
		"robot_estop_reason":   estopReason,
		"rtt_ms":               b.state.RTT(),
		"active_camera":        b.state.ActiveCamera(),
		"telemetry_received":   received,
		"telemetry_auth_fail":  authFailures,
		"telemetry_decode_err": decodeErrors,
		"commands_sent":        sent,
		"commands_failed":      failed,
		"video_frames":         videoFrames,
		"video_overflows":      videoOverflows,
		"dashboard_clients":    b.hub.ClientCount(),
		"buffer_samples":       b.buffer.Len(),
	}
}

// statusLoop logs the status document at a steady cadence and keeps the
// video metrics current.
func (b *Base) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var lastVideoFrames, lastOverflows, lastAuthFailures uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames, overflows := b.videoRx.Stats()
			if frames > lastVideoFrames {
				b.metrics.VideoFrames.Add(float64(frames - lastVideoFrames))
			}
			if overflows > lastOverflows {
				b.metrics.VideoOverflows.Add(float64(overflows - lastOverflows))
			}
			_, authFailures, _ := b.receiver.Stats()
			if authFailures > lastAuthFailures {
				b.metrics.TelemetryAuthFail.Add(float64(authFailures - lastAuthFailures))
			}
			lastVideoFrames, lastOverflows, lastAuthFailures = frames, overflows, authFailures

			b.logger.Info("status", zap.Any("status", b.status()))
		}
	}
}
