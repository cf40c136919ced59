package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/config"
	"github.com/serpent-teleop/bridge/internal/control"
	"github.com/serpent-teleop/bridge/internal/executor"
	"github.com/serpent-teleop/bridge/internal/framing"
	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/protocol"
	"github.com/serpent-teleop/bridge/internal/safety"
	"github.com/serpent-teleop/bridge/internal/telemetry"
	"github.com/serpent-teleop/bridge/internal/video"
)

const statusInterval = 10 * time.Second

// Robot composes the robot node: the control server feeding the command
// executor, the actuator gate under watchdog supervision, the telemetry
// sender, and the video streamer.
type Robot struct {
	cfg    *config.Config
	logger *zap.Logger

	pskValid bool

	gate     *safety.Gate
	exec     *executor.Executor
	server   *control.Server
	watchdog *safety.Watchdog
	sender   *telemetry.Sender
	streamer *video.Streamer
	capture  hardware.VideoCapture
	sensors  hardware.SensorSource
}

// NewRobot wires the robot node from configuration and hardware bindings.
func NewRobot(cfg *config.Config, actuator hardware.Actuator, sensors hardware.SensorSource,
	capture hardware.VideoCapture, logger *zap.Logger) *Robot {

	// One probe framer decides PSK validity for the whole node; each
	// channel creates fresh framers per connection.
	probe := framing.New(cfg.PSKHex, "robot", logger)
	pskValid := probe.IsAuthenticated()
	authenticated := func() bool { return pskValid }

	gate := safety.NewGate(actuator, authenticated, cfg.Robot.AllowLocalClear, logger)

	autocut := executor.CutterParams{
		HighCurrent:         cfg.Autocut.HighCurrentA,
		SafeCurrent:         cfg.Autocut.SafeCurrentA,
		IdleCurrent:         cfg.Autocut.IdleCurrentA,
		AdvanceSpeed:        cfg.Autocut.AdvanceSpeed,
		BackoffSpeed:        cfg.Autocut.BackoffSpeed,
		OnOffSpeed:          720,
		BreakthroughConfirm: time.Duration(cfg.Autocut.BreakthroughConfirmMS) * time.Millisecond,
		LoopInterval:        time.Duration(cfg.Autocut.LoopIntervalMS) * time.Millisecond,
	}
	exec := executor.New(gate, sensors, capture, autocut, logger)

	r := &Robot{
		cfg:      cfg,
		logger:   logger,
		pskValid: pskValid,
		gate:     gate,
		exec:     exec,
		sensors:  sensors,
		capture:  capture,
	}

	r.server = control.NewServer(
		cfg.ControlListenAddr(),
		func() *framing.Framer { return framing.New(cfg.PSKHex, "robot_control", logger) },
		exec.ProcessCommand,
		gate.Engage,
		exec.SetControlConnected,
		logger,
	)

	r.watchdog = safety.NewWatchdog(gate, r.server, cfg.Robot.WatchdogDisabled, logger)

	r.sender = telemetry.NewSender(
		cfg.BaseTelemetryAddr(),
		func() *framing.Framer { return framing.New(cfg.PSKHex, "robot_telemetry", logger) },
		cfg.TelemetryInterval(),
		r.snapshot,
		logger,
	)

	r.streamer = video.NewStreamer(cfg.BaseVideoAddr(), capture, cfg.Robot.CameraFPS, logger)

	return r
}

// Run starts every subsystem and blocks until ctx is cancelled. Shutdown
// engages E-STOP as its final step.
func (r *Robot) Run(ctx context.Context) error {
	r.logger.Info("robot node starting",
		zap.Bool("psk_valid", r.pskValid),
		zap.Bool("sim_mode", r.cfg.SimMode),
		zap.Bool("watchdog_disabled", r.cfg.Robot.WatchdogDisabled))

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			r.logger.Debug("subsystem exited", zap.String("subsystem", name))
		}()
	}

	run("control", func(ctx context.Context) {
		if err := r.server.Run(ctx); err != nil {
			r.logger.Error("control server failed", zap.Error(err))
			r.gate.Engage(protocol.ReasonInternalError, "control server failed to start")
		}
	})
	run("watchdog", r.watchdog.Run)
	run("motor-timeout", r.exec.RunMotorTimeout)
	run("chainsaw-timeout", r.exec.RunChainsawTimeout)
	run("telemetry", r.sender.Run)
	run("video", r.streamer.Run)
	run("status", r.statusLoop)

	<-ctx.Done()
	wg.Wait()

	r.exec.Shutdown()
	r.gate.Engage(protocol.ReasonInternalError, "node shutdown")
	r.logger.Info("robot node stopped")
	return nil
}

// snapshot assembles one telemetry snapshot from all live sources.
func (r *Robot) snapshot() *protocol.Telemetry {
	nowS := float64(time.Now().UnixNano()) / 1e9
	info := r.gate.Info()

	tel := &protocol.Telemetry{
		Timestamp: nowS,
		Height:    r.exec.Height(),
		Force:     r.exec.Force(),
		Estop: protocol.EstopStatus{
			Engaged:   info.Engaged,
			Reason:    string(info.Reason),
			Timestamp: float64(info.Timestamp.UnixNano()) / 1e9,
			AgeS:      info.AgeS,
		},
		ControlAgeMS:       int(r.server.ControlAge().Milliseconds()),
		ControlEstablished: r.server.Established(),
		ControlSeq:         r.server.LastSeq(),
		Pong:               r.exec.PongData(),
	}

	if imu, ok := r.sensors.ReadIMU(); ok {
		tel.IMU = &imu
	}
	if baro, ok := r.sensors.ReadBarometer(); ok {
		tel.Barometer = &baro
	}
	if battery, ok := r.sensors.ReadCurrents()["battery"]; ok {
		tel.Voltage = battery.Voltage
	}
	tel.MotorCurrents = r.gate.ReadMotorCurrents()

	return tel
}

// statusLoop emits a structured status event at a steady cadence.
func (r *Robot) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info := r.gate.Info()
			videoSent, videoDropped := r.streamer.Stats()
			telemetrySends, cacheHits := r.sender.Stats()

			r.logger.Info("status",
				zap.Int64("uptime_s", int64(time.Since(start).Seconds())),
				zap.Bool("control_connected", r.server.Connected()),
				zap.Bool("control_established", r.server.Established()),
				zap.Int64("control_age_ms", r.server.ControlAge().Milliseconds()),
				zap.Uint64("control_seq", r.server.LastSeq()),
				zap.Bool("telemetry_connected", r.sender.Connected()),
				zap.Uint64("telemetry_sends", telemetrySends),
				zap.Uint64("telemetry_cache_hits", cacheHits),
				zap.Bool("video_connected", r.streamer.Connected()),
				zap.Uint64("video_frames_sent", videoSent),
				zap.Uint64("video_frames_dropped", videoDropped),
				zap.Bool("estop_engaged", info.Engaged),
				zap.String("estop_reason", string(info.Reason)),
				zap.Bool("psk_valid", r.pskValid),
			)
		}
	}
}

// Gate exposes the actuator gate (local dashboards, tests).
func (r *Robot) Gate() *safety.Gate {
	return r.gate
}
