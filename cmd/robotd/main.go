// robotd is the robot-side bridge node: it executes authenticated operator
// commands under E-STOP supervision and streams telemetry and video back to
// the base.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/serpent-teleop/bridge/internal/bridge"
	"github.com/serpent-teleop/bridge/internal/config"
	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/hardware/mock"
)

func main() {
	// Optional .env for bench setups; environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting robotd",
		zap.Bool("sim_mode", cfg.SimMode),
		zap.Int("control_port", cfg.Network.ControlPort))

	actuator, sensors, capture := bindHardware(cfg, logger)

	robot := bridge.NewRobot(cfg, actuator, sensors, capture, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := robot.Run(ctx); err != nil {
		logger.Error("robot node failed", zap.Error(err))
		os.Exit(1)
	}
}

// bindHardware selects the hardware bindings. Real motor/servo/sensor
// drivers are deployment-specific builds; this binary ships with the
// deterministic in-memory drivers, which SIM_MODE selects explicitly and
// which also serve as the fallback when no hardware stack is linked in.
func bindHardware(cfg *config.Config, logger *zap.Logger) (hardware.Actuator, hardware.SensorSource, hardware.VideoCapture) {
	if !cfg.SimMode {
		logger.Warn("no hardware drivers linked in this build, using simulated hardware",
			zap.Strings("motoron_addresses", cfg.Robot.MotoronAddresses),
			zap.Int("servo_channel", cfg.Robot.ServoChannel))
	}

	video := mock.NewVideo()
	video.SetActiveCamera(cfg.Robot.DefaultCameraID)
	return mock.NewActuator(logger), mock.NewSensors(), video
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zapcore.DebugLevel
	case "warn", "WARN":
		zapLevel = zapcore.WarnLevel
	case "error", "ERROR":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
