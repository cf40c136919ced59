// Package config loads node configuration from environment variables with
// sensible defaults. Safety-critical timing constants deliberately live in
// the protocol package and cannot be overridden here.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

// Config is the full configuration shared by both binaries; each node reads
// the sections relevant to its role.
type Config struct {
	PSKHex   string
	SimMode  bool
	LogLevel string

	Network NetworkConfig
	Robot   RobotConfig
	Base    BaseConfig
	Autocut AutocutConfig
}

// NetworkConfig holds the channel endpoints. The base host is the address
// the robot dials for telemetry and video; the robot host is the address
// the base dials for control.
type NetworkConfig struct {
	BaseHost      string
	RobotHost     string
	ControlPort   int
	VideoPort     int
	TelemetryPort int
}

// RobotConfig holds robot-node settings. The hardware addresses are consumed
// by deployment-specific driver builds; the simulated drivers ignore them.
type RobotConfig struct {
	CameraDevices       []string
	CameraFPS           int
	DefaultCameraID     int
	TelemetryIntervalMS int
	WatchdogDisabled    bool
	AllowLocalClear     bool

	MotoronAddresses []string
	ServoChannel     int
	ServoMinPulseUS  int
	ServoMaxPulseUS  int
}

// BaseConfig holds base-node settings.
type BaseConfig struct {
	DashboardPort        int
	StoragePath          string
	TelemetryRetainDays  int
	CommandRetainDays    int
	RedisURL             string
	RedisEnabled         bool
	BackendURL           string
	BackendEnabled       bool
	TelemetryBufferSize  int
	ControllerIntervalMS int
}

// AutocutConfig tunes the autonomous cutter.
type AutocutConfig struct {
	HighCurrentA          float64
	SafeCurrentA          float64
	IdleCurrentA          float64
	AdvanceSpeed          int
	BackoffSpeed          int
	BreakthroughConfirmMS int
	LoopIntervalMS        int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SIM_MODE", false)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("BASE_HOST", "192.168.100.1")
	v.SetDefault("ROBOT_HOST", "192.168.100.2")
	v.SetDefault("CONTROL_PORT", protocol.DefaultControlPort)
	v.SetDefault("VIDEO_PORT", protocol.DefaultVideoPort)
	v.SetDefault("TELEMETRY_PORT", protocol.DefaultTelemetryPort)

	v.SetDefault("CAMERA_DEVICES", []string{"/dev/video0", "/dev/video2", "/dev/video4"})
	v.SetDefault("CAMERA_FPS", 10)
	v.SetDefault("DEFAULT_CAMERA_ID", 0)
	v.SetDefault("TELEMETRY_INTERVAL_MS", 100)
	v.SetDefault("DISABLE_WATCHDOG_FOR_LOCAL_TESTING", false)
	v.SetDefault("ALLOW_LOCAL_ESTOP_CLEAR", false)
	v.SetDefault("MOTORON_ADDRESSES", []string{"0x10", "0x11", "0x12", "0x13"})
	v.SetDefault("SERVO_CHANNEL", 0)
	v.SetDefault("SERVO_MIN_PULSE_US", 500)
	v.SetDefault("SERVO_MAX_PULSE_US", 2500)

	v.SetDefault("DASHBOARD_PORT", 8080)
	v.SetDefault("STORAGE_PATH", "/var/lib/serpent/telemetry")
	v.SetDefault("TELEMETRY_RETENTION_DAYS", 30)
	v.SetDefault("COMMAND_RETENTION_DAYS", 90)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("BACKEND_URL", "ws://localhost:9000/bridge")
	v.SetDefault("BACKEND_ENABLED", false)
	v.SetDefault("TELEMETRY_BUFFER_SIZE", 600)
	v.SetDefault("CONTROLLER_INTERVAL_MS", 1000)

	v.SetDefault("AUTOCUT_HIGH_CURRENT_A", 8.0)
	v.SetDefault("AUTOCUT_SAFE_CURRENT_A", 5.0)
	v.SetDefault("AUTOCUT_IDLE_CURRENT_A", 2.0)
	v.SetDefault("AUTOCUT_ADVANCE_SPEED", 300)
	v.SetDefault("AUTOCUT_BACKOFF_SPEED", 500)
	v.SetDefault("AUTOCUT_BREAKTHROUGH_CONFIRM_MS", 500)
	v.SetDefault("AUTOCUT_LOOP_INTERVAL_MS", 50)

	cfg := &Config{
		PSKHex:   v.GetString("SERPENT_PSK_HEX"),
		SimMode:  v.GetBool("SIM_MODE"),
		LogLevel: v.GetString("LOG_LEVEL"),
		Network: NetworkConfig{
			BaseHost:      v.GetString("BASE_HOST"),
			RobotHost:     v.GetString("ROBOT_HOST"),
			ControlPort:   v.GetInt("CONTROL_PORT"),
			VideoPort:     v.GetInt("VIDEO_PORT"),
			TelemetryPort: v.GetInt("TELEMETRY_PORT"),
		},
		Robot: RobotConfig{
			CameraDevices:       v.GetStringSlice("CAMERA_DEVICES"),
			CameraFPS:           v.GetInt("CAMERA_FPS"),
			DefaultCameraID:     v.GetInt("DEFAULT_CAMERA_ID"),
			TelemetryIntervalMS: v.GetInt("TELEMETRY_INTERVAL_MS"),
			WatchdogDisabled:    v.GetBool("DISABLE_WATCHDOG_FOR_LOCAL_TESTING"),
			AllowLocalClear:     v.GetBool("ALLOW_LOCAL_ESTOP_CLEAR"),
			MotoronAddresses:    v.GetStringSlice("MOTORON_ADDRESSES"),
			ServoChannel:        v.GetInt("SERVO_CHANNEL"),
			ServoMinPulseUS:     v.GetInt("SERVO_MIN_PULSE_US"),
			ServoMaxPulseUS:     v.GetInt("SERVO_MAX_PULSE_US"),
		},
		Base: BaseConfig{
			DashboardPort:        v.GetInt("DASHBOARD_PORT"),
			StoragePath:          v.GetString("STORAGE_PATH"),
			TelemetryRetainDays:  v.GetInt("TELEMETRY_RETENTION_DAYS"),
			CommandRetainDays:    v.GetInt("COMMAND_RETENTION_DAYS"),
			RedisURL:             v.GetString("REDIS_URL"),
			RedisEnabled:         v.GetBool("REDIS_ENABLED"),
			BackendURL:           v.GetString("BACKEND_URL"),
			BackendEnabled:       v.GetBool("BACKEND_ENABLED"),
			TelemetryBufferSize:  v.GetInt("TELEMETRY_BUFFER_SIZE"),
			ControllerIntervalMS: v.GetInt("CONTROLLER_INTERVAL_MS"),
		},
		Autocut: AutocutConfig{
			HighCurrentA:          v.GetFloat64("AUTOCUT_HIGH_CURRENT_A"),
			SafeCurrentA:          v.GetFloat64("AUTOCUT_SAFE_CURRENT_A"),
			IdleCurrentA:          v.GetFloat64("AUTOCUT_IDLE_CURRENT_A"),
			AdvanceSpeed:          v.GetInt("AUTOCUT_ADVANCE_SPEED"),
			BackoffSpeed:          v.GetInt("AUTOCUT_BACKOFF_SPEED"),
			BreakthroughConfirmMS: v.GetInt("AUTOCUT_BREAKTHROUGH_CONFIRM_MS"),
			LoopIntervalMS:        v.GetInt("AUTOCUT_LOOP_INTERVAL_MS"),
		},
	}

	return cfg, nil
}

// ControlListenAddr is where the robot's control server binds.
func (c *Config) ControlListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Network.ControlPort)
}

// TelemetryListenAddr is where the base's telemetry receiver binds.
func (c *Config) TelemetryListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Network.TelemetryPort)
}

// VideoListenAddr is where the base's video receiver binds.
func (c *Config) VideoListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Network.VideoPort)
}

// RobotControlAddr is the robot endpoint the base's control client dials.
func (c *Config) RobotControlAddr() string {
	return fmt.Sprintf("%s:%d", c.Network.RobotHost, c.Network.ControlPort)
}

// BaseTelemetryAddr is the base endpoint the robot's telemetry sender dials.
func (c *Config) BaseTelemetryAddr() string {
	return fmt.Sprintf("%s:%d", c.Network.BaseHost, c.Network.TelemetryPort)
}

// BaseVideoAddr is the base endpoint the robot's video streamer dials.
func (c *Config) BaseVideoAddr() string {
	return fmt.Sprintf("%s:%d", c.Network.BaseHost, c.Network.VideoPort)
}

// DashboardAddr is where the base's HTTP server binds.
func (c *Config) DashboardAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Base.DashboardPort)
}

// TelemetryInterval returns the robot's telemetry tick as a Duration.
func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.Robot.TelemetryIntervalMS) * time.Millisecond
}

// ControllerInterval returns the condensed controller view rate limit.
func (c *Config) ControllerInterval() time.Duration {
	return time.Duration(c.Base.ControllerIntervalMS) * time.Millisecond
}
