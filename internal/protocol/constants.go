// Package protocol defines the wire-level message types exchanged between
// the base and robot nodes, the safety constants both sides must agree on,
// and the codec used for dashboard broadcast.
package protocol

import "time"

// Buffer limits. Oversize input is a protocol violation on authenticated
// channels and a resync trigger on the video channel.
const (
	MaxControlBuffer = 65536
	MaxVideoBuffer   = 262144
)

// Safety timing. These are deliberately not configurable.
const (
	WatchdogTimeout   = 5 * time.Second
	StartupGrace      = 30 * time.Second
	EstopClearMaxAge  = 1500 * time.Millisecond
	HeartbeatInterval = time.Second
)

// EstopClearConfirm must match exactly (byte-for-byte) in a clear request.
const EstopClearConfirm = "CLEAR_ESTOP"

// Command types recognized by the robot's command executor.
const (
	MsgEmergencyStop  = "emergency_stop"
	MsgPing           = "ping"
	MsgClampClose     = "clamp_close"
	MsgClampOpen      = "clamp_open"
	MsgHeightUpdate   = "height_update"
	MsgForceUpdate    = "force_update"
	MsgStartCamera    = "start_camera"
	MsgInputEvent     = "input_event"
	MsgRawButtonPress = "raw_button_press"
	MsgChainsawCmd    = "chainsaw_command"
	MsgChainsawMove   = "chainsaw_move"
	MsgClimbCmd       = "climb_command"
	MsgTraverseCmd    = "traverse_command"
	MsgBrakeCmd       = "brake_command"
)

// EstopReason is the audit tag recorded with every E-STOP transition.
type EstopReason string

const (
	ReasonBootDefault      EstopReason = "boot_default"
	ReasonWatchdogTimeout  EstopReason = "watchdog_timeout"
	ReasonDisconnect       EstopReason = "control_disconnect"
	ReasonBufferOverflow   EstopReason = "buffer_overflow"
	ReasonDecodeError      EstopReason = "decode_error"
	ReasonAuthFailure      EstopReason = "auth_failure"
	ReasonStartupNoControl EstopReason = "startup_no_control"
	ReasonOperatorCommand  EstopReason = "operator_command"
	ReasonInternalError    EstopReason = "internal_error"
	ReasonDashboardManual  EstopReason = "dashboard_manual"
)

// Default channel ports.
const (
	DefaultControlPort   = 5001
	DefaultVideoPort     = 5002
	DefaultTelemetryPort = 5003
)
