// Package hardware defines the driver interfaces the robot node actuates and
// reads through. Real deployments bind these to Motoron/PCA9685/I2C drivers;
// SIM_MODE binds them to the deterministic mocks in hardware/mock.
package hardware

import (
	"errors"
	"fmt"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

// MotorCount is the number of motor channels the actuator exposes.
const MotorCount = 8

// ServoNeutral is the safe servo position commanded on E-STOP engage.
const ServoNeutral = 0.5

// ErrHardware is the single error kind surfaced by driver failures. The
// actuator gate treats any wrapped ErrHardware as grounds for an
// internal_error E-STOP.
var ErrHardware = errors.New("hardware error")

// HardwareErrorf wraps a driver failure as ErrHardware.
func HardwareErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHardware, fmt.Sprintf(format, args...))
}

// Actuator drives motors and the servo. Implementations must be safe for
// calls from multiple goroutines; the gate serializes all writes anyway.
type Actuator interface {
	// SetMotor commands motor id to speed in [-800, 800].
	SetMotor(id int, speed int) error
	// SetServoPosition commands the servo to a position in [0, 1].
	SetServoPosition(pos float64) error
	// SetServoDutyRaw commands a raw PWM duty cycle in [0, 100].
	SetServoDutyRaw(duty float64) error
	// ReadMotorCurrents returns per-motor current draw in amps.
	ReadMotorCurrents() []float64
}

// PowerReading is one named current sensor sample.
type PowerReading struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

// SensorSource reads the robot's environmental sensors. Reads are
// non-blocking against the most recent cached value; background polling is
// the implementor's concern.
type SensorSource interface {
	// ReadIMU returns the latest IMU sample; ok is false before first data.
	ReadIMU() (protocol.IMU, bool)
	// ReadBarometer returns the latest barometer sample.
	ReadBarometer() (protocol.Barometer, bool)
	// ReadCurrents returns named current sensor readings (battery, cs1, cs2).
	ReadCurrents() map[string]PowerReading
}

// VideoStats summarizes the capture pipeline for status events.
type VideoStats struct {
	ActiveCamera  int    `json:"active_camera"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
	CameraErrors  uint64 `json:"camera_errors"`
}

// VideoCapture abstracts the camera pipeline on the robot.
type VideoCapture interface {
	// SetActiveCamera switches the streamed camera.
	SetActiveCamera(id int)
	// Stats returns capture statistics.
	Stats() VideoStats
	// LatestFrame returns the most recent JPEG, if any.
	LatestFrame() ([]byte, bool)
}

// TelemetrySink consumes telemetry snapshots on the base. Implementations
// fan out to the dashboard, storage, and remote forwarders; Push must never
// block the receive path.
type TelemetrySink interface {
	Push(tel *protocol.Telemetry)
}
