// Package mock provides deterministic in-memory hardware for SIM_MODE and
// tests: actuators record commanded values, the IMU and barometer emit
// smooth sinusoids, and chainsaw current sensors are injectable.
package mock

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

// Actuator records commanded motor speeds and servo positions. FailWrites
// makes every hardware call return ErrHardware, for exercising the gate's
// internal_error path.
type Actuator struct {
	mu         sync.Mutex
	speeds     [hardware.MotorCount]int
	servoPos   float64
	servoDuty  float64
	FailWrites bool

	logger *zap.Logger
}

// NewActuator returns a mock actuator with all motors stopped and the servo
// at neutral.
func NewActuator(logger *zap.Logger) *Actuator {
	return &Actuator{servoPos: hardware.ServoNeutral, logger: logger}
}

// SetMotor records the commanded speed.
func (a *Actuator) SetMotor(id, speed int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailWrites {
		return hardware.HardwareErrorf("mock motor %d write failure", id)
	}
	if id < 0 || id >= hardware.MotorCount {
		return hardware.HardwareErrorf("motor id %d out of range", id)
	}
	a.speeds[id] = speed
	a.logger.Debug("mock motor", zap.Int("id", id), zap.Int("speed", speed))
	return nil
}

// SetServoPosition records the commanded position.
func (a *Actuator) SetServoPosition(pos float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailWrites {
		return hardware.HardwareErrorf("mock servo write failure")
	}
	a.servoPos = pos
	return nil
}

// SetServoDutyRaw records the commanded duty cycle.
func (a *Actuator) SetServoDutyRaw(duty float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailWrites {
		return hardware.HardwareErrorf("mock servo write failure")
	}
	a.servoDuty = duty
	return nil
}

// ReadMotorCurrents simulates current draw proportional to speed (0.5 A at
// full speed), matching the real controller's current-sense shape.
func (a *Actuator) ReadMotorCurrents() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	currents := make([]float64, hardware.MotorCount)
	for i, s := range a.speeds {
		currents[i] = math.Abs(float64(s)) / 800.0 * 0.5
	}
	return currents
}

// MotorSpeed returns the last commanded speed for a motor.
func (a *Actuator) MotorSpeed(id int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speeds[id]
}

// ServoPosition returns the last commanded servo position.
func (a *Actuator) ServoPosition() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.servoPos
}

// ServoDuty returns the last commanded raw duty cycle.
func (a *Actuator) ServoDuty() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.servoDuty
}

// Sensors emits smooth deterministic IMU/barometer values derived from
// elapsed time, and injectable current readings for the autocutter.
type Sensors struct {
	mu       sync.Mutex
	start    time.Time
	currents map[string]hardware.PowerReading
}

// NewSensors returns a mock sensor source with nominal battery voltage and
// idle chainsaw currents.
func NewSensors() *Sensors {
	return &Sensors{
		start: time.Now(),
		currents: map[string]hardware.PowerReading{
			"battery": {Voltage: 12.6, Current: 0.8, Power: 10.1},
			"cs1":     {Voltage: 12.6, Current: 0.0, Power: 0.0},
			"cs2":     {Voltage: 12.6, Current: 0.0, Power: 0.0},
		},
	}
}

// ReadIMU returns a slowly rotating orientation with gentle oscillation.
func (s *Sensors) ReadIMU() (protocol.IMU, bool) {
	t := time.Since(s.start).Seconds()
	half := 0.1 * math.Sin(t*0.5) // half-angle of a small oscillating yaw
	return protocol.IMU{
		QuatW:  math.Cos(half),
		QuatX:  0,
		QuatY:  0,
		QuatZ:  math.Sin(half),
		AccelX: 0.2 * math.Sin(t*2.0),
		AccelY: 0.2 * math.Cos(t*2.0),
		AccelZ: 9.81,
		GyroX:  0.05 * math.Sin(t),
		GyroY:  0.05 * math.Cos(t),
		GyroZ:  0.1 * math.Cos(t*0.5),
	}, true
}

// ReadBarometer returns sea-level-ish pressure with a slow breathing cycle.
func (s *Sensors) ReadBarometer() (protocol.Barometer, bool) {
	t := time.Since(s.start).Seconds()
	return protocol.Barometer{
		Pressure:    101325 + 40*math.Sin(t*0.2),
		Temperature: 21.5 + 0.5*math.Sin(t*0.05),
		Altitude:    3.0 + 0.3*math.Sin(t*0.2),
	}, true
}

// ReadCurrents returns the injectable named readings.
func (s *Sensors) ReadCurrents() map[string]hardware.PowerReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]hardware.PowerReading, len(s.currents))
	for k, v := range s.currents {
		out[k] = v
	}
	return out
}

// SetCurrent injects a current reading for the named sensor.
func (s *Sensors) SetCurrent(name string, amps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.currents[name]
	r.Current = amps
	r.Power = r.Voltage * amps
	s.currents[name] = r
}

// Video generates minimal synthetic JPEG frames so the full video path
// (capture -> stream -> reframer -> MJPEG server) runs without cameras.
type Video struct {
	mu      sync.Mutex
	camera  int
	counter uint64
	stats   hardware.VideoStats
}

// NewVideo returns a mock capture pipeline.
func NewVideo() *Video {
	return &Video{}
}

// SetActiveCamera switches the simulated camera.
func (v *Video) SetActiveCamera(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.camera = id
	v.stats.ActiveCamera = id
}

// Stats returns capture statistics.
func (v *Video) Stats() hardware.VideoStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// LatestFrame synthesizes a well-formed (SOI...EOI) frame whose body encodes
// the camera id and a frame counter.
func (v *Video) LatestFrame() ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counter++
	v.stats.FramesSent++
	body := fmt.Sprintf("sim-cam%d-frame%08d", v.camera, v.counter)
	frame := make([]byte, 0, len(body)+4)
	frame = append(frame, 0xff, 0xd8)
	frame = append(frame, body...)
	frame = append(frame, 0xff, 0xd9)
	return frame, true
}
