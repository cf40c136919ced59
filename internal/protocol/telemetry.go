package protocol

import "encoding/json"

// IMU is one inertial snapshot: orientation quaternion, linear acceleration
// (m/s^2) and angular velocity (rad/s).
type IMU struct {
	QuatW  float64 `json:"quat_w" msgpack:"quat_w"`
	QuatX  float64 `json:"quat_x" msgpack:"quat_x"`
	QuatY  float64 `json:"quat_y" msgpack:"quat_y"`
	QuatZ  float64 `json:"quat_z" msgpack:"quat_z"`
	AccelX float64 `json:"accel_x" msgpack:"accel_x"`
	AccelY float64 `json:"accel_y" msgpack:"accel_y"`
	AccelZ float64 `json:"accel_z" msgpack:"accel_z"`
	GyroX  float64 `json:"gyro_x" msgpack:"gyro_x"`
	GyroY  float64 `json:"gyro_y" msgpack:"gyro_y"`
	GyroZ  float64 `json:"gyro_z" msgpack:"gyro_z"`
}

// Barometer is one pressure snapshot. Pressure in Pa, altitude in meters.
type Barometer struct {
	Pressure    float64 `json:"pressure" msgpack:"pressure"`
	Temperature float64 `json:"temperature" msgpack:"temperature"`
	Altitude    float64 `json:"altitude" msgpack:"altitude"`
}

// EstopStatus mirrors the gate's state into telemetry.
type EstopStatus struct {
	Engaged   bool    `json:"engaged" msgpack:"engaged"`
	Reason    string  `json:"reason" msgpack:"reason"`
	Timestamp float64 `json:"timestamp" msgpack:"timestamp"`
	AgeS      float64 `json:"age_s" msgpack:"age_s"`
}

// Pong echoes the most recent ping so the base can compute RTT.
type Pong struct {
	PingTS  float64 `json:"ping_ts" msgpack:"ping_ts"`
	PingSeq uint64  `json:"ping_seq" msgpack:"ping_seq"`
	RobotTS float64 `json:"robot_ts" msgpack:"robot_ts"`
}

// Telemetry is the snapshot assembled by the robot at every telemetry tick.
// Estop and Timestamp are always present; everything else depends on which
// sensors are live.
type Telemetry struct {
	Timestamp     float64    `json:"timestamp" msgpack:"timestamp"`
	Voltage       float64    `json:"voltage,omitempty" msgpack:"voltage,omitempty"`
	Height        float64    `json:"height,omitempty" msgpack:"height,omitempty"`
	Force         float64    `json:"force,omitempty" msgpack:"force,omitempty"`
	IMU           *IMU       `json:"imu,omitempty" msgpack:"imu,omitempty"`
	Barometer     *Barometer `json:"barometer,omitempty" msgpack:"barometer,omitempty"`
	MotorCurrents []float64  `json:"motor_currents,omitempty" msgpack:"motor_currents,omitempty"`

	Estop EstopStatus `json:"estop" msgpack:"estop"`

	ControlAgeMS       int    `json:"control_age_ms" msgpack:"control_age_ms"`
	ControlEstablished bool   `json:"control_established" msgpack:"control_established"`
	ControlSeq         uint64 `json:"control_seq" msgpack:"control_seq"`

	// RTTMS is zero as sent by the robot; the base fills it in after
	// matching the pong against its outstanding ping.
	RTTMS int   `json:"rtt_ms" msgpack:"rtt_ms"`
	Pong  *Pong `json:"pong,omitempty" msgpack:"pong,omitempty"`

	// ReceivedAt is stamped by the base on arrival.
	ReceivedAt float64 `json:"received_at,omitempty" msgpack:"received_at,omitempty"`
}

// DecodeTelemetry parses a telemetry payload from the wire.
func DecodeTelemetry(payload []byte) (*Telemetry, error) {
	var tel Telemetry
	if err := json.Unmarshal(payload, &tel); err != nil {
		return nil, err
	}
	return &tel, nil
}

// Encode serializes the snapshot for framing.
func (t *Telemetry) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// TotalCurrent sums the per-motor currents.
func (t *Telemetry) TotalCurrent() float64 {
	var sum float64
	for _, c := range t.MotorCurrents {
		sum += c
	}
	return sum
}
