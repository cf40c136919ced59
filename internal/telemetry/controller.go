package telemetry

import (
	"math"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

// ControllerView is the condensed, rate-limited snapshot forwarded to the
// operator's handheld controller: a status badge plus the handful of numbers
// that fit on a small display.
type ControllerView struct {
	Status    string  `json:"status"` // OK, WARN, or ESTOP
	Timestamp float64 `json:"timestamp"`

	EstopEngaged bool   `json:"estop_engaged"`
	EstopReason  string `json:"estop_reason,omitempty"`

	Orientation EulerAngles `json:"orientation"`
	AccelMag    float64     `json:"accel_mag"`

	Altitude    float64 `json:"altitude"`
	PressureMB  float64 `json:"pressure_mbar"`
	Temperature float64 `json:"temperature"`

	Voltage float64 `json:"voltage"`

	RTTMS        int `json:"rtt_ms"`
	ControlAgeMS int `json:"control_age_ms"`

	MotorCurrents []float64 `json:"motor_currents,omitempty"`
	MotorsActive  []bool    `json:"motors_active,omitempty"`
	TotalCurrent  float64   `json:"total_motor_current"`

	Height *float64 `json:"height,omitempty"`
	Force  *float64 `json:"force,omitempty"`

	Alerts []string `json:"alerts,omitempty"` // top 3 messages
}

// FormatForController condenses a full snapshot for the controller channel.
func FormatForController(tel *protocol.Telemetry) ControllerView {
	view := ControllerView{
		Timestamp:    tel.Timestamp,
		EstopEngaged: tel.Estop.Engaged,
		EstopReason:  tel.Estop.Reason,
		Voltage:      round1(tel.Voltage),
		RTTMS:        tel.RTTMS,
		ControlAgeMS: tel.ControlAgeMS,
	}

	alerts := CheckThresholds(tel)
	switch {
	case tel.Estop.Engaged:
		view.Status = "ESTOP"
	case hasRed(alerts):
		view.Status = "WARN"
	default:
		view.Status = "OK"
	}
	for i, a := range alerts {
		if i == 3 {
			break
		}
		view.Alerts = append(view.Alerts, a.Message)
	}

	if tel.IMU != nil {
		euler := QuaternionToEuler(tel.IMU.QuatW, tel.IMU.QuatX, tel.IMU.QuatY, tel.IMU.QuatZ)
		view.Orientation = EulerAngles{
			Roll:  round1(euler.Roll),
			Pitch: round1(euler.Pitch),
			Yaw:   round1(euler.Yaw),
		}
		mag := math.Sqrt(tel.IMU.AccelX*tel.IMU.AccelX +
			tel.IMU.AccelY*tel.IMU.AccelY +
			tel.IMU.AccelZ*tel.IMU.AccelZ)
		view.AccelMag = math.Round(mag*100) / 100
	}

	if tel.Barometer != nil {
		view.Altitude = round1(tel.Barometer.Altitude)
		view.PressureMB = round1(tel.Barometer.Pressure / 100) // Pa to mbar
		view.Temperature = round1(tel.Barometer.Temperature)
	}

	if len(tel.MotorCurrents) > 0 {
		view.MotorCurrents = make([]float64, len(tel.MotorCurrents))
		view.MotorsActive = make([]bool, len(tel.MotorCurrents))
		for i, c := range tel.MotorCurrents {
			view.MotorCurrents[i] = round1(c)
			view.MotorsActive[i] = c > 0.5
		}
		view.TotalCurrent = round1(tel.TotalCurrent())
	}

	if tel.Height != 0 {
		h := round1(tel.Height)
		view.Height = &h
	}
	if tel.Force != 0 {
		f := round1(tel.Force)
		view.Force = &f
	}

	return view
}

func hasRed(alerts []Alert) bool {
	for _, a := range alerts {
		if a.Severity == "red" {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
