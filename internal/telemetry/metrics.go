package telemetry

import (
	"fmt"
	"math"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

// Metric thresholds: values past green are elevated, past yellow are
// critical. Voltage thresholds are floors (below yellow is critical).
var thresholds = struct {
	rttMS        [2]float64
	controlAgeMS [2]float64
	motorCurrent [2]float64
	voltage      [2]float64
	totalCurrent [2]float64
}{
	rttMS:        [2]float64{100, 500},
	controlAgeMS: [2]float64{2000, 4000},
	motorCurrent: [2]float64{6.0, 8.0},
	voltage:      [2]float64{11.5, 10.5},
	totalCurrent: [2]float64{20.0, 30.0},
}

// EulerAngles is an orientation in degrees.
type EulerAngles struct {
	Roll  float64 `json:"roll" msgpack:"roll"`
	Pitch float64 `json:"pitch" msgpack:"pitch"`
	Yaw   float64 `json:"yaw" msgpack:"yaw"`
}

// QuaternionToEuler converts a quaternion to roll/pitch/yaw in degrees using
// the standard ZYX convention. Pitch is clamped to +/-90 degrees at the
// singularity via copysign.
func QuaternionToEuler(qw, qx, qy, qz float64) EulerAngles {
	sinrCosp := 2 * (qw*qx + qy*qz)
	cosrCosp := 1 - 2*(qx*qx+qy*qy)
	roll := math.Atan2(sinrCosp, cosrCosp)

	sinp := 2 * (qw*qy - qz*qx)
	var pitch float64
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}

	sinyCosp := 2 * (qw*qz + qx*qy)
	cosyCosp := 1 - 2*(qy*qy+qz*qz)
	yaw := math.Atan2(sinyCosp, cosyCosp)

	const toDeg = 180 / math.Pi
	return EulerAngles{Roll: roll * toDeg, Pitch: pitch * toDeg, Yaw: yaw * toDeg}
}

// HealthScore reduces a snapshot to a 0-100 score. An engaged E-STOP is
// always 0; otherwise penalties accumulate for latency, stale control, low
// voltage, and current draw.
func HealthScore(tel *protocol.Telemetry) int {
	if tel.Estop.Engaged {
		return 0
	}

	score := 100

	rtt := float64(tel.RTTMS)
	if rtt > thresholds.rttMS[1] {
		score -= 20
	} else if rtt > thresholds.rttMS[0] {
		score -= 10
	}

	age := float64(tel.ControlAgeMS)
	if age > thresholds.controlAgeMS[1] {
		score -= 20
	} else if age > thresholds.controlAgeMS[0] {
		score -= 10
	}

	voltage := tel.Voltage
	if voltage == 0 {
		voltage = 12.0 // absent: assume nominal
	}
	if voltage < thresholds.voltage[1] {
		score -= 30
	} else if voltage < thresholds.voltage[0] {
		score -= 15
	}

	for _, current := range tel.MotorCurrents {
		if current > thresholds.motorCurrent[1] {
			score -= 15
		} else if current > thresholds.motorCurrent[0] {
			score -= 5
		}
	}

	if len(tel.MotorCurrents) > 0 {
		total := tel.TotalCurrent()
		if total > thresholds.totalCurrent[1] {
			score -= 15
		} else if total > thresholds.totalCurrent[0] {
			score -= 5
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

// Alert is one threshold violation with a human-readable message.
type Alert struct {
	Metric   string  `json:"metric" msgpack:"metric"`
	Value    float64 `json:"value" msgpack:"value"`
	Severity string  `json:"severity" msgpack:"severity"` // yellow or red
	Message  string  `json:"message" msgpack:"message"`
}

// CheckThresholds returns the ordered list of threshold violations for a
// snapshot.
func CheckThresholds(tel *protocol.Telemetry) []Alert {
	var alerts []Alert

	rtt := float64(tel.RTTMS)
	if rtt > thresholds.rttMS[1] {
		alerts = append(alerts, Alert{"rtt_ms", rtt, "red", fmt.Sprintf("High RTT: %dms", tel.RTTMS)})
	} else if rtt > thresholds.rttMS[0] {
		alerts = append(alerts, Alert{"rtt_ms", rtt, "yellow", fmt.Sprintf("Elevated RTT: %dms", tel.RTTMS)})
	}

	age := float64(tel.ControlAgeMS)
	if age > thresholds.controlAgeMS[1] {
		alerts = append(alerts, Alert{"control_age_ms", age, "red", fmt.Sprintf("Stale control: %dms", tel.ControlAgeMS)})
	} else if age > thresholds.controlAgeMS[0] {
		alerts = append(alerts, Alert{"control_age_ms", age, "yellow", fmt.Sprintf("Old control: %dms", tel.ControlAgeMS)})
	}

	if tel.Voltage != 0 {
		if tel.Voltage < thresholds.voltage[1] {
			alerts = append(alerts, Alert{"voltage", tel.Voltage, "red", fmt.Sprintf("Low battery: %.1fV", tel.Voltage)})
		} else if tel.Voltage < thresholds.voltage[0] {
			alerts = append(alerts, Alert{"voltage", tel.Voltage, "yellow", fmt.Sprintf("Battery warning: %.1fV", tel.Voltage)})
		}
	}

	for idx, current := range tel.MotorCurrents {
		if current > thresholds.motorCurrent[1] {
			alerts = append(alerts, Alert{fmt.Sprintf("motor_%d_current", idx), current, "red",
				fmt.Sprintf("Motor %d overload: %.1fA", idx, current)})
		} else if current > thresholds.motorCurrent[0] {
			alerts = append(alerts, Alert{fmt.Sprintf("motor_%d_current", idx), current, "yellow",
				fmt.Sprintf("Motor %d high current: %.1fA", idx, current)})
		}
	}

	if len(tel.MotorCurrents) > 0 {
		total := tel.TotalCurrent()
		if total > thresholds.totalCurrent[1] {
			alerts = append(alerts, Alert{"total_current", total, "red",
				fmt.Sprintf("Total current critical: %.1fA", total)})
		} else if total > thresholds.totalCurrent[0] {
			alerts = append(alerts, Alert{"total_current", total, "yellow",
				fmt.Sprintf("Total current elevated: %.1fA", total)})
		}
	}

	if tel.Estop.Engaged {
		alerts = append(alerts, Alert{"estop", 1, "red",
			fmt.Sprintf("E-STOP: %s", tel.Estop.Reason)})
	}

	return alerts
}

// Enriched is a snapshot plus its derived metrics, as broadcast to the
// dashboard.
type Enriched struct {
	*protocol.Telemetry
	Orientation       *EulerAngles `json:"orientation,omitempty" msgpack:"orientation,omitempty"`
	HealthScore       int          `json:"health_score" msgpack:"health_score"`
	Alerts            []Alert      `json:"alerts,omitempty" msgpack:"alerts,omitempty"`
	TotalMotorCurrent float64      `json:"total_motor_current" msgpack:"total_motor_current"`
}

// Enrich computes the derived metrics for one snapshot.
func Enrich(tel *protocol.Telemetry) *Enriched {
	e := &Enriched{
		Telemetry:         tel,
		HealthScore:       HealthScore(tel),
		Alerts:            CheckThresholds(tel),
		TotalMotorCurrent: tel.TotalCurrent(),
	}
	if tel.IMU != nil {
		euler := QuaternionToEuler(tel.IMU.QuatW, tel.IMU.QuatX, tel.IMU.QuatY, tel.IMU.QuatZ)
		e.Orientation = &euler
	}
	return e
}
