// Package safety implements the robot's E-STOP discipline: the actuator
// gate (latched stop state plus atomic check-and-actuate) and the watchdog
// that converts timing violations into engages.
package safety

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

const historySize = 100

// Event is one E-STOP transition recorded for audit.
type Event struct {
	ID        string               `json:"id"`
	Action    string               `json:"action"` // ENGAGED or CLEARED
	Reason    protocol.EstopReason `json:"reason"`
	Detail    string               `json:"detail"`
	Timestamp time.Time            `json:"timestamp"`
}

// Info is a consistent snapshot of the gate's state.
type Info struct {
	Engaged   bool
	Reason    protocol.EstopReason
	Timestamp time.Time
	AgeS      float64
}

// Gate owns every actuator handle and gates each write behind a single lock
// that also guards the E-STOP flag. A successful actuation therefore implies
// the stop was observed disengaged under the same lock acquisition that
// issued the hardware write.
//
// The gate latches ENGAGED on construction (reason boot_default) and drives
// all outputs to their safe values before any caller can actuate.
type Gate struct {
	mu sync.Mutex

	actuator hardware.Actuator

	engaged bool
	reason  protocol.EstopReason
	detail  string
	since   time.Time
	history []Event

	// authenticated reports PSK validity; clears are refused without it.
	authenticated func() bool

	// allowLocalClear gates ClearLocal behind deployment configuration.
	allowLocalClear bool

	logger *zap.Logger
}

// NewGate builds the gate around an actuator and immediately latches E-STOP
// with reason boot_default, commanding every motor to zero and the servo to
// neutral.
func NewGate(actuator hardware.Actuator, authenticated func() bool, allowLocalClear bool, logger *zap.Logger) *Gate {
	g := &Gate{
		actuator:        actuator,
		authenticated:   authenticated,
		allowLocalClear: allowLocalClear,
		logger:          logger,
	}

	g.mu.Lock()
	g.engageLocked(protocol.ReasonBootDefault, "latched on boot")
	g.mu.Unlock()

	return g
}

// Engage latches E-STOP. Idempotent: only the false->true edge performs the
// hardware shutoff and records an event; a repeat engage leaves the original
// latch untouched. Safe to call from any goroutine.
func (g *Gate) Engage(reason protocol.EstopReason, detail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.engageLocked(reason, detail)
}

// engageLocked performs the engage transition. Caller holds g.mu.
func (g *Gate) engageLocked(reason protocol.EstopReason, detail string) {
	if g.engaged {
		return
	}
	g.engaged = true
	g.reason = reason
	g.detail = detail
	g.since = time.Now()

	// Drive everything to safe values while still holding the lock. Driver
	// failures here are counted and logged but cannot abort the latch.
	var failed int
	for id := 0; id < hardware.MotorCount; id++ {
		if err := g.actuator.SetMotor(id, 0); err != nil {
			failed++
			g.logger.Error("CRITICAL: failed to stop motor during E-STOP",
				zap.Int("motor", id), zap.Error(err))
		}
	}
	if err := g.actuator.SetServoPosition(hardware.ServoNeutral); err != nil {
		failed++
		g.logger.Error("CRITICAL: failed to neutralize servo during E-STOP", zap.Error(err))
	}

	g.recordLocked("ENGAGED", reason, detail)
	g.logger.Warn("E-STOP ENGAGED",
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
		zap.Int("shutoff_failures", failed))
}

// Clear attempts the validated true->false transition. It succeeds only if
// the confirmation string matches exactly, control is connected and fresh,
// the PSK is valid, and the gate is currently engaged. On failure it returns
// false and leaves state untouched.
func (g *Gate) Clear(confirm string, controlAge time.Duration, controlConnected bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if confirm != protocol.EstopClearConfirm {
		g.logger.Warn("E-STOP clear rejected: invalid confirmation string")
		return false
	}
	if !controlConnected {
		g.logger.Warn("E-STOP clear rejected: control not connected")
		return false
	}
	if controlAge > protocol.EstopClearMaxAge {
		g.logger.Warn("E-STOP clear rejected: control too stale",
			zap.Duration("control_age", controlAge),
			zap.Duration("max", protocol.EstopClearMaxAge))
		return false
	}
	if g.authenticated != nil && !g.authenticated() {
		g.logger.Warn("E-STOP clear rejected: no valid PSK")
		return false
	}
	if !g.engaged {
		g.logger.Warn("E-STOP clear rejected: not engaged")
		return false
	}

	g.engaged = false
	g.recordLocked("CLEARED", protocol.ReasonOperatorCommand, "validated operator clear")
	g.logger.Info("E-STOP CLEARED",
		zap.Duration("control_age", controlAge))
	return true
}

// ClearLocal bypasses the control freshness checks. Intended only for an
// operator dashboard on the same host and refused unless the deployment
// explicitly enabled it.
func (g *Gate) ClearLocal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.allowLocalClear {
		g.logger.Warn("E-STOP local clear rejected: not enabled for this deployment")
		return false
	}
	if !g.engaged {
		return false
	}

	g.engaged = false
	g.recordLocked("CLEARED", protocol.ReasonDashboardManual, "cleared from local dashboard")
	g.logger.Warn("E-STOP cleared via local dashboard override")
	return true
}

// SetMotor commands a motor if the gate is disengaged. Speed is clamped to
// [-800, 800]. A driver failure engages E-STOP with reason internal_error
// inside the same critical section.
func (g *Gate) SetMotor(id, speed int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.engaged {
		return false
	}
	if id < 0 || id >= hardware.MotorCount {
		g.logger.Warn("motor id out of range", zap.Int("motor", id))
		return false
	}

	speed = clampInt(speed, -800, 800)
	if err := g.actuator.SetMotor(id, speed); err != nil {
		g.logger.Error("motor write failed", zap.Int("motor", id), zap.Error(err))
		g.engageLocked(protocol.ReasonInternalError, "motor write failure")
		return false
	}
	return true
}

// SetServoPosition commands the servo if disengaged. Position is clamped to
// [0, 1].
func (g *Gate) SetServoPosition(pos float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.engaged {
		return false
	}

	pos = clampFloat(pos, 0.0, 1.0)
	if err := g.actuator.SetServoPosition(pos); err != nil {
		g.logger.Error("servo write failed", zap.Error(err))
		g.engageLocked(protocol.ReasonInternalError, "servo write failure")
		return false
	}
	return true
}

// SetServoDutyRaw commands a raw duty cycle if disengaged. Duty is clamped
// to [0, 100].
func (g *Gate) SetServoDutyRaw(duty float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.engaged {
		return false
	}

	duty = clampFloat(duty, 0.0, 100.0)
	if err := g.actuator.SetServoDutyRaw(duty); err != nil {
		g.logger.Error("servo duty write failed", zap.Error(err))
		g.engageLocked(protocol.ReasonInternalError, "servo duty write failure")
		return false
	}
	return true
}

// IsEngaged reports the latch state under the gate's lock.
func (g *Gate) IsEngaged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engaged
}

// Info returns a consistent snapshot of the latch state.
func (g *Gate) Info() Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Info{
		Engaged:   g.engaged,
		Reason:    g.reason,
		Timestamp: g.since,
		AgeS:      time.Since(g.since).Seconds(),
	}
}

// History returns a copy of the recorded transition events, oldest first.
func (g *Gate) History() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.history))
	copy(out, g.history)
	return out
}

// ReadMotorCurrents proxies the driver's current sense under the gate lock.
func (g *Gate) ReadMotorCurrents() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.actuator.ReadMotorCurrents()
}

// recordLocked appends an audit event, keeping the last historySize entries.
func (g *Gate) recordLocked(action string, reason protocol.EstopReason, detail string) {
	g.history = append(g.history, Event{
		ID:        uuid.NewString(),
		Action:    action,
		Reason:    reason,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	if len(g.history) > historySize {
		g.history = g.history[len(g.history)-historySize:]
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
