// Package executor routes authenticated control commands to the actuator
// gate, tracks operator input freshness, and owns the autonomous cutters.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/protocol"
	"github.com/serpent-teleop/bridge/internal/safety"
)

// Input mapping and speed constants. Chainsaw motors run at 90% power,
// the claw at 95%.
const (
	chainsawSpeed = 720
	onOffSpeed    = 720
	clawSpeed     = 760
	halfSpeed     = 400

	axisDeadzone = 0.15

	brakeEngagePos  = 0.0056 // 1 degree
	brakeReleasePos = 0.3333 // 60 degrees

	inputTimeout      = 500 * time.Millisecond
	motorTimeoutTick  = 100 * time.Millisecond
	chainsawTimeout   = 1500 * time.Millisecond
	chainsawTick      = 50 * time.Millisecond
	estopDedupWindow  = 500 * time.Millisecond
	doublePressWindow = 400 * time.Millisecond
	pongMaxAge        = 5 * time.Second
)

// Executor decodes control payloads and drives the gate, cameras, and
// ping/pong state. All actuation flows through the safety gate, so an
// engaged E-STOP silently turns every handler into a no-op.
type Executor struct {
	gate    *safety.Gate
	sensors hardware.SensorSource
	video   hardware.VideoCapture

	autocutParams CutterParams

	// Cached operator values echoed back in telemetry.
	stateMu sync.Mutex
	height  float64
	force   float64

	// Control freshness, used for E-STOP clear validation.
	controlMu        sync.Mutex
	lastControlTime  time.Time
	controlConnected bool

	// Last operator input, used by the claw motor timeout.
	inputMu       sync.Mutex
	lastInputTime time.Time

	// Chainsaw feed run timers, shared with the timeout monitor.
	chainsawMu sync.Mutex
	csStart    [2]time.Time // zero = not running; index = chainsaw id - 1

	// Double-press detection for starting autonomous cuts.
	pressMu       sync.Mutex
	lastPressTime [2]time.Time

	// Active autonomous cutters and their bypass flags.
	autocutMu     sync.Mutex
	cutters       [2]*Cutter
	autocutActive [2]bool

	// Ping echo state for RTT measurement.
	pingMu       sync.Mutex
	lastPingTS   float64
	lastPingSeq  uint64
	lastPingRecv time.Time

	// E-STOP command deduplication.
	estopMu         sync.Mutex
	lastEstopTime   time.Time
	lastEstopEngage *bool

	logger *zap.Logger
}

// New builds the executor. video may be nil when the robot runs headless.
func New(gate *safety.Gate, sensors hardware.SensorSource, video hardware.VideoCapture, autocut CutterParams, logger *zap.Logger) *Executor {
	return &Executor{
		gate:            gate,
		sensors:         sensors,
		video:           video,
		autocutParams:   autocut,
		lastControlTime: time.Now(),
		lastInputTime:   time.Now(),
		logger:          logger,
	}
}

// ProcessCommand decodes and routes one authenticated control payload.
// Unknown command types are logged and never actuate. A decode failure is
// returned to the caller, which treats it as a safety event.
func (e *Executor) ProcessCommand(payload []byte, seq uint64) error {
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		return err
	}

	e.UpdateControlTime()
	e.logger.Debug("command", zap.String("type", cmd.Type), zap.Uint64("seq", seq))

	switch cmd.Type {
	case protocol.MsgEmergencyStop:
		e.handleEmergencyStop(cmd.Data)

	case protocol.MsgPing:
		e.handlePing(cmd.Data)

	case protocol.MsgClampClose:
		e.gate.SetServoPosition(0.0)

	case protocol.MsgClampOpen:
		e.gate.SetServoPosition(1.0)

	case protocol.MsgHeightUpdate:
		e.stateMu.Lock()
		e.height = cmd.Data.Float("height", 0)
		e.stateMu.Unlock()

	case protocol.MsgForceUpdate:
		e.stateMu.Lock()
		e.force = cmd.Data.Float("force", 0)
		e.stateMu.Unlock()

	case protocol.MsgStartCamera:
		if e.video != nil {
			e.video.SetActiveCamera(cmd.Data.Int("camera_id", 0))
		}

	case protocol.MsgInputEvent:
		e.handleInputEvent(cmd.Data)

	case protocol.MsgRawButtonPress:
		e.logger.Debug("raw button press", zap.Any("data", map[string]any(cmd.Data)))

	case protocol.MsgChainsawCmd:
		e.handleChainsawCommand(cmd.Data)

	case protocol.MsgChainsawMove:
		e.handleChainsawMove(cmd.Data)

	case protocol.MsgClimbCmd:
		e.handleClimbCommand(cmd.Data)

	case protocol.MsgTraverseCmd:
		e.handleTraverseCommand(cmd.Data)

	case protocol.MsgBrakeCmd:
		e.handleBrakeCommand(cmd.Data)

	default:
		e.logger.Warn("unknown command type, ignored", zap.String("type", cmd.Type))
	}
	return nil
}

// handleEmergencyStop applies SET semantics: engage=true latches, engage=false
// attempts a validated clear. Identical commands inside the dedup window are
// dropped; opposite-direction toggles are processed but flagged.
func (e *Executor) handleEmergencyStop(data protocol.CommandData) {
	engage := data.Bool("engage", true) // default to ENGAGE for safety
	reason := data.String("reason", string(protocol.ReasonOperatorCommand))

	e.estopMu.Lock()
	now := time.Now()
	sinceLast := now.Sub(e.lastEstopTime)
	if e.lastEstopEngage != nil && sinceLast < estopDedupWindow {
		if *e.lastEstopEngage == engage {
			e.estopMu.Unlock()
			e.logger.Debug("E-STOP dedup: duplicate command dropped",
				zap.Bool("engage", engage),
				zap.Duration("age", sinceLast))
			return
		}
		e.logger.Warn("E-STOP rapid toggle",
			zap.Bool("was_engage", *e.lastEstopEngage),
			zap.Bool("now_engage", engage),
			zap.Duration("age", sinceLast))
	}
	e.lastEstopTime = now
	e.lastEstopEngage = &engage
	e.estopMu.Unlock()

	if engage {
		e.logger.Warn("E-STOP ENGAGE command", zap.String("reason", reason))
		e.gate.Engage(protocol.ReasonOperatorCommand, reason)
		return
	}

	confirm := data.String("confirm_clear", "")
	if e.gate.Clear(confirm, e.ControlAge(), e.ControlConnected()) {
		e.logger.Info("E-STOP cleared by operator command")
	} else {
		e.logger.Warn("E-STOP clear rejected")
	}
}

// handlePing records the ping so the next telemetry tick can echo it back.
func (e *Executor) handlePing(data protocol.CommandData) {
	e.pingMu.Lock()
	e.lastPingTS = data.Float("ts", 0)
	e.lastPingSeq = uint64(data.Int("seq", 0))
	e.lastPingRecv = time.Now()
	e.pingMu.Unlock()
}

// handleInputEvent routes gamepad axis and button events.
//
// Axes: 1 -> chainsaw 1 feed (motor 2), 3 -> chainsaw 2 feed (motor 3,
// direction swapped). Buttons: 0/1 -> claw, 6/7 -> chainsaw blades (double
// press starts an autonomous cut), 11 -> brake plus descent.
func (e *Executor) handleInputEvent(data protocol.CommandData) {
	e.inputMu.Lock()
	e.lastInputTime = time.Now()
	e.inputMu.Unlock()

	eventType := data.String("type", "")
	index := data.Int("index", 0)
	value := data.Float("value", 0)

	switch eventType {
	case "axis":
		switch index {
		case 1:
			e.driveFeedAxis(1, value)
		case 3:
			e.driveFeedAxis(2, -value) // direction swapped
		}

	case "button":
		pressed := value > 0
		switch index {
		case 0:
			e.driveClaw(pressed, clawSpeed)
		case 1:
			e.driveClaw(pressed, -clawSpeed)
		case 6:
			e.handleBladeButton(1, pressed, -onOffSpeed) // direction swapped
		case 7:
			e.handleBladeButton(2, pressed, onOffSpeed)
		case 11:
			if pressed {
				e.gate.SetServoPosition(brakeEngagePos)
				e.gate.SetMotor(7, halfSpeed)
			} else {
				e.gate.SetMotor(7, 0)
				e.gate.SetServoPosition(brakeReleasePos)
			}
		}
	}
}

// driveFeedAxis applies the deadzone and drives a chainsaw feed motor,
// arming its run timer. All motor control happens inside the chainsaw lock
// so the timeout monitor cannot race a restart.
func (e *Executor) driveFeedAxis(chainsawID int, value float64) {
	motor := 1 + chainsawID

	if value > -axisDeadzone && value < axisDeadzone {
		e.chainsawMu.Lock()
		e.csStart[chainsawID-1] = time.Time{}
		e.gate.SetMotor(motor, 0)
		e.chainsawMu.Unlock()
		return
	}

	e.chainsawMu.Lock()
	if e.csStart[chainsawID-1].IsZero() {
		e.csStart[chainsawID-1] = time.Now()
	}
	e.gate.SetMotor(motor, int(value*chainsawSpeed))
	e.chainsawMu.Unlock()
}

// driveClaw drives motor 0 while a claw button is held.
func (e *Executor) driveClaw(pressed bool, speed int) {
	if pressed {
		e.gate.SetMotor(0, speed)
	} else {
		e.gate.SetMotor(0, 0)
	}
}

// handleBladeButton runs a chainsaw on/off motor on hold, and starts an
// autonomous cut on a double press inside the detection window. While an
// autocut owns the blade, button events for it are suppressed.
func (e *Executor) handleBladeButton(chainsawID int, pressed bool, speed int) {
	motor := 3 + chainsawID

	e.autocutMu.Lock()
	if c := e.cutters[chainsawID-1]; c != nil && !c.IsRunning() {
		e.cutters[chainsawID-1] = nil
		e.autocutActive[chainsawID-1] = false
	}
	active := e.autocutActive[chainsawID-1]
	e.autocutMu.Unlock()

	if active {
		return
	}

	if pressed {
		e.pressMu.Lock()
		last := e.lastPressTime[chainsawID-1]
		now := time.Now()
		double := !last.IsZero() && now.Sub(last) < doublePressWindow
		if double {
			e.lastPressTime[chainsawID-1] = time.Time{}
		} else {
			e.lastPressTime[chainsawID-1] = now
		}
		e.pressMu.Unlock()

		if double {
			e.logger.Info("double press: starting autonomous cut", zap.Int("chainsaw", chainsawID))
			e.StartAutocut(chainsawID)
			return
		}
		e.gate.SetMotor(motor, speed)
	} else {
		e.gate.SetMotor(motor, 0)
	}
}

// handleChainsawCommand switches a blade on or off. Chainsaw 1's motor is
// direction swapped.
func (e *Executor) handleChainsawCommand(data protocol.CommandData) {
	e.touchInput()

	chainsawID := data.Int("chainsaw_id", 1)
	action := data.String("action", "off")
	motor := 3 + chainsawID

	switch action {
	case "on", "press":
		if chainsawID == 1 {
			e.gate.SetMotor(motor, -onOffSpeed)
		} else {
			e.gate.SetMotor(motor, onOffSpeed)
		}
	default: // off / release
		e.gate.SetMotor(motor, 0)
	}
}

// handleChainsawMove drives a feed motor from a discrete command, using the
// same run timer as axis control.
func (e *Executor) handleChainsawMove(data protocol.CommandData) {
	e.touchInput()

	chainsawID := data.Int("chainsaw_id", 1)
	direction := data.String("direction", "stop")
	motor := 1 + chainsawID

	if direction != "up" && direction != "down" {
		e.chainsawMu.Lock()
		e.csStart[chainsawID-1] = time.Time{}
		e.gate.SetMotor(motor, 0)
		e.chainsawMu.Unlock()
		return
	}

	e.chainsawMu.Lock()
	defer e.chainsawMu.Unlock()

	if e.csStart[chainsawID-1].IsZero() {
		e.csStart[chainsawID-1] = time.Now()
	}

	// Chainsaw 2's feed motor is direction swapped.
	speed := chainsawSpeed
	up := direction == "up"
	if (up && chainsawID == 2) || (!up && chainsawID != 2) {
		speed = -speed
	}
	e.gate.SetMotor(motor, speed)
}

// handleClimbCommand hoists up on motor 7 (reverse at half speed).
func (e *Executor) handleClimbCommand(data protocol.CommandData) {
	e.touchInput()

	if data.String("direction", "stop") == "up" {
		e.gate.SetMotor(7, -halfSpeed)
	} else {
		e.gate.SetMotor(7, 0)
	}
}

// handleTraverseCommand drives motor 6 left/right at half speed.
func (e *Executor) handleTraverseCommand(data protocol.CommandData) {
	e.touchInput()

	switch data.String("direction", "stop") {
	case "left":
		e.gate.SetMotor(6, halfSpeed)
	case "right":
		e.gate.SetMotor(6, -halfSpeed)
	default:
		e.gate.SetMotor(6, 0)
	}
}

// handleBrakeCommand engages or releases the brake servo plus descent motor.
func (e *Executor) handleBrakeCommand(data protocol.CommandData) {
	e.touchInput()

	if data.String("action", "release") == "engage" {
		e.gate.SetServoPosition(brakeEngagePos)
		e.gate.SetMotor(7, halfSpeed)
	} else {
		e.gate.SetMotor(7, 0)
		e.gate.SetServoPosition(brakeReleasePos)
	}
}

func (e *Executor) touchInput() {
	e.inputMu.Lock()
	e.lastInputTime = time.Now()
	e.inputMu.Unlock()
}

// RunMotorTimeout stops the claw motors when no operator input has arrived
// for the input timeout. Chainsaw, traverse, and hoist motors have explicit
// stop commands and are excluded.
func (e *Executor) RunMotorTimeout(ctx context.Context) {
	ticker := time.NewTicker(motorTimeoutTick)
	defer ticker.Stop()

	e.logger.Info("motor timeout monitor started", zap.Duration("timeout", inputTimeout))
	motorsActive := false

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("motor timeout monitor stopped")
			return
		case <-ticker.C:
			e.inputMu.Lock()
			age := time.Since(e.lastInputTime)
			e.inputMu.Unlock()

			if age > inputTimeout {
				if motorsActive {
					e.logger.Info("motor timeout: stopping claw motors",
						zap.Duration("input_age", age))
					for id := 0; id < 2; id++ {
						e.gate.SetMotor(id, 0)
					}
					motorsActive = false
				}
			} else {
				motorsActive = true
			}
		}
	}
}

// RunChainsawTimeout enforces the 1.5s continuous run limit on the feed
// motors. After a timeout the run timer resets so the operator can
// immediately re-engage. Feed motors owned by an active autocut are skipped.
func (e *Executor) RunChainsawTimeout(ctx context.Context) {
	ticker := time.NewTicker(chainsawTick)
	defer ticker.Stop()

	e.logger.Info("chainsaw timeout monitor started", zap.Duration("timeout", chainsawTimeout))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("chainsaw timeout monitor stopped")
			return
		case now := <-ticker.C:
			e.checkChainsawTimeouts(now)
		}
	}
}

func (e *Executor) checkChainsawTimeouts(now time.Time) {
	e.autocutMu.Lock()
	bypass := e.autocutActive
	e.autocutMu.Unlock()

	e.chainsawMu.Lock()
	defer e.chainsawMu.Unlock()

	for i := 0; i < 2; i++ {
		if bypass[i] || e.csStart[i].IsZero() {
			continue
		}
		if elapsed := now.Sub(e.csStart[i]); elapsed > chainsawTimeout {
			motor := 2 + i
			e.logger.Info("chainsaw feed timeout, stopping motor",
				zap.Int("chainsaw", i+1),
				zap.Int("motor", motor),
				zap.Duration("elapsed", elapsed))
			e.gate.SetMotor(motor, 0)
			e.csStart[i] = time.Time{}
		}
	}
}

// StartAutocut creates and starts an autonomous cutter for the chainsaw,
// stopping any previous one, and sets the bypass flag so the feed timeout
// monitor leaves the cutter's motors alone.
func (e *Executor) StartAutocut(chainsawID int) {
	if chainsawID < 1 || chainsawID > 2 {
		e.logger.Warn("invalid chainsaw id for autocut", zap.Int("chainsaw", chainsawID))
		return
	}

	e.autocutMu.Lock()
	defer e.autocutMu.Unlock()

	if c := e.cutters[chainsawID-1]; c != nil {
		c.Stop()
	}

	cutter := NewCutter(chainsawID, e.gate, e.sensors, e.autocutParams, e.onAutocutComplete, e.logger)
	e.cutters[chainsawID-1] = cutter
	e.autocutActive[chainsawID-1] = true

	e.chainsawMu.Lock()
	e.csStart[chainsawID-1] = time.Time{}
	e.chainsawMu.Unlock()

	cutter.Start()
}

// StopAutocut halts the cutter for the chainsaw and clears its bypass flag.
func (e *Executor) StopAutocut(chainsawID int) {
	if chainsawID < 1 || chainsawID > 2 {
		return
	}

	e.autocutMu.Lock()
	defer e.autocutMu.Unlock()

	if c := e.cutters[chainsawID-1]; c != nil {
		c.Stop()
		e.cutters[chainsawID-1] = nil
	}
	e.autocutActive[chainsawID-1] = false

	e.chainsawMu.Lock()
	e.csStart[chainsawID-1] = time.Time{}
	e.chainsawMu.Unlock()
}

// onAutocutComplete relinquishes the motors back to manual control.
func (e *Executor) onAutocutComplete(chainsawID int) {
	e.autocutMu.Lock()
	e.cutters[chainsawID-1] = nil
	e.autocutActive[chainsawID-1] = false
	e.autocutMu.Unlock()
	e.logger.Info("autocut complete, returning to manual control",
		zap.Int("chainsaw", chainsawID))
}

// AutocutActive reports whether an autonomous cut owns the chainsaw.
func (e *Executor) AutocutActive(chainsawID int) bool {
	e.autocutMu.Lock()
	defer e.autocutMu.Unlock()
	if chainsawID < 1 || chainsawID > 2 {
		return false
	}
	return e.autocutActive[chainsawID-1]
}

// PongData returns the echo for the most recent ping if it arrived within
// the pong freshness window.
func (e *Executor) PongData() *protocol.Pong {
	e.pingMu.Lock()
	defer e.pingMu.Unlock()

	if e.lastPingTS == 0 || time.Since(e.lastPingRecv) >= pongMaxAge {
		return nil
	}
	return &protocol.Pong{
		PingTS:  e.lastPingTS,
		PingSeq: e.lastPingSeq,
		RobotTS: float64(time.Now().UnixNano()) / 1e9,
	}
}

// Height returns the cached operator height value.
func (e *Executor) Height() float64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.height
}

// Force returns the cached operator force value.
func (e *Executor) Force() float64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.force
}

// SetControlConnected updates the control channel connectivity flag.
func (e *Executor) SetControlConnected(connected bool) {
	e.controlMu.Lock()
	e.controlConnected = connected
	e.controlMu.Unlock()
}

// ControlConnected reports control channel connectivity.
func (e *Executor) ControlConnected() bool {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	return e.controlConnected
}

// UpdateControlTime marks a fresh valid control command.
func (e *Executor) UpdateControlTime() {
	e.controlMu.Lock()
	e.lastControlTime = time.Now()
	e.controlMu.Unlock()
}

// ControlAge is the time since the last valid control command.
func (e *Executor) ControlAge() time.Duration {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	return time.Since(e.lastControlTime)
}

// Shutdown stops any active autocutters.
func (e *Executor) Shutdown() {
	for id := 1; id <= 2; id++ {
		e.StopAutocut(id)
	}
}
