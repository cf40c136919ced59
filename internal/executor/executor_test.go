package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware/mock"
	"github.com/serpent-teleop/bridge/internal/protocol"
	"github.com/serpent-teleop/bridge/internal/safety"
)

func newExecutorFixture(t *testing.T) (*Executor, *mock.Actuator, *mock.Sensors, *mock.Video) {
	t.Helper()
	act := mock.NewActuator(zap.NewNop())
	gate := safety.NewGate(act, func() bool { return true }, false, zap.NewNop())
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))
	sensors := mock.NewSensors()
	video := mock.NewVideo()

	exec := New(gate, sensors, video, testCutterParams(), zap.NewNop())
	exec.SetControlConnected(true)
	return exec, act, sensors, video
}

func command(t *testing.T, cmdType string, data map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type":      cmdType,
		"data":      data,
		"timestamp": 1234.5,
	})
	require.NoError(t, err)
	return payload
}

func TestProcessCommandClamp(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "clamp_close", nil), 1))
	assert.Equal(t, 0.0, act.ServoPosition())

	require.NoError(t, exec.ProcessCommand(command(t, "clamp_open", nil), 2))
	assert.Equal(t, 1.0, act.ServoPosition())
}

func TestProcessCommandHeightForce(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "height_update", map[string]any{"height": 12.5}), 1))
	require.NoError(t, exec.ProcessCommand(command(t, "force_update", map[string]any{"force": 3.25}), 2))

	assert.Equal(t, 12.5, exec.Height())
	assert.Equal(t, 3.25, exec.Force())
}

func TestProcessCommandStartCamera(t *testing.T) {
	exec, _, _, video := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "start_camera", map[string]any{"camera_id": 2}), 1))
	assert.Equal(t, 2, video.Stats().ActiveCamera)
}

func TestProcessCommandUnknownNoActuation(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "launch_missiles", map[string]any{"target": "moon"}), 1))
	for id := 0; id < 8; id++ {
		assert.Equal(t, 0, act.MotorSpeed(id))
	}
}

func TestProcessCommandDecodeError(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)

	assert.Error(t, exec.ProcessCommand([]byte("not json"), 1))
	assert.Error(t, exec.ProcessCommand([]byte(`{"data":{}}`), 2))
}

func TestEmergencyStopEngage(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)
	require.True(t, exec.gate.SetMotor(0, 500))

	require.NoError(t, exec.ProcessCommand(command(t, "emergency_stop",
		map[string]any{"engage": true, "reason": "operator hit the big red button"}), 1))

	assert.True(t, exec.gate.IsEngaged())
	assert.Equal(t, 0, act.MotorSpeed(0))
}

func TestEmergencyStopDefaultEngages(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)

	// Missing engage field must default to ENGAGE.
	require.NoError(t, exec.ProcessCommand(command(t, "emergency_stop", nil), 1))
	assert.True(t, exec.gate.IsEngaged())
}

func TestEmergencyStopClear(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)
	exec.gate.Engage(protocol.ReasonOperatorCommand, "test")

	// Wrong confirmation: stays engaged.
	require.NoError(t, exec.ProcessCommand(command(t, "emergency_stop",
		map[string]any{"engage": false, "confirm_clear": "clear_estop"}), 1))
	assert.True(t, exec.gate.IsEngaged())

	// Wait out the dedup window, then clear properly.
	time.Sleep(estopDedupWindow + 50*time.Millisecond)
	require.NoError(t, exec.ProcessCommand(command(t, "emergency_stop",
		map[string]any{"engage": false, "confirm_clear": "CLEAR_ESTOP"}), 2))
	assert.False(t, exec.gate.IsEngaged())
}

func TestEmergencyStopDedup(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)
	exec.gate.Engage(protocol.ReasonOperatorCommand, "test")

	// Two identical clears inside the window: second is dropped, so only
	// one clear lands (observable via history length).
	clear := command(t, "emergency_stop",
		map[string]any{"engage": false, "confirm_clear": "CLEAR_ESTOP"})
	require.NoError(t, exec.ProcessCommand(clear, 1))
	require.False(t, exec.gate.IsEngaged())

	exec.gate.Engage(protocol.ReasonOperatorCommand, "again")
	historyBefore := len(exec.gate.History())

	// Duplicate within the window is ignored: gate stays engaged.
	require.NoError(t, exec.ProcessCommand(clear, 2))
	assert.True(t, exec.gate.IsEngaged())
	assert.Equal(t, historyBefore, len(exec.gate.History()))
}

func TestEmergencyStopRapidToggleProcessed(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)

	// Engage, then clear within the window: opposite direction is
	// processed (logged as a rapid toggle, not dropped).
	require.NoError(t, exec.ProcessCommand(command(t, "emergency_stop",
		map[string]any{"engage": true}), 1))
	require.True(t, exec.gate.IsEngaged())

	require.NoError(t, exec.ProcessCommand(command(t, "emergency_stop",
		map[string]any{"engage": false, "confirm_clear": "CLEAR_ESTOP"}), 2))
	assert.False(t, exec.gate.IsEngaged())
}

func TestPingPong(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)

	assert.Nil(t, exec.PongData())

	require.NoError(t, exec.ProcessCommand(command(t, "ping",
		map[string]any{"ts": 1000.25, "seq": 42}), 1))

	pong := exec.PongData()
	require.NotNil(t, pong)
	assert.Equal(t, 1000.25, pong.PingTS)
	assert.Equal(t, uint64(42), pong.PingSeq)
	assert.Greater(t, pong.RobotTS, 0.0)
}

func TestInputEventAxisFeed(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	// Axis 1 drives motor 2 at value * 720.
	require.NoError(t, exec.ProcessCommand(command(t, "input_event",
		map[string]any{"type": "axis", "index": 1, "value": 0.5}), 1))
	assert.Equal(t, 360, act.MotorSpeed(2))

	// Deadzone stops the motor.
	require.NoError(t, exec.ProcessCommand(command(t, "input_event",
		map[string]any{"type": "axis", "index": 1, "value": 0.1}), 2))
	assert.Equal(t, 0, act.MotorSpeed(2))

	// Axis 3 drives motor 3 with direction swapped.
	require.NoError(t, exec.ProcessCommand(command(t, "input_event",
		map[string]any{"type": "axis", "index": 3, "value": 1.0}), 3))
	assert.Equal(t, -720, act.MotorSpeed(3))
}

func TestInputEventClawButtons(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	press := func(index int, value float64, seq uint64) {
		require.NoError(t, exec.ProcessCommand(command(t, "input_event",
			map[string]any{"type": "button", "index": index, "value": value}), seq))
	}

	press(0, 1, 1)
	assert.Equal(t, 760, act.MotorSpeed(0))
	press(0, 0, 2)
	assert.Equal(t, 0, act.MotorSpeed(0))

	press(1, 1, 3)
	assert.Equal(t, -760, act.MotorSpeed(0))
	press(1, 0, 4)
	assert.Equal(t, 0, act.MotorSpeed(0))
}

func TestInputEventBladeButtons(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	press := func(index int, value float64, seq uint64) {
		require.NoError(t, exec.ProcessCommand(command(t, "input_event",
			map[string]any{"type": "button", "index": index, "value": value}), seq))
	}

	// Button 6: chainsaw 1 blade, direction swapped.
	press(6, 1, 1)
	assert.Equal(t, -720, act.MotorSpeed(4))
	press(6, 0, 2)
	assert.Equal(t, 0, act.MotorSpeed(4))

	// Button 7: chainsaw 2 blade.
	press(7, 1, 3)
	assert.Equal(t, 720, act.MotorSpeed(5))
	press(7, 0, 4)
	assert.Equal(t, 0, act.MotorSpeed(5))
}

func TestInputEventDoublePressStartsAutocut(t *testing.T) {
	exec, _, _, _ := newExecutorFixture(t)
	defer exec.Shutdown()

	press := func(value float64, seq uint64) {
		require.NoError(t, exec.ProcessCommand(command(t, "input_event",
			map[string]any{"type": "button", "index": 6, "value": value}), seq))
	}

	press(1, 1)
	press(0, 2)
	press(1, 3) // second press within the window
	assert.True(t, exec.AutocutActive(1))
	assert.False(t, exec.AutocutActive(2))
}

func TestInputEventBrakeButton(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "input_event",
		map[string]any{"type": "button", "index": 11, "value": 1}), 1))
	assert.InDelta(t, 0.0056, act.ServoPosition(), 1e-9)
	assert.Equal(t, 400, act.MotorSpeed(7))

	require.NoError(t, exec.ProcessCommand(command(t, "input_event",
		map[string]any{"type": "button", "index": 11, "value": 0}), 2))
	assert.Equal(t, 0, act.MotorSpeed(7))
	assert.InDelta(t, 0.3333, act.ServoPosition(), 1e-9)
}

func TestChainsawCommand(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "chainsaw_command",
		map[string]any{"chainsaw_id": 1, "action": "on"}), 1))
	assert.Equal(t, -720, act.MotorSpeed(4))

	require.NoError(t, exec.ProcessCommand(command(t, "chainsaw_command",
		map[string]any{"chainsaw_id": 2, "action": "on"}), 2))
	assert.Equal(t, 720, act.MotorSpeed(5))

	require.NoError(t, exec.ProcessCommand(command(t, "chainsaw_command",
		map[string]any{"chainsaw_id": 1, "action": "off"}), 3))
	assert.Equal(t, 0, act.MotorSpeed(4))
}

func TestChainsawMoveDirections(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	move := func(id int, dir string, seq uint64) {
		require.NoError(t, exec.ProcessCommand(command(t, "chainsaw_move",
			map[string]any{"chainsaw_id": id, "direction": dir}), seq))
	}

	move(1, "up", 1)
	assert.Equal(t, 720, act.MotorSpeed(2))
	move(1, "down", 2)
	assert.Equal(t, -720, act.MotorSpeed(2))
	move(1, "stop", 3)
	assert.Equal(t, 0, act.MotorSpeed(2))

	// Chainsaw 2's feed motor is direction swapped.
	move(2, "up", 4)
	assert.Equal(t, -720, act.MotorSpeed(3))
	move(2, "down", 5)
	assert.Equal(t, 720, act.MotorSpeed(3))
}

func TestClimbAndTraverse(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "climb_command",
		map[string]any{"direction": "up"}), 1))
	assert.Equal(t, -400, act.MotorSpeed(7))
	require.NoError(t, exec.ProcessCommand(command(t, "climb_command",
		map[string]any{"direction": "stop"}), 2))
	assert.Equal(t, 0, act.MotorSpeed(7))

	require.NoError(t, exec.ProcessCommand(command(t, "traverse_command",
		map[string]any{"direction": "left"}), 3))
	assert.Equal(t, 400, act.MotorSpeed(6))
	require.NoError(t, exec.ProcessCommand(command(t, "traverse_command",
		map[string]any{"direction": "right"}), 4))
	assert.Equal(t, -400, act.MotorSpeed(6))
	require.NoError(t, exec.ProcessCommand(command(t, "traverse_command",
		map[string]any{"direction": "stop"}), 5))
	assert.Equal(t, 0, act.MotorSpeed(6))
}

func TestBrakeCommand(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "brake_command",
		map[string]any{"action": "engage"}), 1))
	assert.InDelta(t, 0.0056, act.ServoPosition(), 1e-9)
	assert.Equal(t, 400, act.MotorSpeed(7))

	require.NoError(t, exec.ProcessCommand(command(t, "brake_command",
		map[string]any{"action": "release"}), 2))
	assert.Equal(t, 0, act.MotorSpeed(7))
	assert.InDelta(t, 0.3333, act.ServoPosition(), 1e-9)
}

func TestMotorTimeoutStopsClaw(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "input_event",
		map[string]any{"type": "button", "index": 0, "value": 1}), 1))
	require.Equal(t, 760, act.MotorSpeed(0))

	// Also run a hoist command; it must survive the input timeout.
	require.NoError(t, exec.ProcessCommand(command(t, "climb_command",
		map[string]any{"direction": "up"}), 2))
	require.Equal(t, -400, act.MotorSpeed(7))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.RunMotorTimeout(ctx)

	assert.Eventually(t, func() bool {
		return act.MotorSpeed(0) == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Hoist untouched by the claw timeout.
	assert.Equal(t, -400, act.MotorSpeed(7))
}

func TestChainsawTimeoutStopsFeed(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)

	require.NoError(t, exec.ProcessCommand(command(t, "chainsaw_move",
		map[string]any{"chainsaw_id": 1, "direction": "down"}), 1))
	require.Equal(t, -720, act.MotorSpeed(2))

	// Simulate the run timer having started 2s ago.
	exec.chainsawMu.Lock()
	exec.csStart[0] = time.Now().Add(-2 * time.Second)
	exec.chainsawMu.Unlock()

	exec.checkChainsawTimeouts(time.Now())
	assert.Equal(t, 0, act.MotorSpeed(2))

	// Timer reset: immediately ready for reuse.
	exec.chainsawMu.Lock()
	ready := exec.csStart[0].IsZero()
	exec.chainsawMu.Unlock()
	assert.True(t, ready)
}

func TestChainsawTimeoutBypassedDuringAutocut(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)
	defer exec.Shutdown()

	exec.StartAutocut(1)
	require.True(t, exec.AutocutActive(1))

	// Pretend the feed motor has been running beyond the timeout; the
	// monitor must not touch motor 2 while the cutter owns it.
	require.True(t, exec.gate.SetMotor(2, -300))
	exec.chainsawMu.Lock()
	exec.csStart[0] = time.Now().Add(-2 * time.Second)
	exec.chainsawMu.Unlock()

	exec.checkChainsawTimeouts(time.Now())
	assert.Equal(t, -300, act.MotorSpeed(2))
}

func TestEngagedGateBlocksAllActuation(t *testing.T) {
	exec, act, _, _ := newExecutorFixture(t)
	exec.gate.Engage(protocol.ReasonWatchdogTimeout, "stale")

	require.NoError(t, exec.ProcessCommand(command(t, "input_event",
		map[string]any{"type": "button", "index": 0, "value": 1}), 1))
	require.NoError(t, exec.ProcessCommand(command(t, "traverse_command",
		map[string]any{"direction": "left"}), 2))
	require.NoError(t, exec.ProcessCommand(command(t, "clamp_open", nil), 3))

	for id := 0; id < 8; id++ {
		assert.Equal(t, 0, act.MotorSpeed(id))
	}
	assert.Equal(t, 0.5, act.ServoPosition())
}
