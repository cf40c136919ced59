package safety

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/hardware/mock"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

func authenticated() bool { return true }

func newTestGate(t *testing.T) (*Gate, *mock.Actuator) {
	t.Helper()
	act := mock.NewActuator(zap.NewNop())
	gate := NewGate(act, authenticated, false, zap.NewNop())
	return gate, act
}

func TestGateLatchedOnBoot(t *testing.T) {
	gate, act := newTestGate(t)

	assert.True(t, gate.IsEngaged())
	info := gate.Info()
	assert.Equal(t, protocol.ReasonBootDefault, info.Reason)

	// Safe values commanded on the boot engage.
	for id := 0; id < hardware.MotorCount; id++ {
		assert.Equal(t, 0, act.MotorSpeed(id))
	}
	assert.Equal(t, hardware.ServoNeutral, act.ServoPosition())

	// No actuation while engaged.
	assert.False(t, gate.SetMotor(0, 500))
	assert.Equal(t, 0, act.MotorSpeed(0))
	assert.False(t, gate.SetServoPosition(0.9))
	assert.Equal(t, hardware.ServoNeutral, act.ServoPosition())
}

func TestGateClearValidation(t *testing.T) {
	gate, _ := newTestGate(t)

	// Wrong confirmation string (case-sensitive).
	assert.False(t, gate.Clear("clear_estop", 500*time.Millisecond, true))
	assert.True(t, gate.IsEngaged())

	// Stale control.
	assert.False(t, gate.Clear(protocol.EstopClearConfirm, 1600*time.Millisecond, true))
	assert.True(t, gate.IsEngaged())

	// Control not connected.
	assert.False(t, gate.Clear(protocol.EstopClearConfirm, 500*time.Millisecond, false))
	assert.True(t, gate.IsEngaged())

	// All conditions met.
	assert.True(t, gate.Clear(protocol.EstopClearConfirm, 500*time.Millisecond, true))
	assert.False(t, gate.IsEngaged())

	// Clearing a cleared gate fails.
	assert.False(t, gate.Clear(protocol.EstopClearConfirm, 500*time.Millisecond, true))
}

func TestGateClearRequiresPSK(t *testing.T) {
	act := mock.NewActuator(zap.NewNop())
	gate := NewGate(act, func() bool { return false }, false, zap.NewNop())

	assert.False(t, gate.Clear(protocol.EstopClearConfirm, 100*time.Millisecond, true))
	assert.True(t, gate.IsEngaged())
}

func TestGateActuationAfterClear(t *testing.T) {
	gate, act := newTestGate(t)
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))

	assert.True(t, gate.SetMotor(2, 720))
	assert.Equal(t, 720, act.MotorSpeed(2))

	// Clamping.
	assert.True(t, gate.SetMotor(3, 2000))
	assert.Equal(t, 800, act.MotorSpeed(3))
	assert.True(t, gate.SetMotor(3, -2000))
	assert.Equal(t, -800, act.MotorSpeed(3))

	assert.True(t, gate.SetServoPosition(1.5))
	assert.Equal(t, 1.0, act.ServoPosition())

	assert.True(t, gate.SetServoDutyRaw(120))
	assert.Equal(t, 100.0, act.ServoDuty())
}

func TestGateReengageStopsMotors(t *testing.T) {
	gate, act := newTestGate(t)
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))
	require.True(t, gate.SetMotor(0, 760))
	require.Equal(t, 760, act.MotorSpeed(0))

	gate.Engage(protocol.ReasonOperatorCommand, "panic button")

	assert.True(t, gate.IsEngaged())
	assert.Equal(t, protocol.ReasonOperatorCommand, gate.Info().Reason)
	for id := 0; id < hardware.MotorCount; id++ {
		assert.Equal(t, 0, act.MotorSpeed(id))
	}
	assert.Equal(t, hardware.ServoNeutral, act.ServoPosition())
}

func TestGateEngageIdempotent(t *testing.T) {
	gate, _ := newTestGate(t)

	before := len(gate.History())
	gate.Engage(protocol.ReasonWatchdogTimeout, "repeat")
	gate.Engage(protocol.ReasonWatchdogTimeout, "repeat")

	// Already engaged: no new transition recorded, boot reason kept.
	assert.Equal(t, before, len(gate.History()))
	assert.Equal(t, protocol.ReasonBootDefault, gate.Info().Reason)
}

func TestGateHardwareErrorEngages(t *testing.T) {
	gate, act := newTestGate(t)
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))

	act.FailWrites = true
	assert.False(t, gate.SetMotor(1, 300))

	assert.True(t, gate.IsEngaged())
	assert.Equal(t, protocol.ReasonInternalError, gate.Info().Reason)
}

func TestGateConcurrentEngageDuringActuation(t *testing.T) {
	gate, act := newTestGate(t)
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Hammer actuation from several goroutines while another engages.
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					gate.SetMotor(0, 400)
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	gate.Engage(protocol.ReasonOperatorCommand, "concurrent")
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	// The engage shutoff was the last write that could land on motor 0:
	// every later SetMotor observed engaged under the same lock.
	assert.True(t, gate.IsEngaged())
	assert.Equal(t, 0, act.MotorSpeed(0))
}

func TestGateHistoryRing(t *testing.T) {
	gate, _ := newTestGate(t)

	for i := 0; i < 120; i++ {
		require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))
		gate.Engage(protocol.ReasonOperatorCommand, "cycle")
	}

	history := gate.History()
	assert.Equal(t, historySize, len(history))
	assert.Equal(t, "ENGAGED", history[len(history)-1].Action)
	for _, ev := range history {
		assert.NotEmpty(t, ev.ID)
	}
}

func TestGateLocalClearDeploymentGated(t *testing.T) {
	// Not enabled: refused.
	gate, _ := newTestGate(t)
	assert.False(t, gate.ClearLocal())
	assert.True(t, gate.IsEngaged())

	// Enabled: bypasses freshness checks.
	act := mock.NewActuator(zap.NewNop())
	local := NewGate(act, authenticated, true, zap.NewNop())
	assert.True(t, local.ClearLocal())
	assert.False(t, local.IsEngaged())
	assert.Equal(t, protocol.ReasonDashboardManual, local.History()[len(local.History())-1].Reason)
}
