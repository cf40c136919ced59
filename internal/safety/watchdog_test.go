package safety

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware/mock"
	"github.com/serpent-teleop/bridge/internal/protocol"
)

type fakeControl struct {
	mu          sync.Mutex
	established bool
	age         time.Duration
}

func (f *fakeControl) Established() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established
}

func (f *fakeControl) ControlAge() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.age
}

func (f *fakeControl) set(established bool, age time.Duration) {
	f.mu.Lock()
	f.established = established
	f.age = age
	f.mu.Unlock()
}

func newWatchdogFixture(t *testing.T) (*Gate, *fakeControl, *Watchdog) {
	t.Helper()
	gate := NewGate(mock.NewActuator(zap.NewNop()), authenticated, false, zap.NewNop())
	control := &fakeControl{}
	wd := NewWatchdog(gate, control, false, zap.NewNop())
	return gate, control, wd
}

func TestWatchdogStartupGrace(t *testing.T) {
	gate, control, wd := newWatchdogFixture(t)
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))

	// Within the grace window nothing fires even with no control.
	control.set(false, 0)
	wd.CheckSafety()
	assert.False(t, gate.IsEngaged())

	// Push boot time past the grace window.
	wd.bootTime = time.Now().Add(-protocol.StartupGrace - time.Second)
	wd.CheckSafety()
	assert.True(t, gate.IsEngaged())
	assert.Equal(t, protocol.ReasonStartupNoControl, gate.Info().Reason)
}

func TestWatchdogControlTimeout(t *testing.T) {
	gate, control, wd := newWatchdogFixture(t)
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))

	control.set(true, time.Second)
	wd.CheckSafety()
	assert.False(t, gate.IsEngaged())

	control.set(true, protocol.WatchdogTimeout+time.Second)
	wd.CheckSafety()
	assert.True(t, gate.IsEngaged())
	assert.Equal(t, protocol.ReasonWatchdogTimeout, gate.Info().Reason)
}

func TestWatchdogNeverClears(t *testing.T) {
	gate, control, wd := newWatchdogFixture(t)

	// Gate engaged from boot; fresh control must not clear it.
	control.set(true, 10*time.Millisecond)
	wd.CheckSafety()
	assert.True(t, gate.IsEngaged())
	assert.Equal(t, protocol.ReasonBootDefault, gate.Info().Reason)
}

func TestWatchdogDisabledSkipsChecks(t *testing.T) {
	gate := NewGate(mock.NewActuator(zap.NewNop()), authenticated, false, zap.NewNop())
	require.True(t, gate.Clear(protocol.EstopClearConfirm, 0, true))
	control := &fakeControl{}
	wd := NewWatchdog(gate, control, true, zap.NewNop())
	wd.bootTime = time.Now().Add(-time.Hour)

	control.set(true, time.Hour)
	wd.CheckSafety()
	assert.False(t, gate.IsEngaged())
}
