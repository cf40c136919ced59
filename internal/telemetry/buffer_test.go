package telemetry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

func sample(ts float64) *protocol.Telemetry {
	return &protocol.Telemetry{
		Timestamp: ts,
		Voltage:   12.0,
		Estop:     protocol.EstopStatus{Engaged: false, Reason: "none"},
	}
}

func TestBufferVisibleHistory(t *testing.T) {
	for _, tc := range []struct {
		pushes, capacity, want int
	}{
		{0, 10, 0},
		{5, 10, 5},
		{10, 10, 10},
		{25, 10, 10},
		{700, 600, 600},
	} {
		t.Run(fmt.Sprintf("n%d_c%d", tc.pushes, tc.capacity), func(t *testing.T) {
			buf := NewBuffer(tc.capacity)
			for i := 0; i < tc.pushes; i++ {
				buf.Add(sample(float64(i)))
			}

			assert.Equal(t, tc.want, buf.Len())
			assert.Equal(t, uint64(tc.pushes), buf.Count())

			if tc.pushes > 0 {
				// Last element equals the last push.
				latest := buf.Latest()
				require.NotNil(t, latest)
				assert.Equal(t, float64(tc.pushes-1), latest.Timestamp)

				history := buf.History(3600)
				assert.Equal(t, tc.want, len(history))
				assert.Equal(t, float64(tc.pushes-1), history[len(history)-1].Timestamp)
				// Oldest first.
				assert.Equal(t, float64(tc.pushes-tc.want), history[0].Timestamp)
			}
		})
	}
}

func TestBufferHistoryWindow(t *testing.T) {
	buf := NewBuffer(600)
	for i := 0; i < 300; i++ {
		buf.Add(sample(float64(i)))
	}

	// 10 seconds at 10 Hz = 100 samples.
	history := buf.History(10)
	assert.Equal(t, 100, len(history))
	assert.Equal(t, float64(200), history[0].Timestamp)
}

func TestBufferReadersSeeConsistentCopy(t *testing.T) {
	buf := NewBuffer(10)
	original := sample(1)
	original.MotorCurrents = []float64{1, 2, 3}
	buf.Add(original)

	// Mutating the source after Add must not affect the buffer.
	original.Timestamp = 999

	latest := buf.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, float64(1), latest.Timestamp)

	// Mutating the returned copy must not affect the buffer either.
	latest.Voltage = 0
	assert.Equal(t, 12.0, buf.Latest().Voltage)
}

func TestBufferClear(t *testing.T) {
	buf := NewBuffer(10)
	buf.Add(sample(1))
	buf.Clear()

	assert.Equal(t, 0, buf.Len())
	assert.Nil(t, buf.Latest())
	assert.Empty(t, buf.History(60))
}

func TestBufferStats(t *testing.T) {
	buf := NewBuffer(100)
	for i := 0; i < 10; i++ {
		tel := sample(float64(i))
		tel.Voltage = 11.0 + float64(i)*0.2 // 11.0 .. 12.8
		tel.RTTMS = 10 * (i + 1)
		tel.MotorCurrents = []float64{float64(i), 1.0}
		tel.Barometer = &protocol.Barometer{Altitude: float64(i)}
		buf.Add(tel)
	}

	stats := buf.Stats()
	assert.Equal(t, 10, stats.SampleCount)
	assert.Equal(t, 9.0, stats.TimeSpanS)

	require.NotNil(t, stats.Voltage)
	assert.InDelta(t, 11.0, stats.Voltage.Min, 1e-9)
	assert.InDelta(t, 12.8, stats.Voltage.Max, 1e-9)

	require.NotNil(t, stats.RTTMS)
	assert.Equal(t, 10.0, stats.RTTMS.Min)
	assert.Equal(t, 100.0, stats.RTTMS.Max)
	assert.Equal(t, 55.0, stats.RTTMS.Avg)

	require.NotNil(t, stats.TotalCurrent)
	assert.Equal(t, 1.0, stats.TotalCurrent.Min)  // 0 + 1
	assert.Equal(t, 10.0, stats.TotalCurrent.Max) // 9 + 1

	require.Len(t, stats.PerMotor, 2)
	assert.Equal(t, 0.0, stats.PerMotor[0].Min)
	assert.Equal(t, 9.0, stats.PerMotor[0].Max)
	assert.Equal(t, 1.0, stats.PerMotor[1].Avg)

	require.NotNil(t, stats.Altitude)
	assert.Equal(t, 4.5, stats.Altitude.Avg)
}
