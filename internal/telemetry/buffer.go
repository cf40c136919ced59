// Package telemetry implements both ends of the telemetry pipeline: the
// robot's 10 Hz sender and the base's receiver, ring buffer, derived
// metrics, storage writers, and condensed controller view.
package telemetry

import (
	"sync"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

// DefaultBufferCapacity holds 60 seconds of history at 10 Hz.
const DefaultBufferCapacity = 600

// Buffer is a fixed-capacity ordered history of telemetry snapshots. The
// oldest entry is evicted on overflow. One writer (the receiver), many
// readers (dashboard, API); a single mutex is plenty at 10 Hz.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	entries  []*protocol.Telemetry
	latest   *protocol.Telemetry
	count    uint64
}

// NewBuffer returns a buffer holding up to capacity snapshots.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{capacity: capacity}
}

// Add appends a snapshot, evicting the oldest when full.
func (b *Buffer) Add(tel *protocol.Telemetry) {
	cp := *tel

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, &cp)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
	b.latest = &cp
	b.count++
}

// Latest returns a copy of the most recent snapshot, or nil.
func (b *Buffer) Latest() *protocol.Telemetry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return nil
	}
	cp := *b.latest
	return &cp
}

// History returns up to the last seconds*10 samples, oldest first. The
// returned slice is a consistent copy.
func (b *Buffer) History(seconds int) []*protocol.Telemetry {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := seconds * 10 // 10 Hz sampling
	if n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]*protocol.Telemetry, 0, n)
	for _, t := range b.entries[len(b.entries)-n:] {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Count returns the total number of samples ever added.
func (b *Buffer) Count() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Clear drops all buffered data.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.latest = nil
	b.count = 0
}

// MetricStats is a min/max/avg triple over the buffered history.
type MetricStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// BufferStats summarizes key metrics over the buffered history.
type BufferStats struct {
	SampleCount  int           `json:"sample_count"`
	TimeSpanS    float64       `json:"time_span_s"`
	Voltage      *MetricStats  `json:"voltage,omitempty"`
	RTTMS        *MetricStats  `json:"rtt_ms,omitempty"`
	TotalCurrent *MetricStats  `json:"total_motor_current,omitempty"`
	PerMotor     []MetricStats `json:"motor_currents,omitempty"`
	Altitude     *MetricStats  `json:"altitude,omitempty"`
	ControlAgeMS *MetricStats  `json:"control_age_ms,omitempty"`
}

// Stats computes min/max/avg statistics over the buffered history.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	history := make([]*protocol.Telemetry, len(b.entries))
	copy(history, b.entries)
	b.mu.Unlock()

	stats := BufferStats{SampleCount: len(history)}
	if len(history) == 0 {
		return stats
	}
	if len(history) >= 2 {
		stats.TimeSpanS = history[len(history)-1].Timestamp - history[0].Timestamp
	}

	var voltages, rtts, totals, altitudes, ages []float64
	motorCount := 0
	for _, t := range history {
		if t.Voltage != 0 {
			voltages = append(voltages, t.Voltage)
		}
		rtts = append(rtts, float64(t.RTTMS))
		ages = append(ages, float64(t.ControlAgeMS))
		if len(t.MotorCurrents) > 0 {
			totals = append(totals, t.TotalCurrent())
			if len(t.MotorCurrents) > motorCount {
				motorCount = len(t.MotorCurrents)
			}
		}
		if t.Barometer != nil {
			altitudes = append(altitudes, t.Barometer.Altitude)
		}
	}

	stats.Voltage = summarize(voltages)
	stats.RTTMS = summarize(rtts)
	stats.TotalCurrent = summarize(totals)
	stats.Altitude = summarize(altitudes)
	stats.ControlAgeMS = summarize(ages)

	for motor := 0; motor < motorCount; motor++ {
		var vals []float64
		for _, t := range history {
			if motor < len(t.MotorCurrents) {
				vals = append(vals, t.MotorCurrents[motor])
			}
		}
		if s := summarize(vals); s != nil {
			stats.PerMotor = append(stats.PerMotor, *s)
		}
	}
	return stats
}

func summarize(vals []float64) *MetricStats {
	if len(vals) == 0 {
		return nil
	}
	s := &MetricStats{Min: vals[0], Max: vals[0]}
	var sum float64
	for _, v := range vals {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Avg = sum / float64(len(vals))
	return s
}
