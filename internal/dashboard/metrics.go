package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the base node's Prometheus instruments, exposed on /metrics.
type Metrics struct {
	TelemetryReceived prometheus.Counter
	TelemetryAuthFail prometheus.Counter
	CommandsSent      prometheus.Counter
	CommandsFailed    prometheus.Counter
	VideoFrames       prometheus.Counter
	VideoOverflows    prometheus.Counter

	RTT         prometheus.Gauge
	HealthScore prometheus.Gauge
	EstopActive prometheus.Gauge
	Clients     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics builds and registers the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		TelemetryReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_telemetry_received_total",
			Help: "Telemetry snapshots accepted from the robot.",
		}),
		TelemetryAuthFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_telemetry_auth_failures_total",
			Help: "Telemetry frames rejected for MAC or replay violations.",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_commands_sent_total",
			Help: "Control commands sent to the robot.",
		}),
		CommandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_commands_failed_total",
			Help: "Control commands that could not be sent.",
		}),
		VideoFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_video_frames_total",
			Help: "Video frames re-framed from the robot's stream.",
		}),
		VideoOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_video_buffer_overflows_total",
			Help: "Video buffer overflow resyncs.",
		}),
		RTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_rtt_ms",
			Help: "Latest control round-trip time in milliseconds.",
		}),
		HealthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_health_score",
			Help: "Derived robot health score (0-100).",
		}),
		EstopActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_estop_engaged",
			Help: "1 while the robot reports E-STOP engaged.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_dashboard_clients",
			Help: "Connected dashboard websocket clients.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.TelemetryReceived, m.TelemetryAuthFail,
		m.CommandsSent, m.CommandsFailed,
		m.VideoFrames, m.VideoOverflows,
		m.RTT, m.HealthScore, m.EstopActive, m.Clients,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
