// Package metrics provides Prometheus metrics for the web5 agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "web5_agent"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Pairing metrics
	PairingAttempts prometheus.Counter
	PairingOutcomes *prometheus.CounterVec
	PairingDuration prometheus.Histogram

	// Discovery metrics
	PortsProbed       prometheus.Counter
	DiscoveryDuration prometheus.Histogram
	DiscoveryFailures prometheus.Counter

	// Socket metrics
	SocketsOpen    prometheus.Gauge
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	SocketErrors   *prometheus.CounterVec

	// Relay metrics
	RelayRequests *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Pairing metrics
		PairingAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_attempts_total",
			Help:      "Total number of pairing handshakes started",
		}),
		PairingOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_outcomes_total",
			Help:      "Total pairing handshake outcomes by result",
		}, []string{"outcome"}),
		PairingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pairing_duration_seconds",
			Help:      "Histogram of complete handshake duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		// Discovery metrics
		PortsProbed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_ports_probed_total",
			Help:      "Total number of ports probed during discovery",
		}),
		DiscoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_duration_seconds",
			Help:      "Histogram of discovery scan duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		DiscoveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_failures_total",
			Help:      "Total discovery scans that exhausted the port range",
		}),

		// Socket metrics
		SocketsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_open",
			Help:      "Number of currently open sockets",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames written to sockets",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames read from sockets",
		}),
		SocketErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_errors_total",
			Help:      "Total socket errors by type",
		}, []string{"error_type"}),

		// Relay metrics
		RelayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total DWN relay requests by status",
		}, []string{"status"}),
	}

	return m
}
