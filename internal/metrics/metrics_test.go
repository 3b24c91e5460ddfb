package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	m.PairingAttempts.Inc()
	if got := testutil.ToFloat64(m.PairingAttempts); got != 1 {
		t.Errorf("PairingAttempts = %v, want 1", got)
	}

	m.PairingOutcomes.WithLabelValues("authorized").Inc()
	m.PairingOutcomes.WithLabelValues("denied").Inc()
	m.PairingOutcomes.WithLabelValues("denied").Inc()
	if got := testutil.ToFloat64(m.PairingOutcomes.WithLabelValues("denied")); got != 2 {
		t.Errorf("PairingOutcomes[denied] = %v, want 2", got)
	}

	m.SocketsOpen.Inc()
	m.SocketsOpen.Dec()
	if got := testutil.ToFloat64(m.SocketsOpen); got != 0 {
		t.Errorf("SocketsOpen = %v, want 0", got)
	}
}

func TestDefault_Singleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() returned different instances")
	}
}

func TestSocketErrors_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SocketErrors.WithLabelValues("protocol_violation").Inc()
	m.SocketErrors.WithLabelValues("parse_error").Inc()

	if got := testutil.CollectAndCount(m.SocketErrors); got != 2 {
		t.Errorf("CollectAndCount(SocketErrors) = %d, want 2", got)
	}
}
