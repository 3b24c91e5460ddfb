package agent

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/tbd54566975/web5-agent-go/internal/config"
	"github.com/tbd54566975/web5-agent-go/internal/didconnect"
	"github.com/tbd54566975/web5-agent-go/internal/relay"
	"github.com/tbd54566975/web5-agent-go/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.DataDir = t.TempDir()
	cfg.Storage.Backend = "memory"
	return cfg
}

func TestNew(t *testing.T) {
	a, err := New(testConfig(t), didconnect.Events{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop()

	if a.Registry() == nil {
		t.Error("expected a registry")
	}
	if a.Socket() != nil {
		t.Error("new agent should have no socket")
	}
	if _, err := a.Identity(); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Identity() error = %v, want store.ErrNotFound", err)
	}
}

func TestEnsureIdentityPersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "bbolt"

	a, err := New(cfg, didconnect.Events{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ci, err := a.EnsureIdentity()
	if err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// A fresh agent over the same data dir restores the same identity.
	b, err := New(cfg, didconnect.Events{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Stop()

	restored, err := b.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if restored.ID != ci.ID {
		t.Errorf("restored DID = %s, want %s", restored.ID, ci.ID)
	}
}

func TestStartStop(t *testing.T) {
	a, err := New(testConfig(t), didconnect.Events{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Start(); err == nil {
		t.Error("second Start() should fail")
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() should be a no-op, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"

	a, err := New(cfg, didconnect.Events{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	addr := a.MetricsAddr()
	if addr == "" {
		t.Fatal("expected a bound metrics address")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestRelayWithoutSocket(t *testing.T) {
	a, err := New(testConfig(t), didconnect.Events{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop()

	if _, err := a.Relay(); !errors.Is(err, relay.ErrNoSocket) {
		t.Errorf("Relay() error = %v, want relay.ErrNoSocket", err)
	}
}
