// Package agent wires the web5 client together: configuration, the local
// secure store, the client identity, discovery and the pairing session.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tbd54566975/web5-agent-go/internal/config"
	"github.com/tbd54566975/web5-agent-go/internal/didconnect"
	"github.com/tbd54566975/web5-agent-go/internal/discovery"
	"github.com/tbd54566975/web5-agent-go/internal/identity"
	"github.com/tbd54566975/web5-agent-go/internal/logging"
	"github.com/tbd54566975/web5-agent-go/internal/metrics"
	"github.com/tbd54566975/web5-agent-go/internal/registry"
	"github.com/tbd54566975/web5-agent-go/internal/relay"
	"github.com/tbd54566975/web5-agent-go/internal/socket"
	"github.com/tbd54566975/web5-agent-go/internal/store"
)

// storeFile is the bbolt database name under the data directory.
const storeFile = "agent.db"

// Agent is the composed web5 client.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store    store.Store
	identity *identity.Manager
	registry *registry.Registry
	client   *didconnect.Client

	metricsSrv      *http.Server
	metricsListener net.Listener
	running         atomic.Bool
}

// New builds an agent from configuration. Events receive the pairing
// session's outcomes; zero-value Events are valid.
func New(cfg *config.Config, events didconnect.Events) (*Agent, error) {
	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	m := metrics.Default()

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	idm := identity.NewManager(st, logger)
	reg := registry.New()
	scanner := discovery.NewScanner(logger, m)

	client := didconnect.New(idm, reg, scanner, didconnect.Options{
		Origin: cfg.Agent.Origin,
		Discovery: discovery.Options{
			Host:              cfg.Discovery.Host,
			StartPort:         cfg.Discovery.StartPort,
			EndPort:           cfg.Discovery.EndPort,
			Path:              cfg.Discovery.Path,
			InterAttemptDelay: cfg.Discovery.InterAttemptDelay,
			UserInitiated:     cfg.Discovery.UserInitiated,
		},
		ResponseTimeout: cfg.Connect.ResponseTimeout,
	}, events, logger, m)

	return &Agent{
		cfg:      cfg,
		logger:   logger.With(logging.KeyComponent, "agent"),
		metrics:  m,
		store:    st,
		identity: idm,
		registry: reg,
		client:   client,
	}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "bbolt":
		path := cfg.Storage.Path
		if path == "" {
			path = filepath.Join(cfg.Agent.DataDir, storeFile)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return store.OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// Start brings up optional services. The pairing handshake itself runs on
// demand through Pair.
func (a *Agent) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already running")
	}

	if a.cfg.Metrics.Enabled {
		if err := a.startMetrics(); err != nil {
			a.running.Store(false)
			return err
		}
	}
	return nil
}

func (a *Agent) startMetrics() error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.metricsListener = ln
	a.metricsSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", logging.KeyError, err)
		}
	}()

	a.logger.Info("metrics server started", logging.KeyRemoteAddr, ln.Addr().String())
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (a *Agent) MetricsAddr() string {
	if a.metricsListener == nil {
		return ""
	}
	return a.metricsListener.Addr().String()
}

// Pair runs the pairing handshake against the local agent.
func (a *Agent) Pair(ctx context.Context) error {
	return a.client.Connect(ctx)
}

// PermissionsRequest queues a scoped permission request for the next
// handshake's Delegation step.
func (a *Agent) PermissionsRequest(req didconnect.PermissionRequest) error {
	return a.client.PermissionsRequest(req)
}

// Identity restores the persisted client identity, or store.ErrNotFound if
// none exists yet.
func (a *Agent) Identity() (*identity.ClientIdentity, error) {
	return a.identity.Load()
}

// EnsureIdentity restores the client identity, creating one if absent.
func (a *Agent) EnsureIdentity() (*identity.ClientIdentity, error) {
	return a.identity.Ensure()
}

// Registry exposes the in-memory DID registry.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Socket returns the pairing socket, or nil when disconnected.
func (a *Agent) Socket() *socket.Socket {
	return a.client.Socket()
}

// Relay returns a DWN message relay over the authorized socket, or an error
// when no socket is open.
func (a *Agent) Relay() (*relay.Relay, error) {
	sock := a.client.Socket()
	if sock == nil || !sock.IsOpen() {
		return nil, relay.ErrNoSocket
	}
	return relay.New(sock, a.logger, a.metrics), nil
}

// Stop shuts the agent down: metrics server, pairing socket, store.
func (a *Agent) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}

	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", logging.KeyError, err)
		}
		cancel()
		a.metricsSrv = nil
		a.metricsListener = nil
	}

	if sock := a.client.Socket(); sock != nil {
		sock.Close()
	}

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	a.logger.Info("agent stopped")
	return nil
}
