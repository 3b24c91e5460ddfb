// Package discovery probes a range of local ports for a listening
// DID-Connect agent and hands back a validated, open socket.
package discovery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tbd54566975/web5-agent-go/internal/jsonrpc"
	"github.com/tbd54566975/web5-agent-go/internal/logging"
	"github.com/tbd54566975/web5-agent-go/internal/metrics"
	"github.com/tbd54566975/web5-agent-go/internal/socket"
)

// Defaults for scan options.
const (
	DefaultHost              = "localhost"
	DefaultPath              = "didconnect"
	DefaultInterAttemptDelay = 5 * time.Millisecond
	DefaultReadyTimeout      = 10 * time.Second
)

var (
	// ErrNoListener is returned when no agent answered on any port in the
	// scanned range.
	ErrNoListener = errors.New("no agent listening")

	// ErrBadReady is returned when the first inbound message on a probed
	// port was not the expected ready notification. This rejects the whole
	// scan rather than moving to the next port.
	ErrBadReady = errors.New("unexpected payload before ready notification")
)

// Options configures a discovery scan.
type Options struct {
	// Host to probe. Defaults to localhost.
	Host string

	// StartPort and EndPort bound the inclusive port range.
	StartPort int
	EndPort   int

	// Path is the URL path prefix the agent listens on.
	Path string

	// UserInitiated triggers the OS protocol handler on the first
	// successful open, prompting a native agent to start or raise itself.
	UserInitiated bool

	// InterAttemptDelay is applied between sequential port attempts.
	InterAttemptDelay time.Duration

	// ReadyTimeout bounds the wait for the ready notification on each
	// open socket.
	ReadyTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.InterAttemptDelay <= 0 {
		o.InterAttemptDelay = DefaultInterAttemptDelay
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
}

// Result is a successful discovery outcome.
type Result struct {
	Socket *socket.Socket
	Host   string
	Port   int
}

// Scanner locates a listening agent by sequential port probing. Probing is
// deliberately sequential: concurrent probes would fire the OS protocol
// handler prompt multiple times.
type Scanner struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	// launch invokes the OS protocol handler. Replaceable in tests.
	launch func(path string) error

	// probed observes each probe attempt. Test hook, may be nil.
	probed func(port int)
}

// NewScanner creates a port scanner.
func NewScanner(logger *slog.Logger, m *metrics.Metrics) *Scanner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Scanner{
		logger:  logger.With(logging.KeyComponent, "discovery"),
		metrics: m,
		launch:  LaunchNativeAgent,
	}
}

// ConnectionURL builds the DID-Connect socket URL for a candidate port.
func ConnectionURL(host string, port int, path, clientDID, origin string) string {
	encodedOrigin := base64.RawURLEncoding.EncodeToString([]byte(origin))
	return fmt.Sprintf("ws://%s:%d/%s/%s/%s", host, port, path, clientDID, encodedOrigin)
}

// Scan probes each port in the configured range in ascending order. A port
// where the dial fails or the socket closes without a message is skipped; a
// port that answers with anything other than the ready notification rejects
// the whole scan. On success the returned socket is open and validated, and
// the caller owns it.
func (s *Scanner) Scan(ctx context.Context, clientDID, origin string, opts Options) (*Result, error) {
	opts.applyDefaults()

	started := time.Now()
	limiter := rate.NewLimiter(rate.Every(opts.InterAttemptDelay), 1)
	woken := false

	for port := opts.StartPort; port <= opts.EndPort; port++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, fatal, err := s.probe(ctx, clientDID, origin, port, opts, &woken)
		if err == nil {
			s.metrics.DiscoveryDuration.Observe(time.Since(started).Seconds())
			s.logger.Info("agent discovered",
				logging.KeyHost, opts.Host,
				logging.KeyPort, port,
				logging.KeyDuration, time.Since(started),
			)
			return result, nil
		}
		if fatal {
			return nil, err
		}
		s.logger.Debug("port not listening", logging.KeyPort, port, logging.KeyError, err)
	}

	s.metrics.DiscoveryFailures.Inc()
	return nil, fmt.Errorf("%w on %s ports %d-%d", ErrNoListener, opts.Host, opts.StartPort, opts.EndPort)
}

// Reconnect redials a previously bound endpoint instead of re-scanning the
// whole range, retrying with backoff for up to maxElapsed while the agent
// comes back up. The first frame is validated exactly as during a scan.
func (s *Scanner) Reconnect(ctx context.Context, clientDID, origin, host string, port int, maxElapsed time.Duration, opts Options) (*Result, error) {
	opts.applyDefaults()
	if host == "" {
		host = opts.Host
	}

	url := ConnectionURL(host, port, opts.Path, clientDID, origin)
	sock := socket.New(url, s.logger, s.metrics)
	ready, closed := wireFirstFrame(sock)

	if err := sock.OpenWithRetry(ctx, maxElapsed); err != nil {
		return nil, fmt.Errorf("failed to redial %s:%d: %w", host, port, err)
	}

	s.logger.Info("reconnected to bound endpoint", logging.KeyHost, host, logging.KeyPort, port)

	result, _, err := awaitReady(ctx, sock, ready, closed, host, port, opts.ReadyTimeout)
	return result, err
}

// probe attempts a single port. fatal reports whether the error should
// abort the whole scan instead of moving to the next port.
func (s *Scanner) probe(ctx context.Context, clientDID, origin string, port int, opts Options, woken *bool) (*Result, bool, error) {
	s.metrics.PortsProbed.Inc()
	if s.probed != nil {
		s.probed(port)
	}

	url := ConnectionURL(opts.Host, port, opts.Path, clientDID, origin)
	sock := socket.New(url, s.logger, s.metrics)
	ready, closed := wireFirstFrame(sock)

	dialCtx, cancel := context.WithTimeout(ctx, opts.ReadyTimeout)
	defer cancel()

	if err := sock.Open(dialCtx); err != nil {
		// Nothing listening here.
		return nil, false, err
	}

	if opts.UserInitiated && !*woken {
		*woken = true
		if err := s.launch(opts.Path); err != nil {
			s.logger.Warn("failed to invoke protocol handler", logging.KeyError, err)
		}
	}

	return awaitReady(ctx, sock, ready, closed, opts.Host, port, opts.ReadyTimeout)
}

// wireFirstFrame installs the listeners a fresh connection needs before any
// frame can arrive.
func wireFirstFrame(sock *socket.Socket) (<-chan *jsonrpc.Message, <-chan error) {
	ready := make(chan *jsonrpc.Message, 1)
	closed := make(chan error, 1)
	sock.SetHandler(func(msg *jsonrpc.Message) {
		select {
		case ready <- msg:
		default:
		}
	})
	sock.OnClose(func(err error) {
		closed <- err
	})
	return ready, closed
}

// awaitReady consumes and validates a fresh connection's first frame. fatal
// reports whether the failure disqualifies the whole scan.
func awaitReady(ctx context.Context, sock *socket.Socket, ready <-chan *jsonrpc.Message, closed <-chan error, host string, port int, timeout time.Duration) (*Result, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ready:
		if msg.Method != jsonrpc.MethodReady {
			sock.Close()
			return nil, true, fmt.Errorf("%w: got method %q on port %d", ErrBadReady, msg.Method, port)
		}
		// Hand the socket over with a clean slate; the caller attaches
		// its own protocol listeners immediately.
		sock.SetHandler(nil)
		return &Result{Socket: sock, Host: host, Port: port}, false, nil

	case err := <-closed:
		if errors.Is(err, socket.ErrProtocolViolation) {
			// A frame arrived and was invalid: not a slow port, a broken
			// or hostile listener.
			return nil, true, fmt.Errorf("%w: %v", ErrBadReady, err)
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return nil, false, fmt.Errorf("socket closed before ready: %w", err)

	case <-timer.C:
		sock.Close()
		return nil, false, fmt.Errorf("no ready notification within %s", timeout)

	case <-ctx.Done():
		sock.Close()
		return nil, true, ctx.Err()
	}
}
