// Package didconnect implements the DID-Connect pairing protocol: the
// multi-step handshake through which this client discovers a local agent,
// is challenged, and obtains a persisted, scoped delegation to act on the
// user's behalf.
package didconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbd54566975/web5-agent-go/internal/discovery"
	"github.com/tbd54566975/web5-agent-go/internal/identity"
	"github.com/tbd54566975/web5-agent-go/internal/jsonrpc"
	"github.com/tbd54566975/web5-agent-go/internal/logging"
	"github.com/tbd54566975/web5-agent-go/internal/metrics"
	"github.com/tbd54566975/web5-agent-go/internal/registry"
	"github.com/tbd54566975/web5-agent-go/internal/socket"
)

// DefaultResponseTimeout bounds the wait for each correlated handshake
// response.
const DefaultResponseTimeout = 30 * time.Second

// redialMaxElapsed bounds how long a previously bound endpoint is retried
// before the client falls back to a full scan.
const redialMaxElapsed = 3 * time.Second

var (
	// ErrPairingInProgress is returned when Connect is called while a
	// handshake is already running. At most one session per identity.
	ErrPairingInProgress = errors.New("pairing already in progress")

	// ErrAlreadyAuthorized is returned by PermissionsRequest once the
	// endpoint is authorized: the queue is flushed exactly once, at the
	// Delegation step.
	ErrAlreadyAuthorized = errors.New("endpoint already authorized")

	// ErrVerificationFailed is returned when the provider answers the
	// Initiation request with a not-ok challenge, or the challenge cannot
	// be decrypted. Not retryable within the session; restart pairing.
	ErrVerificationFailed = errors.New("verification failed")
)

// Options configures a pairing client.
type Options struct {
	// Origin identifies the connecting application; it is base64url-encoded
	// into the discovery URL.
	Origin string

	// Discovery configures the port scan.
	Discovery discovery.Options

	// ResponseTimeout bounds each correlated handshake response wait.
	ResponseTimeout time.Duration
}

// Client drives the pairing handshake for one ClientIdentity. A Client is
// reusable: every terminal outcome resets it to StepInitiation.
type Client struct {
	identity *identity.Manager
	registry *registry.Registry
	scanner  *discovery.Scanner
	events   Events
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	step    Step
	sock    *socket.Socket
	queued  []PermissionRequest
	ci      *identity.ClientIdentity
	pairing bool
}

// New creates a pairing client.
func New(idm *identity.Manager, reg *registry.Registry, scanner *discovery.Scanner, opts Options, events Events, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	return &Client{
		identity: idm,
		registry: reg,
		scanner:  scanner,
		events:   events,
		opts:     opts,
		logger:   logger.With(logging.KeyComponent, "didconnect"),
		metrics:  m,
		step:     StepInitiation,
	}
}

// Step returns the session's current state.
func (c *Client) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Socket returns the session's socket, or nil when disconnected. After a
// successful handshake the caller may hand it to the relay.
func (c *Client) Socket() *socket.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

// PermissionsRequest queues a scoped permission request to be carried by
// the Delegation step. Once the endpoint is authorized the queue has been
// flushed and further requests are rejected with ErrAlreadyAuthorized.
func (c *Client) PermissionsRequest(req PermissionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ci != nil && c.ci.Endpoint.Authorized && c.sock != nil && c.sock.IsOpen() {
		return ErrAlreadyAuthorized
	}
	c.queued = append(c.queued, req)
	return nil
}

// Connect runs the full handshake: ensure identity, discover a listening
// agent, then Initiation -> Verification -> Delegation. Denial and block
// are normal business outcomes surfaced through events, not errors;
// transport and protocol failures are both surfaced as an error event and
// returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.pairing {
		c.mu.Unlock()
		return ErrPairingInProgress
	}
	c.pairing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pairing = false
		c.mu.Unlock()
	}()

	sid := uuid.NewString()
	logger := c.logger.With(logging.KeySessionID, sid)

	// Identity must exist before any network action.
	ci, err := c.identity.Ensure()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ci = ci
	// Idempotence: an open, authorized socket is reused, not re-paired.
	if c.sock != nil && c.sock.IsOpen() && ci.Endpoint.Authorized {
		c.mu.Unlock()
		logger.Debug("already connected and authorized", logging.KeyRemoteDID, ci.Endpoint.MRUDid)
		return nil
	}
	c.mu.Unlock()

	c.metrics.PairingAttempts.Inc()
	started := time.Now()

	result, err := c.discover(ctx, logger, ci)
	if err != nil {
		return err
	}
	sock := result.Socket

	c.mu.Lock()
	c.sock = sock
	c.step = StepInitiation
	c.mu.Unlock()

	// The client only originates Initiation; inbound messages before then
	// are unexpected and ignored.
	sock.SetHandler(func(msg *jsonrpc.Message) {
		logger.Warn("ignoring unexpected message",
			logging.KeyMethod, msg.Method,
			logging.KeyStep, c.Step().String(),
		)
	})

	if err := c.handshake(ctx, logger, ci, result); err != nil {
		return err
	}

	c.mu.Lock()
	authorized := c.ci.Endpoint.Authorized
	c.mu.Unlock()
	if authorized {
		c.metrics.PairingDuration.Observe(time.Since(started).Seconds())
	}
	return nil
}

// discover locates a listening agent. An endpoint bound by an earlier
// delegation is redialed with backoff first; the full port scan is the
// fallback.
func (c *Client) discover(ctx context.Context, logger *slog.Logger, ci *identity.ClientIdentity) (*discovery.Result, error) {
	if ci.Endpoint.Authorized && ci.Endpoint.Port != 0 {
		result, err := c.scanner.Reconnect(ctx, ci.ID, c.opts.Origin,
			ci.Endpoint.Host, ci.Endpoint.Port, redialMaxElapsed, c.opts.Discovery)
		if err == nil {
			return result, nil
		}
		logger.Debug("bound endpoint unreachable, rescanning",
			logging.KeyHost, ci.Endpoint.Host,
			logging.KeyPort, ci.Endpoint.Port,
			logging.KeyError, err,
		)
	}
	return c.scanner.Scan(ctx, ci.ID, c.opts.Origin, c.opts.Discovery)
}

// handshake drives Initiation through a terminal outcome. It always leaves
// the step at StepInitiation when it returns.
func (c *Client) handshake(ctx context.Context, logger *slog.Logger, ci *identity.ClientIdentity, disc *discovery.Result) error {
	sock := disc.Socket

	// Initiation: a method-only request. The state advances as soon as the
	// frame is sent; the correlated response is interpreted as the
	// Verification challenge.
	c.setStep(StepVerification)
	logger.Debug("initiation sent", logging.KeyStep, StepVerification.String())

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	raw, err := sock.SendRequest(reqCtx, jsonrpc.MethodInitiation, nil)
	cancel()
	if err != nil {
		return c.fail(fmt.Errorf("initiation failed: %w", err))
	}

	var ver verificationResult
	if err := json.Unmarshal(raw, &ver); err != nil {
		return c.fail(fmt.Errorf("%w: malformed verification response: %v", ErrVerificationFailed, err))
	}
	if !ver.OK {
		return c.fail(fmt.Errorf("%w: provider rejected initiation", ErrVerificationFailed))
	}

	pin, err := decryptPIN(ci, ver.Payload)
	if err != nil {
		// Decryption failure is indistinguishable from a not-ok response:
		// abort, do not advance to Delegation.
		return c.fail(fmt.Errorf("%w: %v", ErrVerificationFailed, err))
	}

	c.events.challenge(pin)

	// Delegation: flush everything queued so far, in call order.
	c.mu.Lock()
	requests := c.queued
	c.queued = nil
	c.step = StepDelegation
	c.mu.Unlock()

	reqCtx, cancel = context.WithTimeout(ctx, c.opts.ResponseTimeout)
	raw, err = sock.SendRequest(reqCtx, jsonrpc.MethodDelegation, delegationParams{PermissionRequests: requests})
	cancel()
	if err != nil {
		return c.delegationError(logger, ci, err)
	}

	var grant delegationResult
	if err := json.Unmarshal(raw, &grant); err != nil {
		return c.fail(fmt.Errorf("malformed delegation response: %w", err))
	}

	// Register the authorizing DID at the endpoint the scan bound to.
	c.registry.Register(grant.DID, registry.Entry{
		Connected: true,
		Endpoint:  registry.Endpoint{Host: disc.Host, Port: disc.Port},
	})

	ci.Authorize(disc.Host, disc.Port, grant.DID, grant.Permissions)
	if err := c.identity.Save(ci); err != nil {
		return c.fail(fmt.Errorf("failed to persist authorization: %w", err))
	}

	// Handshake complete; stop listening for further protocol messages.
	sock.SetHandler(nil)

	c.metrics.PairingOutcomes.WithLabelValues("authorized").Inc()
	logger.Info("pairing authorized",
		logging.KeyRemoteDID, grant.DID,
		logging.KeyHost, disc.Host,
		logging.KeyPort, disc.Port,
	)
	c.events.authorized(grant.DID)

	c.setStep(StepInitiation)
	return nil
}

// delegationError handles the Delegation error branch: clear any stored
// authorization, persist the cleared state, tear the session down, and
// dispatch denied (Unauthorized) or blocked (Forbidden).
func (c *Client) delegationError(logger *slog.Logger, ci *identity.ClientIdentity, err error) error {
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		return c.fail(fmt.Errorf("delegation failed: %w", err))
	}

	ci.ClearAuthorization()
	if saveErr := c.identity.Save(ci); saveErr != nil {
		logger.Error("failed to persist cleared authorization", logging.KeyError, saveErr)
	}

	c.teardown()

	switch rpcErr.Code {
	case jsonrpc.CodeUnauthorized:
		c.metrics.PairingOutcomes.WithLabelValues("denied").Inc()
		logger.Info("pairing denied", logging.KeyError, rpcErr.Message)
		c.events.denied(rpcErr.Message)
	case jsonrpc.CodeForbidden:
		c.metrics.PairingOutcomes.WithLabelValues("blocked").Inc()
		logger.Info("pairing blocked", logging.KeyError, rpcErr.Message)
		c.events.blocked(rpcErr.Message)
	default:
		c.metrics.PairingOutcomes.WithLabelValues("error").Inc()
		c.events.error(rpcErr)
		c.setStep(StepInitiation)
		return rpcErr
	}

	c.setStep(StepInitiation)
	return nil
}

// fail tears the session down and surfaces err both as an event and to the
// caller.
func (c *Client) fail(err error) error {
	c.teardown()
	c.metrics.PairingOutcomes.WithLabelValues("error").Inc()
	c.events.error(err)
	c.setStep(StepInitiation)
	return err
}

// teardown removes socket listeners, closes the socket and discards it.
func (c *Client) teardown() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	if sock != nil {
		sock.SetHandler(nil)
		sock.Close()
	}
}

func (c *Client) setStep(s Step) {
	c.mu.Lock()
	c.step = s
	c.mu.Unlock()
}
