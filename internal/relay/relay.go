// Package relay bridges application requests onto an authorized agent
// connection: it wraps DWN messages in dwn.processMessage calls and decodes
// the agent's replies.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/tbd54566975/web5-agent-go/internal/jsonrpc"
	"github.com/tbd54566975/web5-agent-go/internal/logging"
	"github.com/tbd54566975/web5-agent-go/internal/metrics"
	"github.com/tbd54566975/web5-agent-go/internal/socket"
)

// ErrNoSocket is returned when the relay has no connection to send on.
var ErrNoSocket = errors.New("relay has no open socket")

// Request is one DWN message addressed to a target DID. Data, when present,
// is base64url-encoded payload bytes.
type Request struct {
	Target  string          `json:"target"`
	Message json.RawMessage `json:"message"`
	Data    string          `json:"data,omitempty"`
}

// Status is the DWN-level outcome of a processed message.
type Status struct {
	Code   int    `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Reply is the agent's answer to a processed message.
type Reply struct {
	Status  Status            `json:"status"`
	Entries []json.RawMessage `json:"entries,omitempty"`
}

// Relay sends DWN messages over a pairing-authorized socket.
type Relay struct {
	sock    *socket.Socket
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a relay bound to an authorized socket.
func New(sock *socket.Socket, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Relay{
		sock:    sock,
		logger:  logger.With(logging.KeyComponent, "relay"),
		metrics: m,
	}
}

// ProcessMessage sends one DWN message and waits for the agent's reply. A
// JSON-RPC level error from the agent is returned as *jsonrpc.Error.
func (r *Relay) ProcessMessage(ctx context.Context, req Request) (*Reply, error) {
	if r.sock == nil || !r.sock.IsOpen() {
		r.metrics.RelayRequests.WithLabelValues("no_socket").Inc()
		return nil, ErrNoSocket
	}

	rid := uuid.NewString()
	r.logger.Debug("relaying message",
		logging.KeyRequestID, rid,
		logging.KeyRemoteDID, req.Target,
	)

	raw, err := r.sock.SendRequest(ctx, jsonrpc.MethodProcessMessage, req)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			r.metrics.RelayRequests.WithLabelValues("rpc_error").Inc()
		} else {
			r.metrics.RelayRequests.WithLabelValues("transport_error").Inc()
		}
		r.logger.Warn("relay request failed",
			logging.KeyRequestID, rid,
			logging.KeyError, err,
		)
		return nil, err
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		r.metrics.RelayRequests.WithLabelValues("bad_reply").Inc()
		return nil, fmt.Errorf("malformed relay reply: %w", err)
	}

	r.metrics.RelayRequests.WithLabelValues(strconv.Itoa(reply.Status.Code)).Inc()
	return &reply, nil
}
