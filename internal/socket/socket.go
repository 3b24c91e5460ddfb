// Package socket implements the message-framed duplex channel used by the
// DID-Connect protocol: a WebSocket carrying JSON-RPC frames with
// request/response correlation and fire-and-forget notification.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"github.com/tbd54566975/web5-agent-go/internal/jsonrpc"
	"github.com/tbd54566975/web5-agent-go/internal/logging"
	"github.com/tbd54566975/web5-agent-go/internal/metrics"
)

// readLimit caps inbound frame size.
const readLimit = 4 * 1024 * 1024

var (
	// ErrClosed is returned when operating on a closed socket.
	ErrClosed = errors.New("socket closed")

	// ErrProtocolViolation marks force-closes caused by malformed or
	// out-of-band inbound frames.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Handler receives inbound requests and notifications (method-bearing
// frames). Handlers are invoked one at a time, in arrival order, and must
// return before the next frame is processed.
type Handler func(msg *jsonrpc.Message)

// CloseHandler is invoked exactly once when the socket closes. err is nil
// for a locally requested close.
type CloseHandler func(err error)

// Socket is a request/response WebSocket channel. Request IDs increment
// monotonically and are unique for the socket's lifetime. Requests issued
// before Open completes are queued FIFO and flushed in order once the open
// handshake finishes.
type Socket struct {
	url     string
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	open          bool
	closed        bool
	nextID        int64
	pending       map[int64]chan *jsonrpc.Message
	sendQueue     []*jsonrpc.Message
	handler       Handler
	closeHandlers []CloseHandler
}

// New creates a socket for the given ws:// URL. The socket is not connected
// until Open is called.
func New(url string, logger *slog.Logger, m *metrics.Metrics) *Socket {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Socket{
		url:     url,
		logger:  logger.With(logging.KeyComponent, "socket"),
		metrics: m,
		nextID:  1,
		pending: make(map[int64]chan *jsonrpc.Message),
	}
}

// URL returns the socket's connection URL.
func (s *Socket) URL() string {
	return s.url
}

// IsOpen reports whether the socket is currently connected.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// SetHandler installs the handler for inbound notifications. The previous
// handler, if any, is replaced.
func (s *Socket) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnClose registers a callback invoked when the socket closes.
func (s *Socket) OnClose(h CloseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandlers = append(s.closeHandlers, h)
}

// Open dials the WebSocket and flushes any queued outbound frames in FIFO
// order. Opening an already open socket is a no-op; opening a closed socket
// returns ErrClosed.
func (s *Socket) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to open socket: %w", err)
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "socket closed during open")
		return ErrClosed
	}
	s.conn = conn
	s.open = true
	queued := s.sendQueue
	s.sendQueue = nil
	s.mu.Unlock()

	s.metrics.SocketsOpen.Inc()
	s.logger.Debug("socket open", logging.KeyURL, s.url)

	for _, msg := range queued {
		if err := s.write(ctx, msg); err != nil {
			s.teardown(err, websocket.StatusInternalError)
			return err
		}
	}

	go s.readLoop()
	return nil
}

// OpenWithRetry dials with exponential backoff until the socket opens, the
// context is cancelled, or maxElapsed passes.
func (s *Socket) OpenWithRetry(ctx context.Context, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := s.Open(ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// SendRequest sends a correlated request and blocks until the matching
// response arrives, the context expires, or the socket closes. A JSON-RPC
// error response is returned as a *jsonrpc.Error.
func (s *Socket) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	id := s.nextID
	s.nextID++

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	ch := make(chan *jsonrpc.Message, 1)
	s.pending[id] = ch

	open := s.open
	if !open {
		s.sendQueue = append(s.sendQueue, msg)
	}
	s.mu.Unlock()

	if open {
		if err := s.write(ctx, msg); err != nil {
			s.teardown(err, websocket.StatusInternalError)
			return nil, err
		}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		// A frame still queued for a future Open must not be flushed:
		// its response would arrive with no pending handler and
		// force-close the socket.
		for i, queued := range s.sendQueue {
			if queued == msg {
				s.sendQueue = append(s.sendQueue[:i], s.sendQueue[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNotification sends a fire-and-forget notification (no ID, no
// response). Notifications issued before Open are queued alongside requests.
func (s *Socket) SendNotification(ctx context.Context, method string, params interface{}) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	open := s.open
	if !open {
		s.sendQueue = append(s.sendQueue, msg)
	}
	s.mu.Unlock()

	if !open {
		return nil
	}
	if err := s.write(ctx, msg); err != nil {
		s.teardown(err, websocket.StatusInternalError)
		return err
	}
	return nil
}

// Close closes the socket. All outstanding requests are rejected with an
// internal-error marker so callers never hang.
func (s *Socket) Close() error {
	s.teardown(nil, websocket.StatusNormalClosure)
	return nil
}

func (s *Socket) write(ctx context.Context, msg *jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	s.metrics.FramesSent.Inc()
	return nil
}

// readLoop processes inbound frames one at a time. Each frame is fully
// dispatched before the next read, so a handler's state transitions are
// visible before the following message is routed.
func (s *Socket) readLoop() {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			alreadyClosed := s.closed
			s.mu.Unlock()
			if alreadyClosed {
				return
			}
			s.teardown(fmt.Errorf("socket read failed: %w", err), websocket.StatusAbnormalClosure)
			return
		}
		s.metrics.FramesReceived.Inc()

		msg, err := jsonrpc.Decode(data)
		if err != nil {
			s.metrics.SocketErrors.WithLabelValues("parse_error").Inc()
			s.teardown(fmt.Errorf("%w: %v", ErrProtocolViolation, err), websocket.StatusProtocolError)
			return
		}

		if msg.ID != nil {
			s.mu.Lock()
			ch, ok := s.pending[*msg.ID]
			if ok {
				delete(s.pending, *msg.ID)
			}
			s.mu.Unlock()

			if !ok {
				// Unmatched IDs are fatal: processing out-of-band or
				// replayed responses is never safe.
				s.metrics.SocketErrors.WithLabelValues("unmatched_id").Inc()
				s.teardown(fmt.Errorf("%w: response id %d has no pending request", ErrProtocolViolation, *msg.ID), websocket.StatusProtocolError)
				return
			}
			ch <- msg
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(msg)
		} else {
			s.logger.Warn("dropping unhandled notification", logging.KeyMethod, msg.Method)
		}
	}
}

// teardown closes the socket once, rejects all pending requests and invokes
// the registered close handlers.
func (s *Socket) teardown(cause error, code websocket.StatusCode) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasOpen := s.open
	s.open = false
	conn := s.conn
	pending := s.pending
	s.pending = make(map[int64]chan *jsonrpc.Message)
	s.sendQueue = nil
	handlers := s.closeHandlers
	s.mu.Unlock()

	if conn != nil {
		reason := "closed"
		if cause != nil {
			reason = cause.Error()
			if len(reason) > 123 {
				// Close reasons are capped at 125 bytes on the wire.
				reason = reason[:123]
			}
		}
		conn.Close(code, reason)
	}

	for id, ch := range pending {
		ch <- jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "socket closed")
	}

	if wasOpen {
		s.metrics.SocketsOpen.Dec()
	}
	if cause != nil {
		s.logger.Debug("socket closed", logging.KeyURL, s.url, logging.KeyError, cause)
	}

	for _, h := range handlers {
		h(cause)
	}
}
