// Package jsonrpc defines the JSON-RPC 2.0-flavored wire envelope used by
// the DID-Connect protocol.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Method names used on the DID-Connect socket.
const (
	// MethodReady is sent provider->client, unsolicited, to confirm a
	// genuine listener was discovered.
	MethodReady = "didconnect.ready"

	// MethodInitiation is sent client->provider to start the handshake.
	MethodInitiation = "didconnect.initiation"

	// MethodDelegation is sent client->provider carrying queued permission
	// requests.
	MethodDelegation = "didconnect.delegation"

	// MethodProcessMessage carries a DWN message once the socket is
	// authorized.
	MethodProcessMessage = "dwn.processMessage"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes reserved by the DID-Connect protocol.
const (
	CodeBadRequest   = -50400
	CodeUnauthorized = -50401
	CodeForbidden    = -50403
)

// ErrInvalidMessage is returned when an inbound frame has neither an ID nor
// a method field.
var ErrInvalidMessage = errors.New("message has neither id nor method")

// Message is the wire envelope. A request has ID and Method set, a
// notification has only Method, and a response has ID plus Result or Error.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a structured JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsNotification reports whether the message is a fire-and-forget
// notification (method set, no ID).
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsRequest reports whether the message is a correlated request.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsResponse reports whether the message is a response to a request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// NewRequest builds a correlated request message.
func NewRequest(id int64, method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a fire-and-forget notification message.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request ID.
func NewResponse(id int64, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Message{ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id int64, code int, message string) *Message {
	return &Message{ID: &id, Error: &Error{Code: code, Message: message}}
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

// Encode serializes a message to its wire form.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses an inbound frame and validates the envelope shape. A frame
// that is not valid JSON, or that carries neither an ID nor a method, is a
// protocol violation.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if m.ID == nil && m.Method == "" {
		return nil, ErrInvalidMessage
	}
	return &m, nil
}
