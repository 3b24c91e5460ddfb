package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nhooyr.io/websocket"

	"github.com/tbd54566975/web5-agent-go/internal/jsonrpc"
	"github.com/tbd54566975/web5-agent-go/internal/metrics"
	"github.com/tbd54566975/web5-agent-go/internal/socket"
)

// newAgentSocket dials an open socket against a scripted ws handler.
func newAgentSocket(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) *socket.Socket {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sock := socket.New(url, nil, metrics.NewMetricsWithRegistry(nil))
	if err := sock.Open(context.Background()); err != nil {
		t.Fatalf("failed to open socket: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestProcessMessage(t *testing.T) {
	sock := newAgentSocket(t, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := jsonrpc.Decode(data)
		if err != nil {
			t.Errorf("agent received malformed frame: %v", err)
			return
		}
		if msg.Method != jsonrpc.MethodProcessMessage {
			t.Errorf("method = %q, want %q", msg.Method, jsonrpc.MethodProcessMessage)
		}
		var req Request
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			t.Errorf("failed to decode relay request: %v", err)
			return
		}
		if req.Target != "did:key:z6MkProvider" {
			t.Errorf("target = %q", req.Target)
		}
		resp, _ := jsonrpc.NewResponse(*msg.ID, Reply{
			Status:  Status{Code: 200},
			Entries: []json.RawMessage{json.RawMessage(`{"recordId":"abc"}`)},
		})
		out, _ := jsonrpc.Encode(resp)
		conn.Write(ctx, websocket.MessageText, out)
	})

	r := New(sock, nil, metrics.NewMetricsWithRegistry(nil))
	reply, err := r.ProcessMessage(context.Background(), Request{
		Target:  "did:key:z6MkProvider",
		Message: json.RawMessage(`{"interface":"Records","method":"Write"}`),
		Data:    "aGVsbG8",
	})
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply.Status.Code != 200 {
		t.Errorf("status code = %d, want 200", reply.Status.Code)
	}
	if len(reply.Entries) != 1 {
		t.Errorf("entries = %v", reply.Entries)
	}
}

func TestProcessMessageAgentError(t *testing.T) {
	sock := newAgentSocket(t, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := jsonrpc.Decode(data)
		if err != nil {
			return
		}
		out, _ := jsonrpc.Encode(jsonrpc.NewErrorResponse(*msg.ID, jsonrpc.CodeBadRequest, "unknown interface"))
		conn.Write(ctx, websocket.MessageText, out)
	})

	r := New(sock, nil, metrics.NewMetricsWithRegistry(nil))
	_, err := r.ProcessMessage(context.Background(), Request{Target: "did:key:z6MkProvider"})

	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *jsonrpc.Error", err)
	}
	if rpcErr.Code != jsonrpc.CodeBadRequest {
		t.Errorf("code = %d, want %d", rpcErr.Code, jsonrpc.CodeBadRequest)
	}
}

func TestProcessMessageClosedSocket(t *testing.T) {
	sock := newAgentSocket(t, func(ctx context.Context, conn *websocket.Conn) {
		<-ctx.Done()
	})
	sock.Close()

	r := New(sock, nil, metrics.NewMetricsWithRegistry(nil))
	if _, err := r.ProcessMessage(context.Background(), Request{}); !errors.Is(err, ErrNoSocket) {
		t.Errorf("error = %v, want ErrNoSocket", err)
	}
}
