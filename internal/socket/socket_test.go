package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkarlsson/agentlink/internal/negotiate"
	"github.com/mkarlsson/agentlink/internal/wire"
)

// hubServer is a minimal test hub: it acks handshake/join/leave frames and
// records everything it receives.
type hubServer struct {
	t *testing.T

	rejectHandshake bool

	mu     sync.Mutex
	frames []wire.Frame

	server *httptest.Server
}

func newHubServer(t *testing.T) *hubServer {
	h := &hubServer{t: t}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var f wire.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}

			h.mu.Lock()
			h.frames = append(h.frames, f)
			h.mu.Unlock()

			switch f.Type {
			case wire.FrameHandshake:
				if h.rejectHandshake {
					payload, _ := json.Marshal(wire.ErrorPayload{Code: "hub_unavailable", Message: "try later"})
					conn.WriteJSON(wire.Frame{Type: wire.FrameError, ID: f.ID, Payload: payload})
					continue
				}
				conn.WriteJSON(wire.Frame{Type: wire.FrameAck, ID: f.ID})
			case wire.FrameJoin, wire.FrameLeave:
				conn.WriteJSON(wire.Frame{Type: wire.FrameAck, ID: f.ID})
			}
		}
	}))

	return h
}

func (h *hubServer) received(typ string) []wire.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []wire.Frame
	for _, f := range h.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// stubNegotiator points dials at the test hub.
type stubNegotiator struct {
	endpoint string
	err      error
	calls    int
}

func (n *stubNegotiator) Negotiate(ctx context.Context, identity string) (*negotiate.Session, error) {
	n.calls++
	if n.err != nil {
		return nil, n.err
	}
	return &negotiate.Session{
		AccessToken:     "tok",
		ServiceEndpoint: n.endpoint,
		HubName:         "agents",
	}, nil
}

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.RequestTimeout = time.Second
	cfg.DialTimeout = time.Second
	return cfg
}

func TestFactory_DialAndHandshake(t *testing.T) {
	hub := newHubServer(t)
	defer hub.server.Close()

	f := NewFactory(&stubNegotiator{endpoint: hub.server.URL}, testClientConfig(), nil, nil)

	conn, err := f.Dial(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if !conn.IsConnected() {
		t.Error("expected IsConnected after dial")
	}
	if got := hub.received(wire.FrameHandshake); len(got) != 1 {
		t.Errorf("handshake frames = %d, want 1", len(got))
	}
}

func TestFactory_HandshakeRejected(t *testing.T) {
	hub := newHubServer(t)
	hub.rejectHandshake = true
	defer hub.server.Close()

	f := NewFactory(&stubNegotiator{endpoint: hub.server.URL}, testClientConfig(), nil, nil)

	_, err := f.Dial(context.Background(), "agent-7")

	var he *wire.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *wire.HandshakeError", err)
	}
	if he.Code != "hub_unavailable" {
		t.Errorf("Code = %q", he.Code)
	}
}

func TestFactory_NegotiateFailureSurfaced(t *testing.T) {
	boom := &negotiate.APIError{StatusCode: 403, Message: "Forbidden"}
	f := NewFactory(&stubNegotiator{err: boom}, testClientConfig(), nil, nil)

	_, err := f.Dial(context.Background(), "agent-7")
	if !errors.As(err, new(*negotiate.APIError)) {
		t.Fatalf("err = %v, want APIError", err)
	}
}

func TestConn_JoinLeave(t *testing.T) {
	hub := newHubServer(t)
	defer hub.server.Close()

	f := NewFactory(&stubNegotiator{endpoint: hub.server.URL}, testClientConfig(), nil, nil)
	conn, err := f.Dial(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Join(context.Background(), "ops-alerts"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := conn.Leave(context.Background(), "ops-alerts"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	joins := hub.received(wire.FrameJoin)
	if len(joins) != 1 || joins[0].Group != "ops-alerts" {
		t.Errorf("join frames = %+v", joins)
	}
}

func TestConn_SendToGroupStringifiesPayload(t *testing.T) {
	hub := newHubServer(t)
	defer hub.server.Close()

	f := NewFactory(&stubNegotiator{endpoint: hub.server.URL}, testClientConfig(), nil, nil)
	conn, err := f.Dial(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.SendToGroup("commands:agent-9", map[string]string{"name": "restart"}); err != nil {
		t.Fatalf("SendToGroup failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		sends := hub.received(wire.FrameSend)
		if len(sends) == 1 {
			// Payload is a JSON string containing the serialized body.
			var inner string
			if err := json.Unmarshal(sends[0].Payload, &inner); err != nil {
				t.Fatalf("payload not stringified: %v", err)
			}
			var body map[string]string
			if err := json.Unmarshal([]byte(inner), &body); err != nil {
				t.Fatalf("inner payload not JSON: %v", err)
			}
			if body["name"] != "restart" {
				t.Errorf("body = %v", body)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("send frame never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConn_InboundFramesReachCallback(t *testing.T) {
	frameCh := make(chan []byte, 1)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Ack the handshake, then push a command frame.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wire.Frame
		json.Unmarshal(data, &f)
		conn.WriteJSON(wire.Frame{Type: wire.FrameAck, ID: f.ID})
		conn.WriteJSON(wire.Frame{Type: wire.FrameCommand, Group: "commands:agent-7"})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	onFrame := func(data []byte, receivedAt time.Time) {
		select {
		case frameCh <- data:
		default:
		}
	}

	f := NewFactory(&stubNegotiator{endpoint: server.URL}, testClientConfig(), onFrame, nil)
	conn, err := f.Dial(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case data := <-frameCh:
		var got wire.Frame
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != wire.FrameCommand {
			t.Errorf("frame type = %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound frame never reached callback")
	}
}

func TestConn_ServerCloseSurfacesError(t *testing.T) {
	hub := newHubServer(t)

	f := NewFactory(&stubNegotiator{endpoint: hub.server.URL}, testClientConfig(), nil, nil)
	conn, err := f.Dial(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	hub.server.CloseClientConnections()

	select {
	case <-conn.Errors():
	case <-time.After(time.Second):
		t.Fatal("no error after server closed the connection")
	}

	hub.server.Close()
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	hub := newHubServer(t)
	defer hub.server.Close()

	f := NewFactory(&stubNegotiator{endpoint: hub.server.URL}, testClientConfig(), nil, nil)
	conn, err := f.Dial(context.Background(), "agent-7")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	conn.Close()

	if err := conn.SendToGroup("ops", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if conn.IsConnected() {
		t.Error("IsConnected after Close")
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"handshake error", &wire.HandshakeError{Message: "later"}, true},
		{"retryable api error", &negotiate.APIError{StatusCode: 503}, true},
		{"fatal api error", &negotiate.APIError{StatusCode: 401}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"bad token", errors.New("invalid token"), false},
	}

	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Errorf("%s: Transient = %v, want %v", tc.name, got, tc.want)
		}
	}
}
