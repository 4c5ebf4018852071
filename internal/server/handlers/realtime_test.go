package handlers

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

// fakeInstance is a minimal tunnel.Instance double good enough to drive a
// tunnel to Connected without touching a real network.
type fakeInstance struct {
	events chan<- tunnel.InstanceEvent
}

func (f *fakeInstance) Start(ctx context.Context, cfg tunnel.TunnelConfig, events chan<- tunnel.InstanceEvent) {
	f.events = events
	events <- tunnel.InstanceEvent{Kind: tunnel.EventReady}
}

func (f *fakeInstance) Stop() {}

func alwaysOKVerify(ctx context.Context, cfg tunnel.TunnelConfig) tunnel.VerifierResult {
	return tunnel.VerifierResult{OK: true}
}

func newTestServer(t *testing.T) (*httptest.Server, *tunnel.Ingress) {
	t.Helper()
	bus := tunnel.NewBroadcaster()
	sup := tunnel.NewSupervisor(tunnel.NewMemoryStore(), bus,
		tunnel.WithVerifier(alwaysOKVerify),
		tunnel.WithInstanceFactory(func(tunnel.Strategy) tunnel.Instance { return &fakeInstance{} }),
	)
	ingress := tunnel.NewIngress(sup, tunnel.NewMemoryStore(), 100, 10)

	srv := httptest.NewServer(Realtime(ingress, bus))
	t.Cleanup(srv.Close)
	return srv, ingress
}

func dialRealtime(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	u.Scheme = "ws"
	u.Path = "/realtime"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireMessage struct {
	Type       string                        `json:"type"`
	Statuses   map[string]tunnel.StatusRecord `json:"statuses,omitempty"`
	Name       string                        `json:"name,omitempty"`
	Status     *tunnel.StatusRecord          `json:"status,omitempty"`
	Diagnostic *tunnel.DiagnosticResult      `json:"diagnostic,omitempty"`
	Error      string                        `json:"error,omitempty"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestRealtimeSendsInitialSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRealtime(t, srv)

	msg := readMessage(t, conn)
	if msg.Type != "tunnelStatus" {
		t.Errorf("Type = %q, want tunnelStatus", msg.Type)
	}
}

func TestRealtimeConnectToHostStartsTunnelAndBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRealtime(t, srv)
	readMessage(t, conn) // discard initial snapshot

	cfg := map[string]interface{}{
		"type": "connectToHost",
		"config": map[string]interface{}{
			"name": "db",
			"source": map[string]interface{}{
				"ip": "10.0.0.1", "user": "root", "password": "pw",
			},
			"remote": map[string]interface{}{
				"ip": "10.0.0.2", "user": "root", "password": "pw",
			},
		},
	}
	if err := conn.WriteJSON(cfg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == "individualTunnelStatus" && msg.Name == "db" && msg.Status != nil &&
			msg.Status.Status == tunnel.PhaseConnected {
			return
		}
	}
	t.Fatal("never observed db reach Connected over the realtime channel")
}

func TestRealtimeConnectToHostMissingConfigErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRealtime(t, srv)
	readMessage(t, conn) // discard initial snapshot

	if err := conn.WriteJSON(map[string]string{"type": "connectToHost"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "error" || !strings.Contains(msg.Error, "config") {
		t.Errorf("got %+v, want an error mentioning config", msg)
	}
}

func TestRealtimeUnknownMessageTypeErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRealtime(t, srv)
	readMessage(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "error" {
		t.Errorf("Type = %q, want error", msg.Type)
	}
}

func TestRealtimeDiagnoseUnknownTunnelErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRealtime(t, srv)
	readMessage(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "diagnose", "name": "nope"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "error" {
		t.Errorf("Type = %q, want error", msg.Type)
	}
}

func TestRealtimeGetTunnelStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRealtime(t, srv)
	readMessage(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "getTunnelStatus"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "tunnelStatus" {
		t.Errorf("Type = %q, want tunnelStatus", msg.Type)
	}
}

func TestRealtimeCloseTunnelEmptyNameErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRealtime(t, srv)
	readMessage(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "closeTunnel", "name": ""}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "error" {
		t.Errorf("Type = %q, want error", msg.Type)
	}
}
