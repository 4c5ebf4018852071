package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tunnelkeeper/tunneld/internal/config"
	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

func newTestServer(secret string) *Server {
	cfg := &config.Config{AuthSharedSecret: secret, CORSAllowedOrigins: []string{"*"}}
	bus := tunnel.NewBroadcaster()
	sup := tunnel.NewSupervisor(tunnel.NewMemoryStore(), bus)
	ingress := tunnel.NewIngress(sup, tunnel.NewMemoryStore(), 100, 10)
	return New(cfg, ingress, bus)
}

func TestHealthAndReadyAreUnauthenticated(t *testing.T) {
	s := newTestServer("s3cret")

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		s.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestRealtimeRejectsWithoutAuth(t *testing.T) {
	s := newTestServer("s3cret")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRealtimeEmptySecretSkipsAuth(t *testing.T) {
	s := newTestServer("")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	s.router.ServeHTTP(rec, req)

	// With no shared secret the gate accepts the request; it then fails at
	// the websocket upgrade step (no Upgrade header on a plain GET), which
	// chi/gorilla report as 400, not 401 - proving auth was bypassed rather
	// than enforced.
	if rec.Code == http.StatusUnauthorized {
		t.Errorf("status = %d, want anything but 401 when no secret is configured", rec.Code)
	}
}

func TestShutdownWithoutStartIsNoop(t *testing.T) {
	s := newTestServer("s3cret")
	if err := s.Shutdown(nil); err != nil {
		t.Errorf("Shutdown() before Start() = %v, want nil", err)
	}
}
