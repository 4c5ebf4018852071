package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSharedSecretGateEmptySecretAcceptsAll(t *testing.T) {
	gate := SharedSecretGate{}
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)

	id, ok := gate.Authenticate(req)
	if !ok || id != "anonymous" {
		t.Errorf("Authenticate() = (%q, %v), want (anonymous, true)", id, ok)
	}
}

func TestSharedSecretGateRejectsMissingHeader(t *testing.T) {
	gate := SharedSecretGate{Secret: "s3cret"}
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)

	if _, ok := gate.Authenticate(req); ok {
		t.Error("Authenticate(no header) = ok, want rejected")
	}
}

func TestSharedSecretGateRejectsWrongSecret(t *testing.T) {
	gate := SharedSecretGate{Secret: "s3cret"}
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	req.Header.Set("Authorization", "Bearer nope")

	if _, ok := gate.Authenticate(req); ok {
		t.Error("Authenticate(wrong secret) = ok, want rejected")
	}
}

func TestSharedSecretGateAcceptsCorrectSecret(t *testing.T) {
	gate := SharedSecretGate{Secret: "s3cret"}
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	req.Header.Set("Authorization", "Bearer s3cret")

	id, ok := gate.Authenticate(req)
	if !ok || id != "operator" {
		t.Errorf("Authenticate() = (%q, %v), want (operator, true)", id, ok)
	}
}

func TestAuthMiddlewareRejectsUnauthenticated(t *testing.T) {
	gate := SharedSecretGate{Secret: "s3cret"}
	handlerCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handlerCalled = true })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	Auth(gate)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if handlerCalled {
		t.Error("next handler was called despite failed auth")
	}
}

func TestAuthMiddlewareAttachesClientID(t *testing.T) {
	gate := SharedSecretGate{Secret: "s3cret"}
	var gotID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = ClientID(r.Context())
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	Auth(gate)(next).ServeHTTP(rec, req)

	if gotID != "operator" {
		t.Errorf("ClientID() in handler = %q, want %q", gotID, "operator")
	}
}

func TestClientIDEmptyWhenUnset(t *testing.T) {
	if got := ClientID(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "" {
		t.Errorf("ClientID(bare context) = %q, want empty", got)
	}
}
