package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey string

const clientIDKey contextKey = "clientID"

// AuthGate validates an inbound request and returns the identity to attach
// to its context, or ok=false to reject it. Per spec §1/§6, tunneld treats
// authentication as an externally-injected collaborator — this package
// ships one concrete implementation (a shared bearer secret) good enough
// for a single operator; a multi-tenant deployment supplies its own.
type AuthGate interface {
	Authenticate(r *http.Request) (clientID string, ok bool)
}

// SharedSecretGate accepts any request bearing "Authorization: Bearer
// <Secret>". An empty Secret disables the gate entirely (every request is
// accepted as "anonymous") — intended for local development only.
type SharedSecretGate struct {
	Secret string
}

func (g SharedSecretGate) Authenticate(r *http.Request) (string, bool) {
	if g.Secret == "" {
		return "anonymous", true
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	if parts[1] != g.Secret {
		return "", false
	}
	return "operator", true
}

// Auth wraps next so every request passes through gate first, attaching the
// resolved client ID to the request context on success.
func Auth(gate AuthGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, ok := gate.Authenticate(r)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), clientIDKey, clientID)
			log.Debug().Str("client_id", clientID).Msg("request authenticated")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientID extracts the authenticated client ID from context.
func ClientID(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok {
		return id
	}
	return ""
}
