package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"clinicq/internal/store"
)

type authContextKey struct{}

// AuthMiddleware resolves the caller's session before the handlers run.
// Public endpoints pass through without a session, but a presented session
// is still attached so the cancel handler can scope to the caller's clinic.
func AuthMiddleware(entries store.EntryStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)

		if isPublicEndpoint(r) {
			if sessionID != "" {
				if session, err := entries.GetSession(r.Context(), sessionID); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), authContextKey{}, session))
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		if sessionID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := entries.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(store.Session)
	return session, ok
}

func requireSession(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return store.Session{}, false
	}
	return session, true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	path := r.URL.Path
	switch {
	case path == "/healthz" || path == "/metrics":
		return true
	case strings.HasPrefix(path, "/realtime"):
		return true
	case path == "/api/queue/checkin":
		return r.Method == http.MethodPost
	case strings.HasPrefix(path, "/api/queue/status/"):
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/api/queue/display/"):
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/api/clinics/") && strings.HasSuffix(path, "/doctors"):
		return r.Method == http.MethodGet
	case strings.HasPrefix(path, "/api/queue/"):
		// Patients cancel their own check-in with the entry id alone.
		return r.Method == http.MethodDelete
	default:
		return r.Method == http.MethodOptions
	}
}
