// Package middleware provides HTTP middlewares for session lookup and logging.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ddp/uploadportal/internal/session"
)

type ctxKey string

const sessionKey ctxKey = "session"

// CookieName is the cookie carrying the session token for browser clients.
const CookieName = "portal_session"

// SessionLookup resolves a session token.
type SessionLookup interface {
	Lookup(token string) (*session.Session, bool)
}

// TokenFromRequest returns the bearer token, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// SessionAuth attaches the request's session to its context and rejects
// requests that carry no valid session token with 401.
//
// The session may still be waiting for its second factor; services decide
// what such a session is allowed to do.
func SessionAuth(sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessions.Lookup(TokenFromRequest(r))
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "session required"})
				return
			}
			setRequestUser(r.Context(), sess.UserID())
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the session stored by SessionAuth, or nil.
func SessionFromContext(ctx context.Context) *session.Session {
	if s, ok := ctx.Value(sessionKey).(*session.Session); ok {
		return s
	}
	return nil
}

// GetUserIDFromContext extracts the user ID of the request's session.
// Returns an empty string if there is none.
func GetUserIDFromContext(ctx context.Context) string {
	if s := SessionFromContext(ctx); s != nil {
		return s.UserID()
	}
	return ""
}
