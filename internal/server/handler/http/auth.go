// Package http exposes the portal workflow over a JSON HTTP API.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ddp/uploadportal/internal/middleware"
	"github.com/ddp/uploadportal/internal/session"
	"go.uber.org/zap"
)

// AuthService defines the authentication operations required by the HTTP handlers.
type AuthService interface {
	// Login checks credentials and opens a session awaiting the second factor.
	Login(ctx context.Context, username, password string) (*session.Session, error)
	// VerifyCode completes the second factor of sess.
	VerifyCode(sess *session.Session, code string) error
	// Logout destroys the session behind token.
	Logout(token string)
	// Lookup resolves a session token.
	Lookup(token string) (*session.Session, bool)
}

// AuthHandler handles login, second-factor and logout requests.
type AuthHandler struct {
	AuthService AuthService
	// SecureCookie marks the session cookie Secure; set when serving TLS.
	SecureCookie bool
	Log          *zap.Logger
}

// LoginRequest is the JSON payload of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the session token for non-browser clients.
type LoginResponse struct {
	Token                string `json:"token"`
	AwaitingSecondFactor bool   `json:"awaiting_second_factor"`
}

// VerifyRequest is the JSON payload of POST /api/verify.
type VerifyRequest struct {
	Code string `json:"code"`
}

// Login runs the identity gate. On success the token is returned in the
// body and as the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return
	}

	sess, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    sess.Token(),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, LoginResponse{Token: sess.Token(), AwaitingSecondFactor: sess.AwaitingSecondFactor()})
}

// Verify runs the second-factor gate for the request's session.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.AuthService.VerifyCode(middleware.SessionFromContext(r.Context()), req.Code); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Logout destroys the request's session and clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := middleware.SessionFromContext(r.Context()); sess != nil {
		h.AuthService.Logout(sess.Token())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.SecureCookie,
	})
	w.WriteHeader(http.StatusNoContent)
}
