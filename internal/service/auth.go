// Package service provides the portal's business logic: the authentication
// flow and the upload and approval workflow, both scoped to a session.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ddp/uploadportal/internal/auth"
	"github.com/ddp/uploadportal/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrUnauthenticated is returned when the session has not completed both gates.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrSecondFactorNotPending is returned by VerifyCode for sessions that
	// are not waiting for a code.
	ErrSecondFactorNotPending = errors.New("second factor not pending")
)

// IdentityChecker is the first authentication gate.
type IdentityChecker interface {
	Authenticate(ctx context.Context, username, password string) (auth.PendingIdentity, error)
}

// CodeChecker is the second authentication gate.
type CodeChecker interface {
	Verify(p auth.PendingIdentity, code string) (auth.AuthenticatedIdentity, error)
}

// SessionStore creates, finds and destroys client sessions.
type SessionStore interface {
	Create(userID, entryDN string) *session.Session
	Get(token string) (*session.Session, bool)
	Delete(token string)
}

// AuthService runs a client through the identity and second-factor gates.
type AuthService struct {
	identity IdentityChecker
	code     CodeChecker
	sessions SessionStore
	log      *zap.Logger
}

// NewAuthService constructs an AuthService.
func NewAuthService(identity IdentityChecker, code CodeChecker, sessions SessionStore, log *zap.Logger) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{identity: identity, code: code, sessions: sessions, log: log}
}

// Login checks credentials and opens a session awaiting the second factor.
func (s *AuthService) Login(ctx context.Context, username, password string) (*session.Session, error) {
	pending, err := s.identity.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	sess := s.sessions.Create(pending.Username, pending.EntryDN)
	s.log.Info("session opened", zap.String("user", pending.Username))
	return sess, nil
}

// VerifyCode completes authentication of sess. A wrong code leaves the
// session waiting for another attempt.
func (s *AuthService) VerifyCode(sess *session.Session, code string) error {
	if sess == nil {
		return ErrUnauthenticated
	}
	if !sess.AwaitingSecondFactor() {
		return ErrSecondFactorNotPending
	}
	id, err := s.code.Verify(auth.PendingIdentity{Username: sess.UserID(), EntryDN: sess.EntryDN()}, code)
	if err != nil {
		s.log.Info("second factor rejected", zap.String("user", sess.UserID()))
		return err
	}
	if id.Username != sess.UserID() {
		return fmt.Errorf("%w: identity mismatch", auth.ErrInvalidCode)
	}
	sess.MarkAuthenticated()
	s.log.Info("session authenticated", zap.String("user", id.Username))
	return nil
}

// Logout destroys the session behind token.
func (s *AuthService) Logout(token string) {
	s.sessions.Delete(token)
}

// Lookup returns the session for token, whatever its authentication state.
func (s *AuthService) Lookup(token string) (*session.Session, bool) {
	if token == "" {
		return nil, false
	}
	return s.sessions.Get(token)
}
