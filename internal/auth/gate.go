// Package auth implements the two authentication gates of the portal:
// the identity gate backed by a directory service and the second-factor gate.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Directory verifies credentials and group membership.
// On success it returns the distinguished name of the user's entry.
// Implementations must return promptly once ctx is done.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// PendingIdentity is a user who passed the identity gate but not yet the second factor.
type PendingIdentity struct {
	Username string
	EntryDN  string
}

// AuthenticatedIdentity is a user who passed both gates.
type AuthenticatedIdentity struct {
	Username string
}

// DefaultTimeout bounds a directory check when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// IdentityGate checks credentials against a Directory within a timeout.
type IdentityGate struct {
	dir     Directory
	timeout time.Duration
	log     *zap.Logger
}

// NewIdentityGate constructs an IdentityGate. A non-positive timeout means DefaultTimeout.
func NewIdentityGate(dir Directory, timeout time.Duration, log *zap.Logger) *IdentityGate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityGate{dir: dir, timeout: timeout, log: log}
}

// Authenticate runs the directory check. Every failure is one of the package's
// sentinel errors; unclassified directory faults become ErrDirectory.
func (g *IdentityGate) Authenticate(ctx context.Context, username, password string) (PendingIdentity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return PendingIdentity{}, fmt.Errorf("%w: username and password are required", ErrInvalidCredentials)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		dn  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrDirectory, r)}
			}
		}()
		dn, err := g.dir.Authenticate(ctx, username, password)
		done <- result{dn: dn, err: err}
	}()

	// The directory closes its connections once ctx is done, so the result
	// arrives promptly after a timeout and nothing outlives this call.
	r := <-done
	if r.err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.log.Warn("directory check timed out", zap.String("user", username), zap.Duration("timeout", g.timeout))
			return PendingIdentity{}, ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return PendingIdentity{}, fmt.Errorf("%w: %v", ErrDirectory, err)
		}
		err := classify(r.err)
		g.log.Info("identity check failed", zap.String("user", username), zap.Error(err))
		return PendingIdentity{}, err
	}
	g.log.Info("identity check passed", zap.String("user", username))
	return PendingIdentity{Username: username, EntryDN: r.dn}, nil
}

func classify(err error) error {
	for _, known := range []error{ErrUserNotFound, ErrInvalidCredentials, ErrNotAuthorized, ErrDirectory, ErrTimeout} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrDirectory, err)
}
