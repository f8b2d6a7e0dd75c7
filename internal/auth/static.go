package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// StaticCredential is a locally configured login for development setups
// without a directory server.
type StaticCredential struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	// Member marks the user as part of the group allowed to use the portal.
	Member bool `json:"member"`
}

// StaticDirectory is a Directory over a fixed set of bcrypt-hashed credentials.
type StaticDirectory struct {
	creds map[string]StaticCredential
}

// NewStaticDirectory builds a StaticDirectory from creds.
func NewStaticDirectory(creds []StaticCredential) *StaticDirectory {
	d := &StaticDirectory{creds: make(map[string]StaticCredential, len(creds))}
	for _, c := range creds {
		d.creds[c.Username] = c
	}
	return d
}

// Authenticate implements Directory.
func (d *StaticDirectory) Authenticate(_ context.Context, username, password string) (string, error) {
	c, ok := d.creds[username]
	if !ok {
		return "", ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("%w: %v", ErrDirectory, err)
	}
	if !c.Member {
		return "", ErrNotAuthorized
	}
	return "uid=" + username, nil
}
