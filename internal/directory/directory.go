// Package directory holds the static user → approver mapping and derives
// "who approves me" and "who do I approve" relations from it.
package directory

import (
	"errors"
	"sort"
	"sync"

	"github.com/ddp/uploadportal/internal/models"
)

// ErrUnknownUser is returned when a user is not part of the directory.
var ErrUnknownUser = errors.New("unknown user")

// Directory is a concurrency-safe approver mapping. Relations are direct
// lookups, so cyclic and self-referential approver graphs are fine.
type Directory struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// New builds a Directory from users. Later entries with the same ID win.
func New(users []models.User) *Directory {
	d := &Directory{users: make(map[string]models.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// User returns the user with the given ID.
func (d *Directory) User(id string) (models.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// ApproverOf returns the approver of userID, if one is assigned.
func (d *Directory) ApproverOf(userID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok || u.ApproverID == "" {
		return "", false
	}
	return u.ApproverID, true
}

// UsersApprovedBy returns, sorted, the IDs of users whose approver is userID.
func (d *Directory) UsersApprovedBy(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for id, u := range d.users {
		if u.ApproverID == userID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SetApprover reassigns the approver of userID. Packages already submitted
// keep the approver they were created with.
func (d *Directory) SetApprover(userID, approverID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	u.ApproverID = approverID
	d.users[userID] = u
	return nil
}

// DisplayName returns the display name of id, falling back to id itself.
func (d *Directory) DisplayName(id string) string {
	if u, ok := d.User(id); ok && u.DisplayName != "" {
		return u.DisplayName
	}
	return id
}
