// Package session keeps the server side state of each connected client:
// who it is, how far through authentication it got, the page it is on and
// its submission draft.
package session

import (
	"sync"
	"time"

	"github.com/ddp/uploadportal/internal/submission"
	"github.com/google/uuid"
)

// Page is a navigation target of the portal.
type Page string

const (
	PageHome      Page = "home"
	PageUpload    Page = "upload"
	PageApprovals Page = "approvals"
	PageHistory   Page = "history"
)

// Valid reports whether p is a known page.
func (p Page) Valid() bool {
	switch p {
	case PageHome, PageUpload, PageApprovals, PageHistory:
		return true
	}
	return false
}

// Session belongs to one client. Its methods are safe for concurrent use.
type Session struct {
	token   string
	userID  string
	entryDN string

	mu                   sync.Mutex
	authenticated        bool
	awaitingSecondFactor bool
	page                 Page
	draft                *submission.Draft
	lastSeen             time.Time
}

// Token is the opaque identifier handed to the client.
func (s *Session) Token() string { return s.token }

// UserID is the directory login the session was created for.
func (s *Session) UserID() string { return s.userID }

// EntryDN is the directory entry that passed the identity check.
func (s *Session) EntryDN() string { return s.entryDN }

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) AwaitingSecondFactor() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingSecondFactor
}

// MarkAuthenticated completes the second factor step.
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.awaitingSecondFactor = false
}

func (s *Session) Page() Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Session) SetPage(p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = p
}

// Draft returns the current draft, creating one with newDraft when there is none.
func (s *Session) Draft(newDraft func() *submission.Draft) *submission.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		s.draft = newDraft()
	}
	return s.draft
}

// ReplaceDraft swaps in d if the current draft is still old.
func (s *Session) ReplaceDraft(old, d *submission.Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == old {
		s.draft = d
	}
}

// LastSeen is the time of the last lookup of the session once it passed the
// second factor, or its creation time while the second factor is pending.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// touch refreshes the idle timer. A session still waiting for the second
// factor keeps its creation time, so retries cannot hold it open.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if !s.awaitingSecondFactor {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

// Store holds the live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session), now: time.Now}
}

// Create opens a session for a user who passed the identity gate.
// The session waits for the second factor.
func (st *Store) Create(userID, entryDN string) *Session {
	s := &Session{
		token:                uuid.NewString(),
		userID:               userID,
		entryDN:              entryDN,
		awaitingSecondFactor: true,
		page:                 PageHome,
		lastSeen:             st.now(),
	}
	st.mu.Lock()
	st.sessions[s.token] = s
	st.mu.Unlock()
	return s
}

// Get looks a session up by token and refreshes its idle timer once the
// second factor is done.
func (st *Store) Get(token string) (*Session, bool) {
	st.mu.RLock()
	s, ok := st.sessions[token]
	st.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.touch(st.now())
	return s, true
}

// Delete destroys a session. Unknown tokens are ignored.
func (st *Store) Delete(token string) {
	st.mu.Lock()
	delete(st.sessions, token)
	st.mu.Unlock()
}

// Reap removes sessions idle for longer than idle and reports how many went.
func (st *Store) Reap(idle time.Duration) int {
	cutoff := st.now().Add(-idle)
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for token, s := range st.sessions {
		if s.LastSeen().Before(cutoff) {
			delete(st.sessions, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
