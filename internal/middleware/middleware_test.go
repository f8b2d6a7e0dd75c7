package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ddp/uploadportal/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// dummyHandler records whether it was called and the context it received.
type dummyHandler struct {
	called bool
	ctx    context.Context
}

func (d *dummyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.called = true
	d.ctx = r.Context()
	w.WriteHeader(http.StatusOK)
}

type storeLookup struct{ store *session.Store }

func (s storeLookup) Lookup(token string) (*session.Session, bool) { return s.store.Get(token) }

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"none", func(*http.Request) {}, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"bearer lowercase", func(r *http.Request) { r.Header.Set("Authorization", "bearer  abc ") }, "abc"},
		{"basic ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, ""},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "xyz"}) }, "xyz"},
		{"header wins", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer abc")
			r.AddCookie(&http.Cookie{Name: CookieName, Value: "xyz"})
		}, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/me", nil)
			tt.setup(req)
			if got := TokenFromRequest(req); got != tt.want {
				t.Errorf("TokenFromRequest = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestSessionAuth_NoSession(t *testing.T) {
	dummy := &dummyHandler{}
	h := SessionAuth(storeLookup{session.NewStore()})(dummy)

	for _, token := range []string{"", "unknown"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/me", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		h.ServeHTTP(rec, req)
		if dummy.called {
			t.Error("did not expect next handler to be called without a session")
		}
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401 Unauthorized, got %d", rec.Code)
		}
	}
}

func TestSessionAuth_ValidSession(t *testing.T) {
	store := session.NewStore()
	sess := store.Create("alice", "uid=alice")
	dummy := &dummyHandler{}
	h := SessionAuth(storeLookup{store})(dummy)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: sess.Token()})
	h.ServeHTTP(rec, req)

	if !dummy.called {
		t.Fatal("expected next handler to be called with a valid session")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 OK, got %d", rec.Code)
	}
	if got := SessionFromContext(dummy.ctx); got != sess {
		t.Errorf("context session = %v; want %v", got, sess)
	}
	if user := GetUserIDFromContext(dummy.ctx); user != "alice" {
		t.Errorf("expected context user 'alice', got '%s'", user)
	}
}

func TestGetUserIDFromContext(t *testing.T) {
	if empty := GetUserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string for missing user, got '%s'", empty)
	}
	if s := SessionFromContext(context.Background()); s != nil {
		t.Errorf("expected nil session, got %v", s)
	}
}

func TestWithRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := WithRequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", nil))

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["method"] != "POST" || fields["path"] != "/api/login" {
		t.Errorf("unexpected method/path fields: %v", fields)
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status field = %v; want %d", fields["status"], http.StatusTeapot)
	}
	if fields["bytes"] != int64(len("short and stout")) {
		t.Errorf("bytes field = %v; want %d", fields["bytes"], len("short and stout"))
	}
}

func TestWithRequestLogging_SessionUser(t *testing.T) {
	store := session.NewStore()
	sess := store.Create("okan", "uid=okan")
	core, logs := observer.New(zap.InfoLevel)
	h := WithRequestLogging(zap.New(core))(SessionAuth(storeLookup{store})(&dummyHandler{}))

	req := httptest.NewRequest("GET", "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token())
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if user := entries[0].ContextMap()["user"]; user != "okan" {
		t.Errorf("user field = %v; want okan", user)
	}
}
