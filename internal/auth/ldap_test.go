package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// fakeConn records binds and answers searches from a scripted function.
type fakeConn struct {
	bindErr  func(user, pass string) error
	search   func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	closed   bool
	binds    []string
	requests []*ldap.SearchRequest
}

func (f *fakeConn) Bind(user, pass string) error {
	f.binds = append(f.binds, user)
	if f.bindErr != nil {
		return f.bindErr(user, pass)
	}
	return nil
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.requests = append(f.requests, req)
	return f.search(req)
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeServer struct {
	users   map[string]string   // login -> password
	groups  map[string][]string // login -> memberOf values
	dialErr error
	conns   []*fakeConn
}

func (s *fakeServer) dial(LDAPConfig) (ldapConn, error) {
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &fakeConn{
		bindErr: func(user, pass string) error {
			if user == "cn=admin,dc=example,dc=com" {
				if pass != "admin" {
					return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad admin"))
				}
				return nil
			}
			login := strings.TrimPrefix(strings.Split(user, ",")[0], "uid=")
			if s.users[login] != pass {
				return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))
			}
			return nil
		},
		search: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			if req.Scope == ldap.ScopeBaseObject {
				login := strings.TrimPrefix(strings.Split(req.BaseDN, ",")[0], "uid=")
				return &ldap.SearchResult{Entries: []*ldap.Entry{
					ldap.NewEntry(req.BaseDN, map[string][]string{"memberOf": s.groups[login]}),
				}}, nil
			}
			if strings.HasPrefix(req.Filter, "(&(cn=portal)") {
				login := strings.TrimSuffix(strings.TrimPrefix(req.Filter, "(&(cn=portal)(memberUid="), "))")
				for _, g := range s.groups[login] {
					if strings.HasPrefix(g, "cn=portal,") {
						return &ldap.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry(g, nil)}}, nil
					}
				}
				return &ldap.SearchResult{}, nil
			}
			login := strings.TrimSuffix(strings.TrimPrefix(req.Filter, "(uid="), ")")
			if _, ok := s.users[login]; !ok {
				return &ldap.SearchResult{}, nil
			}
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry("uid="+login+",ou=people,dc=example,dc=com", nil),
			}}, nil
		},
	}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) allClosed() bool {
	for _, c := range s.conns {
		if !c.closed {
			return false
		}
	}
	return true
}

func newTestDirectory(s *fakeServer, cfg LDAPConfig) *LDAPDirectory {
	cfg.BindDN = "cn=admin,dc=example,dc=com"
	cfg.BindPassword = "admin"
	cfg.BaseDN = "dc=example,dc=com"
	d := NewLDAPDirectory(cfg)
	d.dial = s.dial
	return d
}

func TestLDAPDirectory_Authenticate(t *testing.T) {
	groupDN := "cn=portal,ou=groups,dc=example,dc=com"
	tests := []struct {
		name     string
		cfg      LDAPConfig
		user     string
		pass     string
		wantErr  error
		wantDN   string
		wantConn int
	}{
		{
			name:     "member via attribute",
			cfg:      LDAPConfig{GroupDN: groupDN},
			user:     "okan",
			pass:     "secret",
			wantDN:   "uid=okan,ou=people,dc=example,dc=com",
			wantConn: 2,
		},
		{
			name:     "member via filter template",
			cfg:      LDAPConfig{GroupFilter: "(&(cn=portal)(memberUid=${USER}))"},
			user:     "okan",
			pass:     "secret",
			wantDN:   "uid=okan,ou=people,dc=example,dc=com",
			wantConn: 2,
		},
		{
			name:     "unknown user",
			cfg:      LDAPConfig{GroupDN: groupDN},
			user:     "ghost",
			pass:     "x",
			wantErr:  ErrUserNotFound,
			wantConn: 1,
		},
		{
			name:     "wrong password",
			cfg:      LDAPConfig{GroupDN: groupDN},
			user:     "okan",
			pass:     "wrong",
			wantErr:  ErrInvalidCredentials,
			wantConn: 2,
		},
		{
			name:     "not in group",
			cfg:      LDAPConfig{GroupDN: groupDN},
			user:     "emir",
			pass:     "hunter2",
			wantErr:  ErrNotAuthorized,
			wantConn: 2,
		},
		{
			name:     "not in group via filter",
			cfg:      LDAPConfig{GroupFilter: "(&(cn=portal)(memberUid=${USER}))"},
			user:     "emir",
			pass:     "hunter2",
			wantErr:  ErrNotAuthorized,
			wantConn: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeServer{
				users:  map[string]string{"okan": "secret", "emir": "hunter2"},
				groups: map[string][]string{"okan": {groupDN}, "emir": {"cn=other,ou=groups,dc=example,dc=com"}},
			}
			d := newTestDirectory(s, tt.cfg)

			dn, err := d.Authenticate(context.Background(), tt.user, tt.pass)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authenticate error = %v; want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Authenticate returned error: %v", err)
			}
			if dn != tt.wantDN {
				t.Errorf("dn = %q; want %q", dn, tt.wantDN)
			}
			if len(s.conns) != tt.wantConn {
				t.Errorf("opened %d connections; want %d", len(s.conns), tt.wantConn)
			}
			if !s.allClosed() {
				t.Error("expected every connection to be closed")
			}
		})
	}
}

func TestLDAPDirectory_EscapesFilter(t *testing.T) {
	s := &fakeServer{users: map[string]string{}}
	d := newTestDirectory(s, LDAPConfig{})

	_, err := d.Authenticate(context.Background(), "*)(uid=*", "x")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("error = %v; want ErrUserNotFound", err)
	}
	got := s.conns[0].requests[0].Filter
	if strings.Contains(got, "*)(") {
		t.Errorf("filter %q was not escaped", got)
	}
}

func TestLDAPDirectory_TransportErrors(t *testing.T) {
	s := &fakeServer{dialErr: errors.New("connection refused")}
	d := newTestDirectory(s, LDAPConfig{})
	_, err := d.Authenticate(context.Background(), "okan", "secret")
	if !errors.Is(err, ErrDirectory) || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("error = %v; want wrapped ErrDirectory", err)
	}

	s = &fakeServer{users: map[string]string{"okan": "secret"}}
	d = newTestDirectory(s, LDAPConfig{})
	d.cfg.BindPassword = "wrong"
	_, err = d.Authenticate(context.Background(), "okan", "secret")
	if !errors.Is(err, ErrDirectory) {
		t.Fatalf("service bind error = %v; want ErrDirectory", err)
	}
	if !s.allClosed() {
		t.Error("expected admin connection to be closed after bind failure")
	}
}

// hangingConn never answers a Bind until it is closed, like a server that
// accepted the TCP connection and then went silent.
type hangingConn struct {
	closed   chan struct{}
	once     sync.Once
	closures *atomic.Int32
}

func (c *hangingConn) Bind(string, string) error {
	<-c.closed
	return ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))
}

func (c *hangingConn) Search(*ldap.SearchRequest) (*ldap.SearchResult, error) {
	<-c.closed
	return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))
}

func (c *hangingConn) Close() error {
	c.once.Do(func() {
		c.closures.Add(1)
		close(c.closed)
	})
	return nil
}

func TestIdentityGate_TimeoutClosesDirectoryConnections(t *testing.T) {
	var opened, closed atomic.Int32
	d := NewLDAPDirectory(LDAPConfig{BindDN: "cn=admin,dc=example,dc=com", BindPassword: "admin"})
	d.dial = func(LDAPConfig) (ldapConn, error) {
		opened.Add(1)
		return &hangingConn{closed: make(chan struct{}), closures: &closed}, nil
	}
	gate := NewIdentityGate(d, 30*time.Millisecond, nil)

	start := time.Now()
	_, err := gate.Authenticate(context.Background(), "okan", "secret")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v; want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("gate returned after %v; want close to the timeout", elapsed)
	}
	if opened.Load() == 0 {
		t.Fatal("directory was never dialled")
	}
	if o, c := opened.Load(), closed.Load(); o != c {
		t.Errorf("opened %d connections, closed %d at return", o, c)
	}
}

func TestLDAPDirectory_CancelledContextSkipsDial(t *testing.T) {
	s := &fakeServer{users: map[string]string{"okan": "secret"}}
	d := newTestDirectory(s, LDAPConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Authenticate(ctx, "okan", "secret")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v; want context.Canceled", err)
	}
	if len(s.conns) != 0 {
		t.Errorf("dialled %d connections for a cancelled request", len(s.conns))
	}
}
