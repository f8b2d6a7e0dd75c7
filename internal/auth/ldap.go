package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig describes how to reach the directory and what membership to require.
type LDAPConfig struct {
	// URL is the server address, ldap:// or ldaps://.
	URL string `json:"url"`
	// BindDN and BindPassword identify the privileged service account.
	BindDN       string `json:"bind_dn"`
	BindPassword string `json:"bind_password"`
	// BaseDN is the search root for user entries.
	BaseDN string `json:"base_dn"`
	// UserAttribute is matched against the login name, e.g. uid or sAMAccountName.
	UserAttribute string `json:"user_attribute"`
	// GroupFilter is an optional search filter template; ${USER} is replaced
	// by the escaped login. A non-empty result means the user is a member.
	GroupFilter string `json:"group_filter"`
	// GroupDN is looked up in MemberAttribute when GroupFilter is empty.
	GroupDN string `json:"group_dn"`
	// MemberAttribute holds the user's group DNs, memberOf by default.
	MemberAttribute string `json:"member_attribute"`
	// CAFile is an optional PEM bundle for ldaps:// servers.
	CAFile string `json:"ca_file"`
	// Timeout bounds each network operation.
	Timeout time.Duration `json:"timeout"`
}

// ldapConn is the subset of *ldap.Conn the directory uses.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

type dialFunc func(cfg LDAPConfig) (ldapConn, error)

// LDAPDirectory is a Directory backed by an LDAP server.
type LDAPDirectory struct {
	cfg  LDAPConfig
	dial dialFunc
}

// NewLDAPDirectory constructs an LDAPDirectory with defaults applied to cfg.
func NewLDAPDirectory(cfg LDAPConfig) *LDAPDirectory {
	if cfg.UserAttribute == "" {
		cfg.UserAttribute = "uid"
	}
	if cfg.MemberAttribute == "" {
		cfg.MemberAttribute = "memberOf"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &LDAPDirectory{cfg: cfg, dial: dialLDAP}
}

// open dials the directory and ties the connection to ctx: cancelling ctx
// closes it, which unblocks any pending Bind or Search. The returned release
// func closes the connection exactly once.
func (d *LDAPDirectory) open(ctx context.Context) (ldapConn, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	c, err := d.dial(d.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: connect: %v", ErrDirectory, err)
	}
	var once sync.Once
	closeConn := func() { once.Do(func() { _ = c.Close() }) }
	stop := context.AfterFunc(ctx, closeConn)
	return c, func() {
		stop()
		closeConn()
	}, nil
}

// Authenticate implements Directory. Both connections it opens are closed
// before it returns, whatever the outcome, and as soon as ctx is done.
func (d *LDAPDirectory) Authenticate(ctx context.Context, username, password string) (string, error) {
	admin, release, err := d.open(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if err := admin.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
		return "", fmt.Errorf("%w: service bind: %v", ErrDirectory, err)
	}

	res, err := admin.Search(ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, d.timeLimit(), false,
		fmt.Sprintf("(%s=%s)", d.cfg.UserAttribute, ldap.EscapeFilter(username)),
		[]string{"dn"},
		nil,
	))
	if err != nil {
		return "", fmt.Errorf("%w: user search: %v", ErrDirectory, err)
	}
	switch len(res.Entries) {
	case 0:
		return "", ErrUserNotFound
	case 1:
	default:
		return "", fmt.Errorf("%w: %d entries match %q", ErrDirectory, len(res.Entries), username)
	}
	userDN := res.Entries[0].DN

	user, releaseUser, err := d.open(ctx)
	if err != nil {
		return "", err
	}
	defer releaseUser()

	if err := user.Bind(userDN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("%w: user bind: %v", ErrDirectory, err)
	}

	member, err := d.isMember(user, username, userDN)
	if err != nil {
		return "", err
	}
	if !member {
		return "", ErrNotAuthorized
	}
	return userDN, nil
}

func (d *LDAPDirectory) isMember(c ldapConn, username, userDN string) (bool, error) {
	if d.cfg.GroupFilter != "" {
		filter := strings.ReplaceAll(d.cfg.GroupFilter, "${USER}", ldap.EscapeFilter(username))
		res, err := c.Search(ldap.NewSearchRequest(
			d.cfg.BaseDN,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, d.timeLimit(), false,
			filter,
			[]string{"dn"},
			nil,
		))
		if err != nil {
			return false, fmt.Errorf("%w: group search: %v", ErrDirectory, err)
		}
		return len(res.Entries) > 0, nil
	}

	res, err := c.Search(ldap.NewSearchRequest(
		userDN,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, d.timeLimit(), false,
		"(objectClass=*)",
		[]string{d.cfg.MemberAttribute},
		nil,
	))
	if err != nil {
		return false, fmt.Errorf("%w: membership lookup: %v", ErrDirectory, err)
	}
	if len(res.Entries) == 0 || d.cfg.GroupDN == "" {
		return false, nil
	}
	for _, g := range res.Entries[0].GetAttributeValues(d.cfg.MemberAttribute) {
		if strings.Contains(strings.ToLower(g), strings.ToLower(d.cfg.GroupDN)) {
			return true, nil
		}
	}
	return false, nil
}

func (d *LDAPDirectory) timeLimit() int {
	return int(d.cfg.Timeout / time.Second)
}

// conn adapts *ldap.Conn to ldapConn.
type conn struct {
	*ldap.Conn
}

func (c conn) Close() error {
	c.Conn.Close()
	return nil
}

func dialLDAP(cfg LDAPConfig) (ldapConn, error) {
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: cfg.Timeout})}
	if strings.HasPrefix(cfg.URL, "ldaps://") && cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in ca file")
		}
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}))
	}
	c, err := ldap.DialURL(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	c.SetTimeout(cfg.Timeout)
	return conn{c}, nil
}
