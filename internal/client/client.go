// Package client is a Go client for the portal HTTP API. The session token
// is kept in a file so successive CLI invocations share one session.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ddp/uploadportal/internal/certgen"
	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/service"
	"github.com/ddp/uploadportal/internal/session"
	"github.com/ddp/uploadportal/internal/submission"
)

// ErrNoSession is returned when a call needs a token and none is saved.
var ErrNoSession = errors.New("not logged in")

// APIError is a non-2xx answer of the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// CAFile, when set, is the only root trusted for the server certificate.
	CAFile string
	// TokenFile stores the session token between invocations.
	TokenFile string
	Timeout   time.Duration
}

// Client talks to one portal server.
type Client struct {
	http      *http.Client
	baseURL   string
	tokenFile string
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CAFile != "" {
		pool, err := certgen.LoadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return NewWithHTTPClient(&http.Client{Transport: transport, Timeout: timeout}, cfg.BaseURL, cfg.TokenFile), nil
}

// NewWithHTTPClient builds a Client on top of hc.
func NewWithHTTPClient(hc *http.Client, baseURL, tokenFile string) *Client {
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/"), tokenFile: tokenFile}
}

// Token returns the saved session token, or "" when there is none.
func (c *Client) Token() string {
	if c.tokenFile == "" {
		return ""
	}
	b, err := os.ReadFile(c.tokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (c *Client) saveToken(token string) error {
	if c.tokenFile == "" {
		return nil
	}
	if dir := filepath.Dir(c.tokenFile); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}
	if err := os.WriteFile(c.tokenFile, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (c *Client) clearToken() error {
	if c.tokenFile == "" {
		return nil
	}
	if err := os.Remove(c.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}

// do sends a request and returns the raw body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, authed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authed {
		token := c.Token()
		if token == "" {
			return nil, ErrNoSession
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.Error == "" {
			msg.Error = strings.TrimSpace(string(data))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg.Error}
	}
	return data, nil
}

// call sends in as JSON and decodes the response into out when out is not nil.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	return c.callAuth(ctx, method, path, in, out, true)
}

func (c *Client) callAuth(ctx context.Context, method, path string, in, out any, authed bool) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	data, err := c.do(ctx, method, path, contentType, body, authed)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

// Login opens a session and saves its token. The session must still pass
// Verify before it can be used.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	in := map[string]string{"username": username, "password": password}
	if err := c.callAuth(ctx, http.MethodPost, "/api/login", in, &resp, false); err != nil {
		return err
	}
	if resp.Token == "" {
		return errors.New("invalid response: missing token")
	}
	return c.saveToken(resp.Token)
}

// Verify submits the second-factor code of the saved session.
func (c *Client) Verify(ctx context.Context, code string) error {
	return c.call(ctx, http.MethodPost, "/api/verify", map[string]string{"code": code}, nil)
}

// Logout ends the saved session and forgets its token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, "/api/logout", nil, nil)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized) {
		return err
	}
	return c.clearToken()
}

// Me returns the profile of the session user.
func (c *Client) Me(ctx context.Context) (service.Profile, error) {
	var p service.Profile
	err := c.call(ctx, http.MethodGet, "/api/me", nil, &p)
	return p, err
}

// Navigate moves the session to page.
func (c *Client) Navigate(ctx context.Context, page session.Page) (service.Navigation, error) {
	var nav service.Navigation
	err := c.call(ctx, http.MethodPut, "/api/page", map[string]session.Page{"page": page}, &nav)
	return nav, err
}

// Draft returns the current submission draft.
func (c *Client) Draft(ctx context.Context) (submission.State, error) {
	var st submission.State
	err := c.call(ctx, http.MethodGet, "/api/submission", nil, &st)
	return st, err
}

// Attest answers the security questionnaire.
func (c *Client) Attest(ctx context.Context, a models.SecurityAttestation) (submission.State, error) {
	var st submission.State
	err := c.call(ctx, http.MethodPost, "/api/submission/attestation", a, &st)
	return st, err
}

// Upload sends data as the draft's file.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (submission.State, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return submission.State{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return submission.State{}, err
	}
	if err := mw.Close(); err != nil {
		return submission.State{}, err
	}

	raw, err := c.do(ctx, http.MethodPost, "/api/submission/file", mw.FormDataContentType(), &buf, true)
	if err != nil {
		return submission.State{}, err
	}
	var st submission.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return submission.State{}, fmt.Errorf("invalid response: %w", err)
	}
	return st, nil
}

// SetMetadata merges column descriptions into the draft.
func (c *Client) SetMetadata(ctx context.Context, partial map[string]string) (submission.State, error) {
	var st submission.State
	err := c.call(ctx, http.MethodPut, "/api/submission/metadata", partial, &st)
	return st, err
}

// SetQualityRules merges quality rules into the draft.
func (c *Client) SetQualityRules(ctx context.Context, partial map[string]models.QualityRule) (submission.State, error) {
	var st submission.State
	err := c.call(ctx, http.MethodPut, "/api/submission/rules", partial, &st)
	return st, err
}

// Submit sends the draft for approval.
func (c *Client) Submit(ctx context.Context, comment string) (models.SubmissionPackage, error) {
	var pkg models.SubmissionPackage
	err := c.call(ctx, http.MethodPost, "/api/submission", map[string]string{"comment": comment}, &pkg)
	return pkg, err
}

// Pending lists the packages waiting for the session user.
func (c *Client) Pending(ctx context.Context) ([]models.SubmissionPackage, error) {
	var pkgs []models.SubmissionPackage
	err := c.call(ctx, http.MethodGet, "/api/approvals", nil, &pkgs)
	return pkgs, err
}

// Approve approves package id.
func (c *Client) Approve(ctx context.Context, id string) (models.SubmissionPackage, error) {
	return c.decide(ctx, id, "approve")
}

// Reject rejects package id.
func (c *Client) Reject(ctx context.Context, id string) (models.SubmissionPackage, error) {
	return c.decide(ctx, id, "reject")
}

func (c *Client) decide(ctx context.Context, id, verb string) (models.SubmissionPackage, error) {
	var pkg models.SubmissionPackage
	err := c.call(ctx, http.MethodPost, "/api/approvals/"+url.PathEscape(id)+"/"+verb, nil, &pkg)
	return pkg, err
}

// Download returns the zip deliverable of package id.
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/approvals/"+url.PathEscape(id)+"/package", "", nil, true)
	return data, err
}

// History returns the audit entries of the session user.
func (c *Client) History(ctx context.Context) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	err := c.call(ctx, http.MethodGet, "/api/history", nil, &entries)
	return entries, err
}
