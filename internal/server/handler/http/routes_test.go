package http

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ddp/uploadportal/internal/audit"
	"github.com/ddp/uploadportal/internal/auth"
	"github.com/ddp/uploadportal/internal/directory"
	"github.com/ddp/uploadportal/internal/ingest"
	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/packaging"
	"github.com/ddp/uploadportal/internal/queue"
	"github.com/ddp/uploadportal/internal/service"
	"github.com/ddp/uploadportal/internal/session"
	"github.com/ddp/uploadportal/internal/storage"
	"github.com/ddp/uploadportal/internal/submission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type portalServer struct {
	*httptest.Server
	store *storage.MemoryStore
}

func newPortalServer(t *testing.T) *portalServer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	dir := directory.New([]models.User{
		{ID: "okan", DisplayName: "Okan", ApproverID: "emir"},
		{ID: "emir", DisplayName: "Emir", ApproverID: "okan"},
	})
	static := auth.NewStaticDirectory([]auth.StaticCredential{
		{Username: "okan", PasswordHash: string(hash), Member: true},
		{Username: "emir", PasswordHash: string(hash), Member: true},
		{Username: "guest", PasswordHash: string(hash)},
	})
	history := audit.NewLog(audit.NewMemoryStore(), nil)
	store := storage.NewMemoryStore()
	q := queue.New(store, history, dir, time.Second, nil)
	builder := submission.NewBuilder(ingest.NewParser(), dir, q, nil)

	authSvc := service.NewAuthService(
		auth.NewIdentityGate(static, time.Second, nil),
		auth.NewSecondFactorGate(auth.StaticCode("123456")),
		session.NewStore(),
		nil,
	)
	portalSvc := service.NewPortalService(builder, q, history, dir, nil)

	router := NewRouter(
		&AuthHandler{AuthService: authSvc, Log: zap.NewNop()},
		&PortalHandler{PortalService: portalSvc, Log: zap.NewNop()},
		zap.NewNop(),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &portalServer{Server: srv, store: store}
}

func (s *portalServer) call(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.do(t, req, token)
}

func (s *portalServer) do(t *testing.T, req *http.Request, token string) (*http.Response, []byte) {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *portalServer) upload(t *testing.T, token, filename string, data []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/submission/file", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(t, req, token)
}

func (s *portalServer) login(t *testing.T, user string) string {
	t.Helper()
	resp, body := s.call(t, http.MethodPost, "/api/login", "", LoginRequest{Username: user, Password: "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var lr LoginResponse
	require.NoError(t, json.Unmarshal(body, &lr))
	require.True(t, lr.AwaitingSecondFactor)

	resp, body = s.call(t, http.MethodPost, "/api/verify", lr.Token, VerifyRequest{Code: "123456"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return lr.Token
}

func TestRouter_RequiresSession(t *testing.T) {
	s := newPortalServer(t)

	for _, path := range []string{"/api/me", "/api/submission", "/api/approvals", "/api/history"} {
		resp, body := s.call(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Contains(t, string(body), "session required")
	}

	resp, _ := s.call(t, http.MethodGet, "/api/me", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_LoginGates(t *testing.T) {
	s := newPortalServer(t)

	resp, _ := s.call(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "okan", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "guest", Password: "pw"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := s.call(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "okan", Password: "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr LoginResponse
	require.NoError(t, json.Unmarshal(body, &lr))

	// Before the second factor only the profile is visible.
	resp, body = s.call(t, http.MethodGet, "/api/me", lr.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"awaiting_second_factor":true`)
	resp, _ = s.call(t, http.MethodGet, "/api/submission", lr.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPost, "/api/verify", lr.Token, VerifyRequest{Code: "000000"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = s.call(t, http.MethodPost, "/api/verify", lr.Token, VerifyRequest{Code: "123456"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.call(t, http.MethodPost, "/api/verify", lr.Token, VerifyRequest{Code: "123456"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPost, "/api/logout", lr.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.call(t, http.MethodGet, "/api/me", lr.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_Navigate(t *testing.T) {
	s := newPortalServer(t)
	emir := s.login(t, "emir")

	resp, body := s.call(t, http.MethodPut, "/api/page", emir, PageRequest{Page: session.PageApprovals})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var nav service.Navigation
	require.NoError(t, json.Unmarshal(body, &nav))
	assert.Equal(t, []string{"okan"}, nav.ApprovesFor)

	resp, _ = s.call(t, http.MethodPut, "/api/page", emir, PageRequest{Page: "settings"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, s.URL+"/api/page", strings.NewReader("page=home"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, _ = s.do(t, req, emir)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestRouter_SubmissionGating(t *testing.T) {
	s := newPortalServer(t)
	okan := s.login(t, "okan")

	resp, _ := s.upload(t, okan, "data.csv", []byte("a,b\n1,2\n"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPost, "/api/submission/attestation", okan, models.SecurityAttestation{PersonalData: true})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPost, "/api/submission/attestation", okan, models.SecurityAttestation{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.upload(t, okan, "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPost, "/api/submission", okan, SubmitRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/submission/file", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, _ = s.do(t, req, okan)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_EndToEnd(t *testing.T) {
	s := newPortalServer(t)
	okan := s.login(t, "okan")
	emir := s.login(t, "emir")

	resp, _ := s.call(t, http.MethodPost, "/api/submission/attestation", okan, models.SecurityAttestation{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.upload(t, okan, "sales.csv", []byte("region;amount\nnorth;10\nsouth;20\n"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var state submission.State
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, []string{"region", "amount"}, state.Columns)
	assert.Equal(t, submission.StageMetadataCapture, state.Stage)
	require.NotNil(t, state.File)
	assert.Equal(t, 2, state.File.RowCount)

	resp, _ = s.call(t, http.MethodPut, "/api/submission/metadata", okan, map[string]string{"missing": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = s.call(t, http.MethodPut, "/api/submission/metadata", okan, map[string]string{"region": "sales region"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.call(t, http.MethodPut, "/api/submission/rules", okan, map[string]models.QualityRule{
		"amount": {Kind: models.RuleNotNull},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, submission.StageReadyToSubmit, state.Stage)

	resp, body = s.call(t, http.MethodPost, "/api/submission", okan, SubmitRequest{Comment: "monthly"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var pkg models.SubmissionPackage
	require.NoError(t, json.Unmarshal(body, &pkg))
	assert.Equal(t, "emir", pkg.ApproverID)
	assert.Equal(t, models.StatusPendingApproval, pkg.Status)

	// A fresh draft replaces the submitted one.
	resp, body = s.call(t, http.MethodGet, "/api/submission", okan, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, submission.StageSecurityCheck, state.Stage)

	resp, body = s.call(t, http.MethodGet, "/api/approvals", emir, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []models.SubmissionPackage
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, pkg.ID, pending[0].ID)

	resp, body = s.call(t, http.MethodGet, "/api/approvals", okan, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &pending))
	assert.Empty(t, pending)

	resp, body = s.call(t, http.MethodGet, "/api/approvals/"+pkg.ID+"/package", emir, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "sales.csv.zip")
	d, file, err := packaging.Open(body)
	require.NoError(t, err)
	assert.Equal(t, "monthly", d.Comment)
	assert.Equal(t, "sales region", d.Metadata["region"])
	assert.Contains(t, string(file), "north;10")

	resp, _ = s.call(t, http.MethodPost, "/api/approvals/"+pkg.ID+"/approve", okan, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = s.call(t, http.MethodPost, "/api/approvals/unknown/approve", emir, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.call(t, http.MethodPost, "/api/approvals/"+pkg.ID+"/approve", emir, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &pkg))
	assert.Equal(t, models.StatusApproved, pkg.Status)

	obj, ok := s.store.Get(queue.StorageKey(pkg))
	require.True(t, ok)
	assert.Equal(t, "application/zip", obj.ContentType)

	resp, _ = s.call(t, http.MethodPost, "/api/approvals/"+pkg.ID+"/reject", emir, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	for _, token := range []string{okan, emir} {
		resp, body = s.call(t, http.MethodGet, "/api/history", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []models.HistoryEntry
		require.NoError(t, json.Unmarshal(body, &entries))
		require.Len(t, entries, 2)
		assert.Equal(t, models.ActionFileApproved, entries[0].Action)
		assert.Equal(t, models.ActionUploadSubmitted, entries[1].Action)
	}
}
