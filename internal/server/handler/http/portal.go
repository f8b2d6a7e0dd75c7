package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ddp/uploadportal/internal/middleware"
	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/service"
	"github.com/ddp/uploadportal/internal/session"
	"github.com/ddp/uploadportal/internal/submission"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// MaxUploadBytes caps the size of an uploaded file.
const MaxUploadBytes = 200 << 20

// PortalService defines the workflow operations required by the HTTP handlers.
type PortalService interface {
	Me(sess *session.Session) (service.Profile, error)
	Navigate(sess *session.Session, page session.Page) (service.Navigation, error)
	Draft(sess *session.Session) (submission.State, error)
	Attest(sess *session.Session, a models.SecurityAttestation) (submission.State, error)
	Upload(sess *session.Session, filename, contentType string, data []byte) (submission.State, error)
	SetMetadata(sess *session.Session, partial map[string]string) (submission.State, error)
	SetQualityRules(sess *session.Session, partial map[string]models.QualityRule) (submission.State, error)
	Submit(ctx context.Context, sess *session.Session, comment string) (models.SubmissionPackage, error)
	ListPending(sess *session.Session) ([]models.SubmissionPackage, error)
	Decide(ctx context.Context, sess *session.Session, id string, d service.Decision) error
	Package(sess *session.Session, id string) (models.SubmissionPackage, error)
	History(ctx context.Context, sess *session.Session) ([]models.HistoryEntry, error)
}

// PortalHandler serves the upload, approval and history endpoints.
type PortalHandler struct {
	PortalService PortalService
	Log           *zap.Logger
}

// PageRequest is the JSON payload of PUT /api/page.
type PageRequest struct {
	Page session.Page `json:"page"`
}

// SubmitRequest is the JSON payload of POST /api/submission.
type SubmitRequest struct {
	Comment string `json:"comment"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func current(r *http.Request) *session.Session {
	return middleware.SessionFromContext(r.Context())
}

func (h *PortalHandler) state(w http.ResponseWriter, st submission.State, err error) {
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Me returns the profile of the session's user.
func (h *PortalHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := h.PortalService.Me(current(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Navigate moves the session to another page.
func (h *PortalHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req PageRequest
	if !decode(w, r, &req) {
		return
	}
	nav, err := h.PortalService.Navigate(current(r), req.Page)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

// Draft returns the current submission draft.
func (h *PortalHandler) Draft(w http.ResponseWriter, r *http.Request) {
	st, err := h.PortalService.Draft(current(r))
	h.state(w, st, err)
}

// Attest records the security questionnaire.
func (h *PortalHandler) Attest(w http.ResponseWriter, r *http.Request) {
	var req models.SecurityAttestation
	if !decode(w, r, &req) {
		return
	}
	st, err := h.PortalService.Attest(current(r), req)
	h.state(w, st, err)
}

// Upload ingests the multipart field "file" into the draft.
func (h *PortalHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeMessage(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	st, err := h.PortalService.Upload(current(r), header.Filename, header.Header.Get("Content-Type"), data)
	h.state(w, st, err)
}

// SetMetadata merges column descriptions, keyed by column name.
func (h *PortalHandler) SetMetadata(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !decode(w, r, &req) {
		return
	}
	st, err := h.PortalService.SetMetadata(current(r), req)
	h.state(w, st, err)
}

// SetQualityRules merges quality rules, keyed by column name.
func (h *PortalHandler) SetQualityRules(w http.ResponseWriter, r *http.Request) {
	var req map[string]models.QualityRule
	if !decode(w, r, &req) {
		return
	}
	st, err := h.PortalService.SetQualityRules(current(r), req)
	h.state(w, st, err)
}

// Submit sends the draft for approval.
func (h *PortalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	pkg, err := h.PortalService.Submit(r.Context(), current(r), req.Comment)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

// Pending lists the packages waiting for the session's user.
func (h *PortalHandler) Pending(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.PortalService.ListPending(current(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

// Download streams the zip deliverable of a package.
func (h *PortalHandler) Download(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.PortalService.Package(current(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg.Filename+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pkg.Deliverable)
}

// Approve pushes a package to object storage.
func (h *PortalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, service.DecisionApprove)
}

// Reject declines a package.
func (h *PortalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, service.DecisionReject)
}

func (h *PortalHandler) decide(w http.ResponseWriter, r *http.Request, d service.Decision) {
	id := chi.URLParam(r, "id")
	if err := h.PortalService.Decide(r.Context(), current(r), id, d); err != nil {
		writeError(w, h.Log, err)
		return
	}
	pkg, err := h.PortalService.Package(current(r), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

// History returns the audit entries of the session's user.
func (h *PortalHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.PortalService.History(r.Context(), current(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
