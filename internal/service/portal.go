package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/session"
	"github.com/ddp/uploadportal/internal/submission"
	"go.uber.org/zap"
)

var (
	// ErrInvalidPage is returned when navigating to an unknown page.
	ErrInvalidPage = errors.New("unknown page")
	// ErrInvalidDecision is returned for decisions other than approve and reject.
	ErrInvalidDecision = errors.New("decision must be approve or reject")
)

// Decision is an approver's verdict on a package.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Approvals is the approval queue as seen by the portal.
type Approvals interface {
	PendingFor(approverID string) []models.SubmissionPackage
	Get(id, actorID string) (models.SubmissionPackage, error)
	Approve(ctx context.Context, id, actorID string) error
	Reject(ctx context.Context, id, actorID string) error
}

// HistoryReader returns the audit entries visible to a user.
type HistoryReader interface {
	ForUser(ctx context.Context, userID string) ([]models.HistoryEntry, error)
}

// Relations answers approver questions about users.
type Relations interface {
	ApproverOf(userID string) (string, bool)
	UsersApprovedBy(userID string) []string
	DisplayName(id string) string
}

// Profile describes the user behind a session.
type Profile struct {
	UserID               string       `json:"user_id"`
	DisplayName          string       `json:"display_name"`
	ApproverID           string       `json:"approver_id,omitempty"`
	ApproverName         string       `json:"approver_name,omitempty"`
	ApprovesFor          []string     `json:"approves_for"`
	Page                 session.Page `json:"page"`
	Authenticated        bool         `json:"authenticated"`
	AwaitingSecondFactor bool         `json:"awaiting_second_factor"`
}

// Navigation is the result of moving to a page.
type Navigation struct {
	Page session.Page `json:"page"`
	// ApprovesFor is filled on the approvals page.
	ApprovesFor []string `json:"approves_for,omitempty"`
}

// PortalService exposes the upload and approval workflow to an authenticated session.
type PortalService struct {
	builder   *submission.Builder
	approvals Approvals
	history   HistoryReader
	relations Relations
	log       *zap.Logger
}

// NewPortalService constructs a PortalService.
func NewPortalService(builder *submission.Builder, approvals Approvals, history HistoryReader, relations Relations, log *zap.Logger) *PortalService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PortalService{builder: builder, approvals: approvals, history: history, relations: relations, log: log}
}

func requireAuthenticated(sess *session.Session) error {
	if sess == nil || !sess.Authenticated() {
		return ErrUnauthenticated
	}
	return nil
}

func (s *PortalService) draft(sess *session.Session) *submission.Draft {
	return sess.Draft(func() *submission.Draft { return s.builder.NewDraft(sess.UserID()) })
}

// Me describes the session's user. It works before the second factor too.
func (s *PortalService) Me(sess *session.Session) (Profile, error) {
	if sess == nil {
		return Profile{}, ErrUnauthenticated
	}
	uid := sess.UserID()
	p := Profile{
		UserID:               uid,
		DisplayName:          s.relations.DisplayName(uid),
		ApprovesFor:          []string{},
		Page:                 sess.Page(),
		Authenticated:        sess.Authenticated(),
		AwaitingSecondFactor: sess.AwaitingSecondFactor(),
	}
	if !p.Authenticated {
		return p, nil
	}
	if approver, ok := s.relations.ApproverOf(uid); ok {
		p.ApproverID = approver
		p.ApproverName = s.relations.DisplayName(approver)
	}
	if users := s.relations.UsersApprovedBy(uid); len(users) > 0 {
		p.ApprovesFor = users
	}
	return p, nil
}

// Navigate moves the session to page.
func (s *PortalService) Navigate(sess *session.Session, page session.Page) (Navigation, error) {
	if err := requireAuthenticated(sess); err != nil {
		return Navigation{}, err
	}
	if !page.Valid() {
		return Navigation{}, fmt.Errorf("%w: %q", ErrInvalidPage, page)
	}
	sess.SetPage(page)
	nav := Navigation{Page: page}
	if page == session.PageApprovals {
		nav.ApprovesFor = s.relations.UsersApprovedBy(sess.UserID())
	}
	return nav, nil
}

// Draft returns the state of the session's current submission.
func (s *PortalService) Draft(sess *session.Session) (submission.State, error) {
	if err := requireAuthenticated(sess); err != nil {
		return submission.State{}, err
	}
	return s.draft(sess).State(), nil
}

// Attest records the security questionnaire. The returned state is valid
// even when err reports a failed check.
func (s *PortalService) Attest(sess *session.Session, a models.SecurityAttestation) (submission.State, error) {
	if err := requireAuthenticated(sess); err != nil {
		return submission.State{}, err
	}
	d := s.draft(sess)
	err := d.Attest(a)
	return d.State(), err
}

// Upload ingests a file into the current draft.
func (s *PortalService) Upload(sess *session.Session, filename, contentType string, data []byte) (submission.State, error) {
	if err := requireAuthenticated(sess); err != nil {
		return submission.State{}, err
	}
	d := s.draft(sess)
	err := d.Ingest(filename, contentType, data)
	return d.State(), err
}

// SetMetadata merges column descriptions into the current draft.
func (s *PortalService) SetMetadata(sess *session.Session, partial map[string]string) (submission.State, error) {
	if err := requireAuthenticated(sess); err != nil {
		return submission.State{}, err
	}
	d := s.draft(sess)
	err := d.SetMetadata(partial)
	return d.State(), err
}

// SetQualityRules merges quality rules into the current draft.
func (s *PortalService) SetQualityRules(sess *session.Session, partial map[string]models.QualityRule) (submission.State, error) {
	if err := requireAuthenticated(sess); err != nil {
		return submission.State{}, err
	}
	d := s.draft(sess)
	err := d.SetQualityRules(partial)
	return d.State(), err
}

// Submit sends the current draft for approval and starts a fresh one.
func (s *PortalService) Submit(ctx context.Context, sess *session.Session, comment string) (models.SubmissionPackage, error) {
	if err := requireAuthenticated(sess); err != nil {
		return models.SubmissionPackage{}, err
	}
	d := s.draft(sess)
	pkg, err := d.Submit(ctx, comment)
	if err != nil {
		return models.SubmissionPackage{}, err
	}
	sess.ReplaceDraft(d, s.builder.NewDraft(sess.UserID()))
	s.log.Info("submission sent", zap.String("package", pkg.ID), zap.String("approver", pkg.ApproverID))
	return pkg, nil
}

// ListPending returns the packages waiting for the session's user.
func (s *PortalService) ListPending(sess *session.Session) ([]models.SubmissionPackage, error) {
	if err := requireAuthenticated(sess); err != nil {
		return nil, err
	}
	return s.approvals.PendingFor(sess.UserID()), nil
}

// Decide approves or rejects package id on behalf of the session's user.
func (s *PortalService) Decide(ctx context.Context, sess *session.Session, id string, d Decision) error {
	if err := requireAuthenticated(sess); err != nil {
		return err
	}
	switch d {
	case DecisionApprove:
		return s.approvals.Approve(ctx, id, sess.UserID())
	case DecisionReject:
		return s.approvals.Reject(ctx, id, sess.UserID())
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
}

// Package returns package id to its uploader or approver.
func (s *PortalService) Package(sess *session.Session, id string) (models.SubmissionPackage, error) {
	if err := requireAuthenticated(sess); err != nil {
		return models.SubmissionPackage{}, err
	}
	return s.approvals.Get(id, sess.UserID())
}

// History returns the audit entries the session's user took part in.
func (s *PortalService) History(ctx context.Context, sess *session.Session) ([]models.HistoryEntry, error) {
	if err := requireAuthenticated(sess); err != nil {
		return nil, err
	}
	return s.history.ForUser(ctx, sess.UserID())
}
