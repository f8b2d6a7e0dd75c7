// Package submission drives an upload through the security check, file
// ingest, metadata and quality-rule stages and turns it into a package for
// the approval queue.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ddp/uploadportal/internal/ingest"
	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/packaging"
	"github.com/ddp/uploadportal/internal/queue"
	"go.uber.org/zap"
)

// Stage is how far a draft has progressed.
type Stage string

const (
	StageSecurityCheck      Stage = "security_check"
	StageFileIngest         Stage = "file_ingest"
	StageMetadataCapture    Stage = "metadata_capture"
	StageQualityRuleCapture Stage = "quality_rule_capture"
	StageReadyToSubmit      Stage = "ready_to_submit"
	StageSubmitted          Stage = "submitted"
)

// TableParser extracts the columns and a row preview from an uploaded file.
type TableParser interface {
	Parse(data []byte, filename string) (ingest.Table, error)
}

// ApproverResolver answers who approves a user's uploads.
type ApproverResolver interface {
	ApproverOf(userID string) (string, bool)
}

// Enqueuer accepts finished packages.
type Enqueuer interface {
	Enqueue(ctx context.Context, pkg models.SubmissionPackage) error
}

// Builder creates drafts. It holds no per-draft state and is shared by all sessions.
type Builder struct {
	parser    TableParser
	approvers ApproverResolver
	queue     Enqueuer
	now       func() time.Time
	log       *zap.Logger
}

func NewBuilder(parser TableParser, approvers ApproverResolver, q Enqueuer, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{parser: parser, approvers: approvers, queue: q, now: time.Now, log: log}
}

// NewDraft starts an empty draft for uploaderID.
func (b *Builder) NewDraft(uploaderID string) *Draft {
	return &Draft{b: b, uploaderID: uploaderID}
}

type upload struct {
	filename string
	mimeType string
	data     []byte
	table    ingest.Table
}

// Draft is one submission being assembled. It is safe for concurrent use.
type Draft struct {
	b          *Builder
	uploaderID string

	mu           sync.Mutex
	attestation  *models.SecurityAttestation
	file         *upload
	metadata     models.ColumnMetadata
	rules        map[string]models.QualityRule
	metadataSeen bool
	rulesSeen    bool
	submittedID  string
}

// FileSummary describes the ingested file.
type FileSummary struct {
	Filename  string  `json:"filename"`
	MimeType  string  `json:"mime_type"`
	SizeBytes int64   `json:"size_bytes"`
	SizeMB    float64 `json:"size_mb"`
	RowCount  int     `json:"row_count"`
}

// State is a copy of a draft's current data.
type State struct {
	Stage               Stage                         `json:"stage"`
	Attestation         *models.SecurityAttestation   `json:"attestation,omitempty"`
	SecurityCheckPassed bool                          `json:"security_check_passed"`
	File                *FileSummary                  `json:"file,omitempty"`
	Columns             []string                      `json:"columns"`
	Preview             [][]string                    `json:"preview"`
	Metadata            models.ColumnMetadata         `json:"metadata"`
	QualityRules        map[string]models.QualityRule `json:"quality_rules"`
	PackageID           string                        `json:"package_id,omitempty"`
}

// UploaderID returns the owner of the draft.
func (d *Draft) UploaderID() string { return d.uploaderID }

func (d *Draft) passed() bool {
	return d.attestation != nil && d.attestation.Passed()
}

func (d *Draft) stage() Stage {
	switch {
	case d.submittedID != "":
		return StageSubmitted
	case !d.passed():
		return StageSecurityCheck
	case d.file == nil:
		return StageFileIngest
	case !d.metadataSeen:
		return StageMetadataCapture
	case !d.rulesSeen:
		return StageQualityRuleCapture
	default:
		return StageReadyToSubmit
	}
}

// Attest records the questionnaire answers. A failing attestation returns
// ErrSecurityCheckFailed and locks ingest and submit until a passing one.
func (d *Draft) Attest(a models.SecurityAttestation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submittedID != "" {
		return ErrAlreadySubmitted
	}
	d.attestation = &a
	if !a.Passed() {
		return ErrSecurityCheckFailed
	}
	return nil
}

// Ingest parses the uploaded file. On failure the draft is left as it was.
// On success metadata and quality rules start over for the new columns.
func (d *Draft) Ingest(filename, declaredType string, data []byte) error {
	filename = baseName(filename)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submittedID != "" {
		return ErrAlreadySubmitted
	}
	if !d.passed() {
		return ErrSecurityCheckRequired
	}

	table, err := d.b.parser.Parse(data, filename)
	if err != nil {
		return classifyParse(err)
	}
	d.file = &upload{
		filename: filename,
		mimeType: ingest.ContentType(declaredType, filename, data),
		data:     append([]byte(nil), data...),
		table:    table,
	}
	d.metadata = models.ColumnMetadata{}
	d.rules = map[string]models.QualityRule{}
	d.metadataSeen, d.rulesSeen = false, false
	d.b.log.Info("file ingested",
		zap.String("uploader", d.uploaderID),
		zap.String("filename", filename),
		zap.Int("columns", len(table.Columns)),
		zap.Int("rows", table.RowCount),
	)
	return nil
}

func classifyParse(err error) error {
	for _, known := range []error{ingest.ErrUnsupportedFormat, ingest.ErrEmptyFile, ingest.ErrParseFailure} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ingest.ErrParseFailure, err)
}

func baseName(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	if i := strings.LastIndex(filename, "/"); i >= 0 {
		filename = filename[i+1:]
	}
	return strings.TrimSpace(filename)
}

// editable reports why the draft cannot take annotations, if it cannot.
func (d *Draft) editable() error {
	switch {
	case d.submittedID != "":
		return ErrAlreadySubmitted
	case !d.passed():
		return ErrSecurityCheckRequired
	case d.file == nil:
		return fmt.Errorf("%w: no file ingested", ErrNotReady)
	}
	return nil
}

func (d *Draft) hasColumn(name string) bool {
	for _, c := range d.file.table.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// SetMetadata merges descriptions into the draft. A blank description
// removes the column's entry. Any unknown column rejects the whole update.
func (d *Draft) SetMetadata(partial map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.editable(); err != nil {
		return err
	}
	for col := range partial {
		if !d.hasColumn(col) {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, col)
		}
	}
	for col, desc := range partial {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			delete(d.metadata, col)
			continue
		}
		d.metadata[col] = desc
	}
	d.metadataSeen = true
	return nil
}

// SetQualityRules merges rules keyed by column. A rule without a kind clears
// the column. Any unknown column or invalid rule rejects the whole update.
func (d *Draft) SetQualityRules(partial map[string]models.QualityRule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.editable(); err != nil {
		return err
	}

	normalized := make(map[string]models.QualityRule, len(partial))
	for col, r := range partial {
		if !d.hasColumn(col) {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, col)
		}
		if r.Kind == "" {
			continue
		}
		r.Column = col
		v, err := r.Validate()
		if err != nil {
			return fmt.Errorf("column %q: %w", col, err)
		}
		normalized[col] = v
	}
	for col, r := range partial {
		if r.Kind == "" {
			delete(d.rules, col)
			continue
		}
		d.rules[col] = normalized[col]
	}
	d.rulesSeen = true
	return nil
}

// Submit packages the draft and hands it to the queue. The approver is
// resolved now; later directory changes do not affect the package. If any
// step fails nothing is enqueued and the draft stays editable.
func (d *Draft) Submit(ctx context.Context, comment string) (models.SubmissionPackage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submittedID != "" {
		return models.SubmissionPackage{}, ErrAlreadySubmitted
	}
	if !d.passed() {
		return models.SubmissionPackage{}, fmt.Errorf("%w: security check has not passed", ErrNotReady)
	}
	if d.file == nil {
		return models.SubmissionPackage{}, fmt.Errorf("%w: no file ingested", ErrNotReady)
	}

	approver, ok := d.b.approvers.ApproverOf(d.uploaderID)
	if !ok {
		return models.SubmissionPackage{}, fmt.Errorf("%w: %s", ErrNoApprover, d.uploaderID)
	}

	created := d.b.now()
	pkg := models.SubmissionPackage{
		ID:           fmt.Sprintf("%s_%s_%s", created.Format(queue.KeyStampLayout), d.uploaderID, d.file.filename),
		UploaderID:   d.uploaderID,
		ApproverID:   approver,
		Filename:     d.file.filename,
		FileBytes:    d.file.data,
		SizeBytes:    int64(len(d.file.data)),
		MimeType:     d.file.mimeType,
		Columns:      d.file.table.Columns,
		Metadata:     d.metadata,
		QualityRules: d.rules,
		Comment:      strings.TrimSpace(comment),
		Status:       models.StatusPendingApproval,
		CreatedAt:    created,
	}
	pkg = pkg.Clone()

	deliverable, err := packaging.Build(packaging.DescriptorFor(pkg), pkg.FileBytes)
	if err != nil {
		return models.SubmissionPackage{}, fmt.Errorf("build deliverable: %w", err)
	}
	pkg.Deliverable = deliverable

	if err := d.b.queue.Enqueue(ctx, pkg); err != nil {
		d.b.log.Warn("submission failed", zap.String("uploader", d.uploaderID), zap.Error(err))
		return models.SubmissionPackage{}, err
	}
	d.submittedID = pkg.ID
	return pkg.Clone(), nil
}

// State returns a snapshot of the draft.
func (d *Draft) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := State{
		Stage:               d.stage(),
		SecurityCheckPassed: d.passed(),
		Columns:             []string{},
		Preview:             [][]string{},
		Metadata:            d.metadata.Clone(),
		QualityRules:        models.CloneRules(d.rules),
		PackageID:           d.submittedID,
	}
	if d.attestation != nil {
		a := *d.attestation
		s.Attestation = &a
	}
	if d.file != nil {
		s.File = &FileSummary{
			Filename:  d.file.filename,
			MimeType:  d.file.mimeType,
			SizeBytes: int64(len(d.file.data)),
			SizeMB:    models.SizeMB(int64(len(d.file.data))),
			RowCount:  d.file.table.RowCount,
		}
		s.Columns = append(s.Columns, d.file.table.Columns...)
		for _, row := range d.file.table.Preview {
			s.Preview = append(s.Preview, append([]string(nil), row...))
		}
	}
	return s
}
