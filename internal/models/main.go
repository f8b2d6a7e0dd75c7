// Package models defines the core data structures shared by the portal:
// users, security attestations, column annotations, submission packages
// and history entries.
package models

import "time"

// User represents a portal user and the counterpart who approves their uploads.
type User struct {
	// ID is the directory login of the user.
	ID string `json:"id"`
	// DisplayName is the human readable name shown to counterparts.
	DisplayName string `json:"display_name"`
	// ApproverID is the ID of the user who approves this user's uploads.
	// It may point back at the user's own approvee.
	ApproverID string `json:"approver_id"`
}

// SecurityAttestation holds the uploader's answers to the security questionnaire.
// Every question must be answered "no" before a file may be ingested.
type SecurityAttestation struct {
	// PersonalData reports that the file contains personal data.
	PersonalData bool `json:"personal_data"`
	// KVKKViolation reports that sharing the file would breach KVKK.
	KVKKViolation bool `json:"kvkk_violation"`
	// SensitiveData reports that the file contains sensitive data.
	SensitiveData bool `json:"sensitive_data"`
}

// Passed reports whether the attestation clears the security gate.
func (a SecurityAttestation) Passed() bool {
	return !a.PersonalData && !a.KVKKViolation && !a.SensitiveData
}

// ColumnMetadata maps a column name to its free-text description.
type ColumnMetadata map[string]string

// Clone returns an independent copy of m.
func (m ColumnMetadata) Clone() ColumnMetadata {
	out := make(ColumnMetadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Status is the lifecycle state of a submission package.
type Status string

const (
	// StatusPendingApproval marks a package waiting for its approver.
	StatusPendingApproval Status = "pending_approval"
	// StatusApproved marks a package that was pushed to object storage.
	StatusApproved Status = "approved"
	// StatusRejected marks a package the approver declined.
	StatusRejected Status = "rejected"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// SubmissionPackage is the immutable bundle handed to the approval queue.
// Only Status changes after creation.
type SubmissionPackage struct {
	ID           string                 `json:"id"`
	UploaderID   string                 `json:"uploader_id"`
	ApproverID   string                 `json:"approver_id"`
	Filename     string                 `json:"filename"`
	FileBytes    []byte                 `json:"-"`
	Deliverable  []byte                 `json:"-"`
	SizeBytes    int64                  `json:"size_bytes"`
	MimeType     string                 `json:"mime_type"`
	Columns      []string               `json:"columns"`
	Metadata     ColumnMetadata         `json:"metadata"`
	QualityRules map[string]QualityRule `json:"quality_rules"`
	Comment      string                 `json:"comment"`
	Status       Status                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Clone returns a deep copy of p so callers cannot mutate queue state.
func (p SubmissionPackage) Clone() SubmissionPackage {
	out := p
	out.FileBytes = append([]byte(nil), p.FileBytes...)
	out.Deliverable = append([]byte(nil), p.Deliverable...)
	out.Columns = append([]string(nil), p.Columns...)
	out.Metadata = p.Metadata.Clone()
	out.QualityRules = CloneRules(p.QualityRules)
	return out
}

// SizeMB returns the original file size in megabytes rounded to two decimals.
func SizeMB(size int64) float64 {
	mb := float64(size) / (1024 * 1024)
	return float64(int64(mb*100+0.5)) / 100
}
