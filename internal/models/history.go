package models

import "time"

// Action identifies a recorded lifecycle event.
type Action string

const (
	// ActionUploadSubmitted is recorded when an uploader submits a package.
	ActionUploadSubmitted Action = "upload_submitted"
	// ActionFileApproved is recorded after the package reached object storage.
	ActionFileApproved Action = "file_approved"
	// ActionFileRejected is recorded when the approver declines a package.
	ActionFileRejected Action = "file_rejected"
)

// HistoryEntry is one append-only record of the audit log.
type HistoryEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Action         Action    `json:"action"`
	ActingUserID   string    `json:"acting_user_id"`
	PackageID      string    `json:"package_id"`
	Filename       string    `json:"filename"`
	SizeBytes      int64     `json:"size_bytes"`
	CounterpartyID string    `json:"counterparty_id"`
	Status         Status    `json:"status"`
	Comment        string    `json:"comment,omitempty"`
	Details        string    `json:"details"`
}

// Involves reports whether userID acted in or is the counterparty of e.
func (e HistoryEntry) Involves(userID string) bool {
	return e.ActingUserID == userID || e.CounterpartyID == userID
}
