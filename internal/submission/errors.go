package submission

import "errors"

var (
	ErrSecurityCheckFailed   = errors.New("security check failed")
	ErrSecurityCheckRequired = errors.New("security check must pass first")
	ErrUnknownColumn         = errors.New("unknown column")
	ErrNotReady              = errors.New("submission is not ready")
	ErrNoApprover            = errors.New("no approver assigned")
	ErrAlreadySubmitted      = errors.New("draft already submitted")
)
