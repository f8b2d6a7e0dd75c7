package auth

import "errors"

// Authentication failures. Collaborator faults are wrapped into one of these
// with the original message preserved, so callers match with errors.Is.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotAuthorized      = errors.New("user is not a member of the required group")
	ErrDirectory          = errors.New("directory error")
	ErrInvalidCode        = errors.New("invalid second factor code")
	ErrTimeout            = errors.New("directory timeout")
)
