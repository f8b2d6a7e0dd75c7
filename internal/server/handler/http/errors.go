package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ddp/uploadportal/internal/auth"
	"github.com/ddp/uploadportal/internal/ingest"
	"github.com/ddp/uploadportal/internal/models"
	"github.com/ddp/uploadportal/internal/queue"
	"github.com/ddp/uploadportal/internal/service"
	"github.com/ddp/uploadportal/internal/submission"
	"go.uber.org/zap"
)

var statusByError = []struct {
	err    error
	status int
}{
	{service.ErrUnauthenticated, http.StatusUnauthorized},
	{service.ErrSecondFactorNotPending, http.StatusConflict},
	{service.ErrInvalidPage, http.StatusBadRequest},
	{service.ErrInvalidDecision, http.StatusBadRequest},

	{auth.ErrNotAuthorized, http.StatusForbidden},
	{auth.ErrDirectory, http.StatusBadGateway},
	{auth.ErrTimeout, http.StatusGatewayTimeout},
	{auth.ErrUserNotFound, http.StatusUnauthorized},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrInvalidCode, http.StatusUnauthorized},

	{submission.ErrSecurityCheckRequired, http.StatusConflict},
	{submission.ErrNotReady, http.StatusConflict},
	{submission.ErrAlreadySubmitted, http.StatusConflict},
	{submission.ErrSecurityCheckFailed, http.StatusUnprocessableEntity},
	{submission.ErrUnknownColumn, http.StatusUnprocessableEntity},
	{submission.ErrNoApprover, http.StatusUnprocessableEntity},
	{models.ErrInvalidRule, http.StatusUnprocessableEntity},
	{ingest.ErrUnsupportedFormat, http.StatusUnprocessableEntity},
	{ingest.ErrEmptyFile, http.StatusUnprocessableEntity},
	{ingest.ErrParseFailure, http.StatusUnprocessableEntity},

	{queue.ErrNotFound, http.StatusNotFound},
	{queue.ErrForbidden, http.StatusForbidden},
	{queue.ErrAlreadyFinalized, http.StatusConflict},
	{queue.ErrDuplicate, http.StatusConflict},
	{queue.ErrStorageFailure, http.StatusBadGateway},
	{queue.ErrHistoryFailure, http.StatusBadGateway},
	{queue.ErrTimeout, http.StatusGatewayTimeout},
}

// statusFor maps a workflow error to its HTTP status; unknown errors are 500.
func statusFor(err error) int {
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError reports err to the client. Internal errors are logged and
// replaced by a generic message.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}
