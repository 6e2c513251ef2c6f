// Package handlers provides REST API handlers for the desktop command surface.
package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

// errorBody is the envelope of every error response. Result carries what an
// aborted operation still produced, when there is any.
type errorBody struct {
	Error  *errors.AppError `json:"error"`
	Result interface{}      `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to write JSON response", err)
	}
}

// statusFor maps an error code to an HTTP status.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrSyncInProgress, errors.ErrConstraint:
		return http.StatusConflict
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrConnectivity, errors.ErrMalformedRecord, errors.ErrInstaller:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as {"error": {"code", "message"}}. Errors without a
// code are reported as INTERNAL_ERROR; their text is only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorResult(w, r, err, nil)
}

// writeErrorResult is writeError with a partial result attached.
func writeErrorResult(w http.ResponseWriter, r *http.Request, err error, result interface{}) {
	appErr := errors.As(err)
	status := statusFor(appErr.Code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("request failed", string(appErr.Code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	if appErr.RetryAfter > 0 {
		secs := int(math.Ceil(appErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, errorBody{Error: appErr, Result: result})
}

// pathID parses a positive integer path variable.
func pathID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf(errors.ErrInvalid, "%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}
