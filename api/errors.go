package api

import (
	"encoding/json"
	"net/http"

	"github.com/collectif/connect-ledger/ledger"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindUnauthenticated:
		return http.StatusUnauthorized
	case ledger.KindPermissionDenied:
		return http.StatusForbidden
	case ledger.KindInvalidArgument:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindFailedPrecondition:
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err as {error: {code, message}}. Internal errors get
// an opaque message; the workflow has already logged the details.
func writeError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	body := ErrorResponse{Error: ErrorBody{
		Code:      string(kind),
		Message:   ledger.MessageOf(err),
		Retryable: ledger.IsRetryable(err),
	}}
	writeJSON(w, statusFor(kind), body)
}
