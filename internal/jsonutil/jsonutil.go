// Package jsonutil renders Driftdesk API responses and protocol errors
// as JSON.
package jsonutil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	uperr "github.com/driftdesk/driftdesk/internal/errors"
)

// errorBody is the JSON shape of every API error response.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// WriteErrorResponse maps an error to its JSON error body. Unknown error
// types become a 500 InternalError without leaking internals.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	ue, ok := err.(*uperr.UploadError)
	if !ok {
		slog.Error("unhandled error at API boundary", "error", err, "path", r.URL.Path)
		ue = uperr.ErrInternalError
	}
	WriteJSON(w, ue.HTTPStatus, errorBody{
		Code:      ue.Code,
		Message:   ue.Message,
		RequestID: w.Header().Get("X-Request-Id"),
	})
}
