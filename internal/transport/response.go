// Package transport contains the HTTP router, middleware chain, and request
// handlers of the caseflow API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrInvalidWorkflow:    http.StatusUnprocessableEntity,
	model.ErrTransitionNotFound: http.StatusUnprocessableEntity,
	model.ErrRequirementNotMet:  http.StatusUnprocessableEntity,
	model.ErrInvalidRecordType:  http.StatusUnprocessableEntity,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError renders err as an ErrorEnvelope. Errors without an envelope in
// their chain are logged and reported as a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		observability.LoggerFrom(r.Context(), zap.L()).Error("unhandled error", zap.Error(err))
		ee = model.NewInternalError()
	}
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *ee
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return model.NewBadRequestError("request body too large")
		case errors.Is(err, io.EOF):
			return model.NewBadRequestError("request body is empty")
		default:
			return model.NewBadRequestError("invalid JSON body")
		}
	}
	return nil
}

// queryInt returns an integer query parameter, or def when it is absent or
// not a number.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
