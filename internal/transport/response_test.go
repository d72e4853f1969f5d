package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["hello"] != "world" {
		t.Errorf("body = %v, err = %v", body, err)
	}
}

func TestWriteError_status_mapping(t *testing.T) {
	tests := []struct {
		err  *model.ErrorEnvelope
		want int
	}{
		{model.NewBadRequestError("x"), 400},
		{model.NewUnauthorizedError("x"), 401},
		{model.NewForbiddenError("x"), 403},
		{model.NewNotFoundError("x"), 404},
		{model.NewConflictError("x"), 409},
		{model.NewValidationError(nil), 422},
		{model.NewInvalidWorkflowError(nil), 422},
		{model.NewTransitionNotFoundError("x"), 422},
		{model.NewRequirementNotMetError(nil), 422},
		{model.NewInvalidRecordTypeError("x"), 422},
		{model.NewInternalError(), 500},
		{&model.ErrorEnvelope{Code: "SOMETHING_NEW"}, 500},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest("GET", "/", nil), tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWriteError_wrapped_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("load case: %w", model.NewNotFoundError("case \"c1\" not found"))
	WriteError(w, httptest.NewRequest("GET", "/", nil), err)

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp errorResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrNotFound || resp.Error.Message != "case \"c1\" not found" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), fmt.Errorf("connection reset"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection reset") {
		t.Error("internal error text leaked to the client")
	}
}

func TestWriteError_does_not_mutate_envelope(t *testing.T) {
	ee := model.NewConflictError("stale")
	WriteError(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), ee)
	if ee.TraceID != "" {
		t.Errorf("TraceID = %q, want the shared envelope untouched", ee.TraceID)
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid", `{"title":"x"}`, ""},
		{"empty", ``, "request body is empty"},
		{"malformed", `{"title":`, "invalid JSON body"},
		{"too large", `{"title":"` + strings.Repeat("a", maxBodyBytes) + `"}`, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst model.NewCase
			err := decodeJSON(httptest.NewRequest("POST", "/", strings.NewReader(tt.body)), &dst)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("decodeJSON() error = %v", err)
				}
				return
			}
			ee, ok := model.AsEnvelope(err)
			if !ok || ee.Code != model.ErrBadRequest || ee.Message != tt.wantErr {
				t.Errorf("decodeJSON() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest("GET", "/?page=3&limit=abc", nil)
	if got := queryInt(r, "page", 1); got != 3 {
		t.Errorf("page = %d, want 3", got)
	}
	if got := queryInt(r, "limit", 20); got != 20 {
		t.Errorf("limit = %d, want default 20", got)
	}
	if got := queryInt(r, "missing", 7); got != 7 {
		t.Errorf("missing = %d, want 7", got)
	}
}
