package transport

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/model"
)

// countingHandler echoes the request body with a sequence number so a
// replay can be told apart from a second execution.
type countingHandler struct {
	calls  int
	status int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls++
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(h.status)
	fmt.Fprintf(w, `{"call":%d,"body":%q}`, h.calls, body)
}

func idemRequest(subject, key, body string) *http.Request {
	req := httptest.NewRequest("POST", "/v1/cases", strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{SubjectID: subject}))
}

func TestIdempotent_replays(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour)(next)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idemRequest("u1", "k1", `{"title":"a"}`))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, idemRequest("u1", "k1", `{"title":"a"}`))

	if next.calls != 1 {
		t.Errorf("calls = %d, want 1", next.calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Errorf("replay = %d %s, want %d %s", second.Code, second.Body, first.Code, first.Body)
	}
	if second.Header().Get(replayedHeader) != "true" {
		t.Error("replayed header missing")
	}
	if first.Header().Get(replayedHeader) != "" {
		t.Error("first response marked as replayed")
	}
	if ct := second.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestIdempotent_body_mismatch_conflicts(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour)(next)

	h.ServeHTTP(httptest.NewRecorder(), idemRequest("u1", "k1", `{"title":"a"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, idemRequest("u1", "k1", `{"title":"b"}`))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if next.calls != 1 {
		t.Errorf("calls = %d, want 1", next.calls)
	}
}

func TestIdempotent_without_key(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour)(next)

	for range 2 {
		h.ServeHTTP(httptest.NewRecorder(), idemRequest("u1", "", `{}`))
	}
	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
}

func TestIdempotent_server_errors_not_recorded(t *testing.T) {
	st := idempotency.NewMemoryStore()
	next := &countingHandler{status: http.StatusInternalServerError}
	h := Idempotent(st, time.Hour)(next)

	h.ServeHTTP(httptest.NewRecorder(), idemRequest("u1", "k1", `{}`))
	h.ServeHTTP(httptest.NewRecorder(), idemRequest("u1", "k1", `{}`))

	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
	if st.Len() != 0 {
		t.Errorf("stored entries = %d, want 0", st.Len())
	}
}

func TestIdempotent_client_errors_recorded(t *testing.T) {
	next := &countingHandler{status: http.StatusUnprocessableEntity}
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour)(next)

	h.ServeHTTP(httptest.NewRecorder(), idemRequest("u1", "k1", `{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, idemRequest("u1", "k1", `{}`))

	if next.calls != 1 || w.Code != http.StatusUnprocessableEntity {
		t.Errorf("calls = %d, status = %d", next.calls, w.Code)
	}
}

func TestIdempotent_scoped_by_subject(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour)(next)

	h.ServeHTTP(httptest.NewRecorder(), idemRequest("u1", "k1", `{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, idemRequest("u2", "k1", `{}`))

	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
	if w.Header().Get(replayedHeader) != "" {
		t.Error("another subject received a replay")
	}
}

func TestIdempotent_nil_store(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	h := Idempotent(nil, time.Hour)(next)
	for range 2 {
		h.ServeHTTP(httptest.NewRecorder(), idemRequest("u1", "k1", `{}`))
	}
	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
}

func TestIdempotent_handler_sees_body(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour)(next)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, idemRequest("u1", "k1", `{"title":"kept"}`))

	if !strings.Contains(w.Body.String(), `title`) {
		t.Errorf("body = %s, want the original request body echoed", w.Body)
	}
}
