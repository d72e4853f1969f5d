package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

// Idempotent replays the recorded response when a mutating request is
// retried with the same X-Idempotency-Key. Requests without the header pass
// through. Only responses below 500 are recorded, so a failed attempt can be
// retried. A nil store disables the middleware.
func Idempotent(st idempotency.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if st == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(idempotencyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
			if err != nil {
				WriteError(w, r, model.NewBadRequestError("request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			key := idempotency.Key(subject, r.Method+" "+route, clientKey)
			hash := idempotency.HashRequest(r.Method, r.URL.Path, body)

			// 1. Replay a recorded response.
			prev, found, err := st.Check(r.Context(), key, hash)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if found {
				w.Header().Set("Content-Type", prev.ContentType)
				w.Header().Set(replayedHeader, "true")
				w.WriteHeader(prev.Status)
				_, _ = w.Write(prev.Body)
				return
			}

			// 2. Serve and record.
			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= 500 {
				return
			}
			resp := idempotency.Response{
				Status:      rec.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := st.Save(r.Context(), key, hash, resp, ttl); err != nil {
				observability.LoggerFrom(r.Context(), zap.L()).Warn("idempotency save failed",
					zap.String("route", route),
					zap.Error(err),
				)
			}
		})
	}
}

// recordingWriter tees the response into a buffer.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
