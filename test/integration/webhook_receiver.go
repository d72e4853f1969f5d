package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/action"
)

// WebhookReceiver is an HTTP test server standing in for the systems that
// webhook actions post to. It records every delivery and answers with a
// configurable status.
type WebhookReceiver struct {
	server *httptest.Server

	mu         sync.RWMutex
	status     int
	delay      time.Duration
	deliveries []Delivery
	attempts   int
}

// Delivery captures one webhook request.
type Delivery struct {
	Path       string
	Headers    http.Header
	Payload    action.WebhookPayload
	ReceivedAt time.Time
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()

	wr := &WebhookReceiver{status: http.StatusNoContent}
	wr.server = httptest.NewServer(http.HandlerFunc(wr.handle))
	t.Cleanup(wr.server.Close)
	return wr
}

func (wr *WebhookReceiver) handle(w http.ResponseWriter, r *http.Request) {
	wr.mu.Lock()
	wr.attempts++
	status, delay := wr.status, wr.delay
	wr.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	raw, _ := io.ReadAll(r.Body)
	if status >= 200 && status < 300 {
		var payload action.WebhookPayload
		_ = json.Unmarshal(raw, &payload)

		wr.mu.Lock()
		wr.deliveries = append(wr.deliveries, Delivery{
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			Payload:    payload,
			ReceivedAt: time.Now(),
		})
		wr.mu.Unlock()
	}
	w.WriteHeader(status)
}

// URL returns the base URL of the receiver.
func (wr *WebhookReceiver) URL() string {
	return wr.server.URL
}

// RespondWith sets the status returned for subsequent deliveries.
func (wr *WebhookReceiver) RespondWith(status int) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.status = status
}

// WithDelay makes the receiver wait before answering.
func (wr *WebhookReceiver) WithDelay(d time.Duration) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.delay = d
}

// Deliveries returns the successful deliveries so far.
func (wr *WebhookReceiver) Deliveries() []Delivery {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	out := make([]Delivery, len(wr.deliveries))
	copy(out, wr.deliveries)
	return out
}

// Attempts returns how many requests reached the receiver, successful or not.
func (wr *WebhookReceiver) Attempts() int {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	return wr.attempts
}
