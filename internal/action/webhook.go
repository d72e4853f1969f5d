package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// WebhookType is the built-in webhook action type.
const WebhookType = "webhook"

// WebhookPayload is the JSON body posted by a webhook action.
type WebhookPayload struct {
	Event       string                   `json:"event"`
	Case        model.Case               `json:"case"`
	WorkflowID  string                   `json:"workflow_id"`
	Transition  model.WorkflowTransition `json:"transition"`
	FromStateID string                   `json:"from_state_id"`
	Actor       string                   `json:"actor"`
	OccurredAt  time.Time                `json:"occurred_at"`
}

// Webhook posts transition events to the URL in the action config. Each
// target host has its own circuit breaker.
type Webhook struct {
	client  *http.Client
	cfg     config.CircuitBreakerConfig
	metrics *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewWebhook creates a webhook handler.
func NewWebhook(cfg config.ActionsConfig, metrics *observability.Metrics) *Webhook {
	return &Webhook{
		client:   &http.Client{Timeout: cfg.WebhookTimeout},
		cfg:      cfg.CircuitBreaker,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// Handle posts the job to config["url"]. Non-2xx responses are failures.
func (w *Webhook) Handle(ctx context.Context, job Job) error {
	raw, _ := job.Action.Config["url"].(string)
	if raw == "" {
		return fmt.Errorf("webhook: url is required")
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return fmt.Errorf("webhook: invalid url %q", raw)
	}

	cb := w.breaker(target.Host)
	if err := cb.Allow(); err != nil {
		return fmt.Errorf("webhook %s: %w", target.Host, err)
	}

	body, err := json.Marshal(WebhookPayload{
		Event:       "case.transitioned",
		Case:        job.Case,
		WorkflowID:  job.WorkflowID,
		Transition:  job.Transition,
		FromStateID: job.FromStateID,
		Actor:       job.Actor,
		OccurredAt:  job.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret, _ := job.Action.Config["secret"].(string); secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		w.record(target.Host, cb, false)
		return fmt.Errorf("webhook %s: %w", target.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.record(target.Host, cb, false)
		return fmt.Errorf("webhook %s: unexpected status %d", target.Host, resp.StatusCode)
	}
	w.record(target.Host, cb, true)
	return nil
}

// BreakerState returns the state of the breaker for host.
func (w *Webhook) BreakerState(host string) BreakerState {
	return w.breaker(host).State()
}

func (w *Webhook) breaker(host string) *Breaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	cb, ok := w.breakers[host]
	if !ok {
		cb = NewBreaker(w.cfg.FailureThreshold, w.cfg.SuccessThreshold, w.cfg.Timeout)
		w.breakers[host] = cb
	}
	return cb
}

func (w *Webhook) record(host string, cb *Breaker, ok bool) {
	if ok {
		cb.Success()
	} else {
		cb.Failure()
	}
	w.metrics.SetActionCircuitBreakerState(host, float64(cb.State()))
}
