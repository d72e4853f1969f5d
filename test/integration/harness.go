// Package integration provides a reusable test harness for end-to-end
// testing of the caseflow server. It starts a full HTTP server with an
// in-memory case store, the action runner, a webhook receiver and a test
// JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/action"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/merge"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// TestHarness encapsulates a fully wired caseflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store    *store.MemoryStore
	Registry *definition.Registry
	Engine   *workflow.Engine
	Runner   *action.Runner
	Webhook  *action.Webhook
	Bus      *eventbus.Bus
	Receiver *WebhookReceiver

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker config.CircuitBreakerConfig
}

// WithCircuitBreaker sets the webhook circuit breaker thresholds.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// NewTestHarness creates and starts a full caseflow test instance. The server
// and the action runner are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Start the webhook receiver so its URL can go into the definitions.
	h.Receiver = newWebhookReceiver(t)

	// Step 2: Copy the definitions with the receiver URL filled in.
	defDir := t.TempDir()
	srcDir := filepath.Join(testdataDir(), "workflows")
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		t.Fatalf("read definitions: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(srcDir, e.Name()))
		if err != nil {
			t.Fatalf("read definition %s: %v", e.Name(), err)
		}
		content := strings.ReplaceAll(string(data), "{{WEBHOOK_URL}}", h.Receiver.URL())
		if err := os.WriteFile(filepath.Join(defDir, e.Name()), []byte(content), 0o644); err != nil {
			t.Fatalf("write definition: %v", err)
		}
	}

	// Step 3: Build config.
	h.issuer = newTokenIssuer()
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = 10 * time.Second
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Idempotency.Enabled = true
	h.cfg.Actions.Workers = 2
	h.cfg.Actions.CircuitBreaker = hc.breaker
	h.cfg.Definitions.Directories = []string{defDir}

	// Step 4: Load definitions into the store.
	ctx := context.Background()
	h.Store = store.NewMemoryStore()
	h.Registry = definition.NewRegistry(nil)
	manager := definition.NewManager(h.Store, h.Registry, definition.NewValidator(), nil, nil)
	watcher := definition.NewWatcher(h.cfg.Definitions.Directories, definition.NewLoader(), manager, nil)
	if err := watcher.Load(ctx); err != nil {
		t.Fatalf("load definitions: %v", err)
	}

	// Step 5: Build the runner, engine and merge coordinator.
	h.Bus = eventbus.New()
	h.Webhook = action.NewWebhook(h.cfg.Actions, nil)
	h.Runner = action.NewRunner(h.cfg.Actions)
	h.Runner.Register(action.NotifyType, action.NewNotifier(h.Bus))
	h.Runner.Register(action.WebhookType, h.Webhook)
	h.Runner.Start(ctx)

	h.Engine = workflow.NewEngine(h.Registry, h.Store,
		workflow.WithDispatcher(h.Runner),
		workflow.WithEventBus(h.Bus),
	)
	merges := merge.NewCoordinator(h.Engine, h.Store, merge.WithEventBus(h.Bus))

	// Step 6: Build router with full middleware chain.
	authenticate, err := transport.NewAuthenticator(h.cfg.Identity, h.issuer.Secret())
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: authenticate,
		Engine:       h.Engine,
		Definitions:  manager,
		Merges:       merges,
		Bus:          h.Bus,
		Idempotency:  idempotency.NewMemoryStore(),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			CaseStore:         h.Store,
		},
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		h.Runner.Stop()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PATCH", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// CreateIncident opens an incident through the API and returns it.
func (h *TestHarness) CreateIncident(t *testing.T, token, title string) model.Case {
	t.Helper()
	var c model.Case
	h.AssertJSON(t, h.POST("/v1/cases", map[string]any{
		"record_type": "incident",
		"title":       title,
	}, token), http.StatusCreated, &c)
	return c
}

// --- Default test claims ---

// AgentClaims returns TestClaims for a front-line agent.
func AgentClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-agent",
		Email:     "agent@caseflow.example.com",
		Roles:     []string{"agent"},
	}
}

// SupervisorClaims returns TestClaims for a supervisor.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-supervisor",
		Email:     "supervisor@caseflow.example.com",
		Roles:     []string{"agent", "supervisor"},
	}
}

// ReporterClaims returns TestClaims for a caller without staff roles.
func ReporterClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-reporter",
		Email:     "reporter@caseflow.example.com",
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met after %s: %s", timeout, fmt.Sprintf(format, args...))
}
