package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what must be up before traffic is accepted.
// DefinitionsLoaded always runs; nil checkers are skipped.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	CaseStore         HealthChecker
	IdempotencyStore  HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness endpoint. Checks run concurrently; any
// failure answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = make(map[string]CheckResult)
			wg      conc.WaitGroup
		)
		record := func(name string, res CheckResult) {
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}

		wg.Go(func() {
			start := time.Now()
			res := CheckResult{Status: "ok"}
			if checks.DefinitionsLoaded == nil || !checks.DefinitionsLoaded() {
				res = CheckResult{Status: "error", Error: "no workflow definitions loaded"}
			}
			res.LatencyMs = time.Since(start).Milliseconds()
			record("definitions", res)
		})
		if checks.CaseStore != nil {
			wg.Go(func() { record("case_store", runCheck(r.Context(), checks.CaseStore)) })
		}
		if checks.IdempotencyStore != nil {
			wg.Go(func() { record("idempotency_store", runCheck(r.Context(), checks.IdempotencyStore)) })
		}
		wg.Wait()

		status, code := "ready", http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

// runCheck runs one checker under checkTimeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
