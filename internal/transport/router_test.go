package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/merge"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// --- Test harness ---

func testWorkflows() []model.WorkflowDefinition {
	return []model.WorkflowDefinition{
		{
			ID: "wf-incident", Name: "Incident", Code: "INC", RecordType: model.RecordIncident,
			IsActive: true, IsDefault: true, ConvertRoleIDs: []string{"supervisor"},
			States: []model.WorkflowState{
				{ID: "open", Name: "Open", StateType: model.StateInitial, SLAHours: 4},
				{ID: "working", Name: "Working", StateType: model.StateIntermediate},
				{ID: "closed", Name: "Closed", StateType: model.StateTerminal},
			},
			Transitions: []model.WorkflowTransition{
				{
					ID: "start", FromStateID: "open", ToStateID: "working", Name: "Start", Code: "START",
					Requirements: []model.TransitionRequirement{
						{RequirementType: model.RequirementComment, IsMandatory: true},
					},
				},
				{ID: "close-duplicate", FromStateID: "open", ToStateID: "closed", Name: "Close duplicate", Code: "CLOSE_DUPLICATE"},
				{ID: "finish", FromStateID: "working", ToStateID: "closed", Name: "Finish", Code: "FINISH"},
			},
		},
		{
			ID: "wf-request", Name: "Request", Code: "REQ", RecordType: model.RecordRequest,
			IsActive: true, ClassificationIDs: []string{"R1"},
			States: []model.WorkflowState{
				{ID: "submitted", Name: "Submitted", StateType: model.StateInitial},
				{ID: "done", Name: "Done", StateType: model.StateTerminal},
			},
			Transitions: []model.WorkflowTransition{
				{ID: "fulfil", FromStateID: "submitted", ToStateID: "done", Name: "Fulfil", Code: "FULFIL"},
			},
		},
	}
}

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	bus     *eventbus.Bus
	idem    *idempotency.MemoryStore
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg := config.Defaults()
	cfg.Identity.Mode = config.IdentityModeHeader
	cfg.Idempotency.Enabled = true
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Events.Heartbeat = time.Hour

	st := store.NewMemoryStore()
	registry := definition.NewRegistry(nil)
	manager := definition.NewManager(st, registry, definition.NewValidator(), nil, nil)
	if err := manager.Seed(ctx, []definition.File{{Workflows: testWorkflows()}}); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	bus := eventbus.New()
	engine := workflow.NewEngine(registry, st, workflow.WithEventBus(bus))
	ts := &testServer{
		store: st,
		bus:   bus,
		idem:  idempotency.NewMemoryStore(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	auth, err := NewAuthenticator(cfg.Identity, nil)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	ts.handler = NewRouter(Dependencies{
		Config:       cfg,
		Authenticate: auth,
		Engine:       engine,
		Definitions:  manager,
		Merges:       merge.NewCoordinator(engine, st, merge.WithEventBus(bus)),
		Bus:          bus,
		Idempotency:  ts.idem,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			CaseStore:         st,
			IdempotencyStore:  observability.CheckFunc(ts.idem.Ping),
		},
		Now: func() time.Time { return ts.now },
	})
	return ts
}

type call struct {
	method  string
	path    string
	body    any
	actor   string
	roles   string
	headers map[string]string
}

func (ts *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set("X-Actor-Id", c.actor)
		req.Header.Set("X-Actor-Roles", c.roles)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, w).Error.Code
}

func (ts *testServer) createIncident(t *testing.T, title string) model.Case {
	t.Helper()
	w := ts.do(t, call{method: "POST", path: "/v1/cases", actor: "user-carol", body: model.NewCase{
		RecordType: model.RecordIncident,
		Title:      title,
		Source:     "web",
	}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	return decode[model.Case](t, w)
}

// --- Public routes ---

func TestRouter_public_routes_bypass_auth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := ts.do(t, call{method: "GET", path: path})
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200; body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestRouter_authenticated_routes_are_registered(t *testing.T) {
	ts := newTestServer(t)
	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/workflows"},
		{"POST", "/v1/workflows/match"},
		{"POST", "/v1/workflows/validate"},
		{"GET", "/v1/workflows/wf-incident"},
		{"PUT", "/v1/workflows/wf-incident"},
		{"DELETE", "/v1/workflows/wf-incident"},
		{"POST", "/v1/cases"},
		{"GET", "/v1/cases/c1"},
		{"PATCH", "/v1/cases/c1"},
		{"DELETE", "/v1/cases/c1"},
		{"GET", "/v1/cases/c1/transitions"},
		{"POST", "/v1/cases/c1/transitions/START"},
		{"GET", "/v1/cases/c1/history"},
		{"GET", "/v1/cases/c1/revisions"},
		{"POST", "/v1/cases/c1/activity"},
		{"POST", "/v1/cases/c1/convert"},
		{"POST", "/v1/merges/validate"},
		{"POST", "/v1/merges"},
		{"POST", "/v1/merges/unmerge"},
		{"POST", "/v1/sla/sweep"},
		{"GET", "/v1/events"},
	}
	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := ts.do(t, call{method: tc.method, path: tc.path})
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401 without an actor", w.Code)
			}
		})
	}
}

func TestRouter_ready_reports_checks(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, call{method: "GET", path: "/ready"})
	resp := decode[observability.ReadinessResponse](t, w)
	for _, name := range []string{"definitions", "case_store", "idempotency_store"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %+v", name, resp.Checks[name])
		}
	}
}

func TestRouter_cors_preflight(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, call{method: "OPTIONS", path: "/v1/cases", headers: map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	}})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Code >= 300 {
		t.Errorf("preflight status = %d", w.Code)
	}
}

// --- Cases ---

func TestRouter_case_lifecycle(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIncident(t, "Broken door")
	if c.WorkflowID != "wf-incident" || c.CurrentStateID != "open" || c.ReportedBy != "user-carol" {
		t.Fatalf("created = %+v", c)
	}

	// get
	w := ts.do(t, call{method: "GET", path: "/v1/cases/" + c.ID, actor: "user-alice"})
	if w.Code != http.StatusOK || decode[model.Case](t, w).ID != c.ID {
		t.Fatalf("get status = %d", w.Code)
	}

	// update
	title := "Broken front door"
	w = ts.do(t, call{method: "PATCH", path: "/v1/cases/" + c.ID, actor: "user-alice", body: model.CaseUpdate{Title: &title}})
	if w.Code != http.StatusOK || decode[model.Case](t, w).Title != title {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}

	// available transitions
	w = ts.do(t, call{method: "GET", path: "/v1/cases/" + c.ID + "/transitions", actor: "user-alice"})
	avail := decode[struct {
		Data []model.AvailableTransition `json:"data"`
	}](t, w)
	if len(avail.Data) != 2 {
		t.Errorf("available = %d, want 2", len(avail.Data))
	}

	// missing comment
	w = ts.do(t, call{method: "POST", path: "/v1/cases/" + c.ID + "/transitions/START", actor: "user-alice"})
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != model.ErrRequirementNotMet {
		t.Fatalf("no comment: status = %d", w.Code)
	}

	// unknown transition
	w = ts.do(t, call{method: "POST", path: "/v1/cases/" + c.ID + "/transitions/FINISH", actor: "user-alice", body: model.TransitionPayload{}})
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != model.ErrTransitionNotFound {
		t.Fatalf("wrong state: status = %d", w.Code)
	}

	// execute
	w = ts.do(t, call{method: "POST", path: "/v1/cases/" + c.ID + "/transitions/START", actor: "user-alice",
		body: model.TransitionPayload{Comment: "on it"}})
	if w.Code != http.StatusOK {
		t.Fatalf("execute status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[model.TransitionResult](t, w)
	if res.Case.CurrentStateID != "working" || res.History.ExecutedBy != "user-alice" {
		t.Errorf("result = %+v", res)
	}

	// history
	w = ts.do(t, call{method: "GET", path: "/v1/cases/" + c.ID + "/history", actor: "user-alice"})
	hist := decode[struct {
		Data []model.TransitionHistory `json:"data"`
	}](t, w)
	if len(hist.Data) != 1 || hist.Data[0].Comment != "on it" {
		t.Errorf("history = %+v", hist.Data)
	}

	// activity + revisions
	w = ts.do(t, call{method: "POST", path: "/v1/cases/" + c.ID + "/activity", actor: "user-alice",
		body: model.Activity{ActionType: model.RevisionCommentAdded, Description: "Called the locksmith"}})
	if w.Code != http.StatusCreated || decode[model.Revision](t, w).RevisionNumber != 4 {
		t.Fatalf("activity status = %d", w.Code)
	}
	w = ts.do(t, call{method: "GET", path: "/v1/cases/" + c.ID + "/revisions?action_type=comment_added", actor: "user-alice"})
	page := decode[model.Page[model.Revision]](t, w)
	if page.Total != 1 || page.Items[0].Description != "Called the locksmith" {
		t.Errorf("revisions = %+v", page)
	}
	w = ts.do(t, call{method: "GET", path: "/v1/cases/" + c.ID + "/revisions?limit=2&page=2", actor: "user-alice"})
	page = decode[model.Page[model.Revision]](t, w)
	if page.Total != 4 || len(page.Items) != 2 || page.Items[0].RevisionNumber != 3 {
		t.Errorf("page 2 = %+v", page)
	}

	// delete
	w = ts.do(t, call{method: "DELETE", path: "/v1/cases/" + c.ID, actor: "user-alice"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = ts.do(t, call{method: "GET", path: "/v1/cases/" + c.ID, actor: "user-alice"})
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}

func TestRouter_case_errors(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIncident(t, "Leak")

	tests := []struct {
		name string
		call call
		code int
		want string
	}{
		{"invalid json", call{method: "POST", path: "/v1/cases", actor: "u"}, 400, model.ErrBadRequest},
		{"missing title", call{method: "POST", path: "/v1/cases", actor: "u", body: model.NewCase{RecordType: model.RecordIncident}}, 422, model.ErrValidationError},
		{"unknown case", call{method: "GET", path: "/v1/cases/nope", actor: "u"}, 404, model.ErrNotFound},
		{"bad revision filter", call{method: "GET", path: "/v1/cases/" + c.ID + "/revisions?action_type=bogus", actor: "u"}, 400, model.ErrBadRequest},
		{"bad from", call{method: "GET", path: "/v1/cases/" + c.ID + "/revisions?from=yesterday", actor: "u"}, 400, model.ErrBadRequest},
		{"status activity", call{method: "POST", path: "/v1/cases/" + c.ID + "/activity", actor: "u", body: model.Activity{ActionType: model.RevisionStatusChanged}}, 400, model.ErrBadRequest},
		{"convert without role", call{method: "POST", path: "/v1/cases/" + c.ID + "/convert", actor: "u", body: model.ConversionRequest{WorkflowID: "wf-request", ClassificationID: "R1"}}, 403, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.call)
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d; body = %s", w.Code, tt.code, w.Body.String())
			}
			if got := errorCode(t, w); got != tt.want {
				t.Errorf("code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouter_convert(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIncident(t, "Need a new badge")

	w := ts.do(t, call{method: "POST", path: "/v1/cases/" + c.ID + "/convert", actor: "user-sam", roles: "agent, supervisor",
		body: model.ConversionRequest{WorkflowID: "wf-request", ClassificationID: "R1", TransitionID: "CLOSE_DUPLICATE"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[model.ConversionResult](t, w)
	if res.Request.SourceIncidentID != c.ID || res.Request.RecordType != model.RecordRequest {
		t.Errorf("request = %+v", res.Request)
	}
	if res.Source.CurrentStateID != "closed" {
		t.Errorf("source state = %q, want closed", res.Source.CurrentStateID)
	}
}

// --- Merges ---

func TestRouter_merge_and_unmerge(t *testing.T) {
	ts := newTestServer(t)
	master := ts.createIncident(t, "Flood")
	dup := ts.createIncident(t, "Flood again")
	ids := []string{master.ID, dup.ID}

	w := ts.do(t, call{method: "POST", path: "/v1/merges/validate", actor: "user-alice", body: caseIDsRequest{CaseIDs: ids}})
	if v := decode[model.MergeValidation](t, w); !v.CanMerge || len(v.MasterOptions) != 2 {
		t.Fatalf("validation = %+v", v)
	}

	w = ts.do(t, call{method: "POST", path: "/v1/merges", actor: "user-alice", body: model.MergeRequest{
		CaseIDs: ids, MasterID: master.ID, CloseTransitionCode: "CLOSE_DUPLICATE",
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("merge status = %d, body = %s", w.Code, w.Body.String())
	}
	merged := decode[model.MergeResult](t, w)
	if len(merged.Merged) != 1 || merged.Merged[0].MasterIncidentID != master.ID || merged.Merged[0].CurrentStateID != "closed" {
		t.Errorf("merged = %+v", merged.Merged)
	}

	// merging again is invalid
	w = ts.do(t, call{method: "POST", path: "/v1/merges", actor: "user-alice", body: model.MergeRequest{CaseIDs: ids, MasterID: master.ID}})
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != model.ErrValidationError {
		t.Errorf("re-merge status = %d", w.Code)
	}

	w = ts.do(t, call{method: "POST", path: "/v1/merges/unmerge", actor: "user-alice", body: caseIDsRequest{CaseIDs: []string{dup.ID, master.ID}}})
	if w.Code != http.StatusOK {
		t.Fatalf("unmerge status = %d", w.Code)
	}
	un := decode[model.UnmergeResult](t, w)
	if un.UnmergedCount != 1 || len(un.Failures) != 1 || un.Failures[0].CaseID != master.ID {
		t.Errorf("unmerge = %+v", un)
	}
}

// --- Workflows ---

func TestRouter_workflow_admin(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, call{method: "GET", path: "/v1/workflows", actor: "admin"})
	list := decode[struct {
		Data []model.WorkflowDefinition `json:"data"`
	}](t, w)
	if len(list.Data) != 2 {
		t.Fatalf("workflows = %d, want 2", len(list.Data))
	}

	w = ts.do(t, call{method: "POST", path: "/v1/workflows/match", actor: "admin", body: model.MatchCriteria{RecordType: model.RecordRequest}})
	if w.Code != http.StatusOK || decode[model.WorkflowDefinition](t, w).ID != "wf-request" {
		t.Fatalf("match status = %d", w.Code)
	}
	w = ts.do(t, call{method: "POST", path: "/v1/workflows/match", actor: "admin", body: model.MatchCriteria{RecordType: model.RecordQuery}})
	if w.Code != http.StatusNotFound {
		t.Errorf("match query status = %d, want 404", w.Code)
	}

	w = ts.do(t, call{method: "POST", path: "/v1/workflows/validate", actor: "admin", body: model.WorkflowDefinition{ID: "x"}})
	v := decode[struct {
		Valid  bool                `json:"valid"`
		Errors []definition.VError `json:"errors"`
	}](t, w)
	if w.Code != http.StatusOK || v.Valid || len(v.Errors) == 0 {
		t.Errorf("validate = %+v", v)
	}

	query := model.WorkflowDefinition{
		Name: "Query", RecordType: model.RecordQuery, IsActive: true,
		States: []model.WorkflowState{{ID: "asked", Name: "Asked", StateType: model.StateInitial}},
	}
	w = ts.do(t, call{method: "PUT", path: "/v1/workflows/wf-query", actor: "admin", body: query})
	if w.Code != http.StatusOK || decode[model.WorkflowDefinition](t, w).ID != "wf-query" {
		t.Fatalf("save status = %d, body = %s", w.Code, w.Body.String())
	}
	w = ts.do(t, call{method: "POST", path: "/v1/workflows/match", actor: "admin", body: model.MatchCriteria{RecordType: model.RecordQuery}})
	if w.Code != http.StatusOK {
		t.Errorf("match after save status = %d", w.Code)
	}

	query.ID = "other"
	w = ts.do(t, call{method: "PUT", path: "/v1/workflows/wf-query", actor: "admin", body: query})
	if w.Code != http.StatusBadRequest {
		t.Errorf("mismatched id status = %d", w.Code)
	}
	w = ts.do(t, call{method: "PUT", path: "/v1/workflows/bad", actor: "admin", body: model.WorkflowDefinition{Name: "Bad"}})
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != model.ErrInvalidWorkflow {
		t.Errorf("invalid save status = %d", w.Code)
	}

	w = ts.do(t, call{method: "DELETE", path: "/v1/workflows/wf-query", actor: "admin"})
	if w.Code != http.StatusOK || !decode[map[string]bool](t, w)["purged"] {
		t.Errorf("delete status = %d", w.Code)
	}
	w = ts.do(t, call{method: "GET", path: "/v1/workflows/wf-query", actor: "admin"})
	if w.Code != http.StatusNotFound {
		t.Errorf("get after purge status = %d", w.Code)
	}
}

// --- SLA ---

func TestRouter_sla_sweep(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIncident(t, "Slow")

	later := c.CreatedAt.Add(5 * time.Hour).Format(time.RFC3339)
	w := ts.do(t, call{method: "POST", path: "/v1/sla/sweep?now=" + later, actor: "ops"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[model.SLASweepResult](t, w)
	if len(res.Breached) != 1 || res.Breached[0] != c.ID {
		t.Errorf("sweep = %+v", res)
	}

	w = ts.do(t, call{method: "POST", path: "/v1/sla/sweep?now=soon", actor: "ops"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad now status = %d", w.Code)
	}
}

// --- Events ---

func TestRouter_event_stream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/events?type=case.created", nil)
	req.Header.Set("X-Actor-Id", "watcher")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	for ts.bus.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	c := ts.createIncident(t, "Streamed")

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "event: case.created") || !strings.Contains(joined, c.ID) {
		t.Errorf("event = %q", joined)
	}
}
