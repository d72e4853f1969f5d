package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/action"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// --- Test helpers ---

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingDispatcher captures queued jobs and can fail on demand.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []action.Job
	fail map[string]error
}

func (d *recordingDispatcher) Enqueue(job action.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[job.Action.ActionType]; err != nil {
		return err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func agent() *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-alice", Roles: []string{"agent"}}
}

func reporter() *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-carol"}
}

func supervisor() *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-sam", Roles: []string{"agent", "supervisor"}}
}

func incidentWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:             "wf-incident",
		Name:           "Incident Lifecycle",
		Code:           "INC",
		RecordType:     model.RecordIncident,
		IsActive:       true,
		IsDefault:      true,
		ConvertRoleIDs: []string{"supervisor"},
		States: []model.WorkflowState{
			{ID: "new", Name: "New", StateType: model.StateInitial, SLAHours: 4},
			{ID: "assigned", Name: "Assigned", StateType: model.StateIntermediate, SLAHours: 24},
			{ID: "resolved", Name: "Resolved", StateType: model.StateTerminal},
		},
		Transitions: []model.WorkflowTransition{
			{
				ID: "assign", FromStateID: "new", ToStateID: "assigned", Name: "Assign", Code: "ASSIGN",
				AllowAssigneeSelection: true,
				Requirements: []model.TransitionRequirement{
					{RequirementType: model.RequirementComment, IsMandatory: true},
				},
				Actions: []model.TransitionAction{
					{ActionType: "notify", ExecutionOrder: 2, IsActive: true},
					{ActionType: "webhook", ExecutionOrder: 1, IsActive: true},
					{ActionType: "sms", ExecutionOrder: 0, IsActive: false},
				},
			},
			{
				ID: "escalate", FromStateID: "new", ToStateID: "new", Name: "Escalate", Code: "ESCALATE",
				AssignDepartmentID: "dept-escalations",
			},
			{
				ID: "close-as-request", FromStateID: "new", ToStateID: "resolved", Name: "Close as request", Code: "CLOSE_AS_REQUEST",
				Requirements: []model.TransitionRequirement{
					{RequirementType: model.RequirementComment, IsMandatory: true},
				},
			},
			{
				ID: "resolve", FromStateID: "assigned", ToStateID: "resolved", Name: "Resolve", Code: "RESOLVE",
				AllowedRoleIDs: []string{"agent"},
				Requirements: []model.TransitionRequirement{
					{RequirementType: model.RequirementComment, IsMandatory: true},
					{RequirementType: model.RequirementAttachment, IsMandatory: true, ErrorMessage: "Upload the fix report"},
					{RequirementType: model.RequirementFeedback, IsMandatory: false},
				},
			},
			{ID: "reopen", FromStateID: "resolved", ToStateID: "assigned", Name: "Reopen", Code: "REOPEN"},
		},
	}
}

func requestWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:                "wf-request",
		Name:              "Service Request",
		Code:              "REQ",
		RecordType:        model.RecordRequest,
		IsActive:          true,
		ClassificationIDs: []string{"R1", "R2"},
		States: []model.WorkflowState{
			{ID: "submitted", Name: "Submitted", StateType: model.StateInitial, SLAHours: 48},
			{ID: "fulfilled", Name: "Fulfilled", StateType: model.StateTerminal},
		},
		Transitions: []model.WorkflowTransition{
			{ID: "fulfil", FromStateID: "submitted", ToStateID: "fulfilled", Name: "Fulfil", Code: "FULFIL"},
		},
	}
}

type testEnv struct {
	engine     *Engine
	store      *store.MemoryStore
	registry   *definition.Registry
	dispatcher *recordingDispatcher
	clock      *testClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	defs := []model.WorkflowDefinition{incidentWorkflow(), requestWorkflow()}
	st := store.NewMemoryStore()
	for _, d := range defs {
		if err := st.SaveWorkflow(context.Background(), d); err != nil {
			t.Fatalf("SaveWorkflow() error = %v", err)
		}
	}
	env := &testEnv{
		store:      st,
		registry:   definition.NewRegistry(defs),
		dispatcher: &recordingDispatcher{},
		clock:      &testClock{t: t0},
	}
	base := []Option{WithDispatcher(env.dispatcher), WithClock(env.clock.now)}
	env.engine = NewEngine(env.registry, st, append(base, opts...)...)
	return env
}

func (env *testEnv) newIncident(t *testing.T) model.Case {
	t.Helper()
	c, err := env.engine.CreateCase(context.Background(), reporter(), model.NewCase{
		RecordType:   model.RecordIncident,
		Title:        "Water leak in lobby",
		LocationID:   "loc-7",
		DepartmentID: "dept-facilities",
		Source:       "web",
	})
	if err != nil {
		t.Fatalf("CreateCase() error = %v", err)
	}
	return c
}

func (env *testEnv) revisions(t *testing.T, caseID string) []model.Revision {
	t.Helper()
	revs, _, err := env.store.ListRevisions(context.Background(), caseID, store.RevisionQuery{})
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	return revs
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.HasCode(err, code) {
		t.Fatalf("error = %v, want %s", err, code)
	}
}

// --- MatchWorkflow ---

func TestEngine_MatchWorkflow_restricts_record_type(t *testing.T) {
	env := newTestEnv(t)

	wf, ok := env.engine.MatchWorkflow(context.Background(), model.MatchCriteria{RecordType: model.RecordRequest})
	if !ok || wf.ID != "wf-request" {
		t.Errorf("MatchWorkflow(request) = %q, %v, want wf-request", wf.ID, ok)
	}

	wf, ok = env.engine.MatchWorkflow(context.Background(), model.MatchCriteria{RecordType: model.RecordIncident})
	if !ok || wf.ID != "wf-incident" {
		t.Errorf("MatchWorkflow(incident) = %q, %v, want wf-incident", wf.ID, ok)
	}

	if _, ok := env.engine.MatchWorkflow(context.Background(), model.MatchCriteria{RecordType: model.RecordComplaint}); ok {
		t.Error("MatchWorkflow(complaint) ok = true, want false")
	}
}

// --- CreateCase ---

func TestEngine_CreateCase_opens_at_initial_state(t *testing.T) {
	env := newTestEnv(t)
	c := env.newIncident(t)

	if c.WorkflowID != "wf-incident" || c.CurrentStateID != "new" {
		t.Errorf("workflow,state = %s,%s, want wf-incident,new", c.WorkflowID, c.CurrentStateID)
	}
	if c.Priority != model.DefaultPriority {
		t.Errorf("Priority = %d, want %d", c.Priority, model.DefaultPriority)
	}
	if c.ReportedBy != "user-carol" {
		t.Errorf("ReportedBy = %q, want user-carol", c.ReportedBy)
	}
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}
	if c.SLADeadline == nil || !c.SLADeadline.Equal(t0.Add(4*time.Hour)) {
		t.Errorf("SLADeadline = %v, want %v", c.SLADeadline, t0.Add(4*time.Hour))
	}

	revs := env.revisions(t, c.ID)
	if len(revs) != 1 || revs[0].RevisionNumber != 1 || revs[0].ActionType != model.RevisionCreated {
		t.Fatalf("revisions = %+v, want one created revision numbered 1", revs)
	}
}

func TestEngine_CreateCase_validation(t *testing.T) {
	env := newTestEnv(t)
	p := 9

	_, err := env.engine.CreateCase(context.Background(), reporter(), model.NewCase{
		RecordType: model.RecordBoth, Title: "  ", Priority: &p,
	})
	assertCode(t, err, model.ErrValidationError)
	ee, _ := model.AsEnvelope(err)
	if len(ee.Details) != 3 {
		t.Errorf("Details = %+v, want 3 entries", ee.Details)
	}
	if env.store.Len() != 0 {
		t.Errorf("store has %d cases, want 0", env.store.Len())
	}
}

func TestEngine_CreateCase_explicit_workflow(t *testing.T) {
	env := newTestEnv(t)

	c, err := env.engine.CreateCase(context.Background(), reporter(), model.NewCase{
		RecordType: model.RecordRequest, Title: "New laptop", WorkflowID: "wf-request",
	})
	if err != nil {
		t.Fatalf("CreateCase() error = %v", err)
	}
	if c.CurrentStateID != "submitted" {
		t.Errorf("CurrentStateID = %q, want submitted", c.CurrentStateID)
	}

	_, err = env.engine.CreateCase(context.Background(), reporter(), model.NewCase{
		RecordType: model.RecordIncident, Title: "Leak", WorkflowID: "wf-request",
	})
	assertCode(t, err, model.ErrInvalidRecordType)

	_, err = env.engine.CreateCase(context.Background(), reporter(), model.NewCase{
		RecordType: model.RecordIncident, Title: "Leak", WorkflowID: "wf-missing",
	})
	assertCode(t, err, model.ErrNotFound)
}

func TestEngine_CreateCase_no_workflow_for_type(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreateCase(context.Background(), reporter(), model.NewCase{
		RecordType: model.RecordComplaint, Title: "Rude staff",
	})
	assertCode(t, err, model.ErrNotFound)
}

func TestEngine_custom_requirement_checker(t *testing.T) {
	wf := incidentWorkflow()
	wf.Transitions[1].Requirements = []model.TransitionRequirement{{RequirementType: "signature", IsMandatory: true}}
	env := newTestEnv(t, WithRequirementChecker("signature", signatureChecker{}))
	env.registry.Replace([]model.WorkflowDefinition{wf, requestWorkflow()})
	c := env.newIncident(t)

	_, err := env.engine.ExecuteTransition(context.Background(), agent(), c.ID, "ESCALATE", model.TransitionPayload{})
	assertCode(t, err, model.ErrRequirementNotMet)

	_, err = env.engine.ExecuteTransition(context.Background(), agent(), c.ID, "ESCALATE", model.TransitionPayload{
		Fields: map[string]string{"signature": "A. Agent"},
	})
	if err != nil {
		t.Fatalf("ExecuteTransition() error = %v", err)
	}

	found := false
	for _, k := range env.engine.RequirementKinds() {
		if k == "signature" {
			found = true
		}
	}
	if !found {
		t.Error("RequirementKinds() does not include signature")
	}
}

type signatureChecker struct{}

func (signatureChecker) Satisfied(_ model.TransitionRequirement, _ model.Case, p model.TransitionPayload) bool {
	return p.Fields["signature"] != ""
}

func (signatureChecker) Message(model.TransitionRequirement) string { return "Signature is required" }

func TestEngine_unregistered_requirement_fails_closed(t *testing.T) {
	wf := incidentWorkflow()
	wf.Transitions[1].Requirements = []model.TransitionRequirement{{RequirementType: "signature", IsMandatory: true}}
	env := newTestEnv(t)
	env.registry.Replace([]model.WorkflowDefinition{wf, requestWorkflow()})
	c := env.newIncident(t)

	_, err := env.engine.ExecuteTransition(context.Background(), agent(), c.ID, "ESCALATE", model.TransitionPayload{})
	assertCode(t, err, model.ErrRequirementNotMet)
	ee, _ := model.AsEnvelope(err)
	if ee.Details[0].Code != CodeUnsupported {
		t.Errorf("detail code = %q, want %q", ee.Details[0].Code, CodeUnsupported)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{model.NewConflictError("x"), "conflict"},
		{errors.New("disk"), "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
