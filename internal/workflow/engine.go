// Package workflow executes the case lifecycle: workflow selection at
// creation, gated state transitions, incident-to-request conversion, field
// updates and the SLA sweep.
//
// Every case write is one store commit guarded by the version the case was
// read at. A concurrent writer that loses the race gets CONFLICT and nothing
// it planned is written.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/action"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/matching"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/revision"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// SystemActor is recorded as the performer of engine-initiated revisions.
const SystemActor = "system"

// Dispatcher accepts post-commit action jobs without blocking.
type Dispatcher interface {
	Enqueue(job action.Job) error
}

// Engine drives cases through their workflows.
type Engine struct {
	registry   *definition.Registry
	store      store.Store
	ledger     *revision.Ledger
	checkers   map[model.RequirementType]RequirementChecker
	dispatcher Dispatcher
	bus        *eventbus.Bus
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher sets where transition actions are sent after commit.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithEventBus publishes domain events on bus.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLedger sets the ledger used for revision-only appends.
func WithLedger(l *revision.Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithRequirementChecker registers a checker for a requirement kind,
// replacing the built-in one if present.
func WithRequirementChecker(kind model.RequirementType, c RequirementChecker) Option {
	return func(e *Engine) { e.checkers[kind] = c }
}

// NewEngine creates an engine reading definitions from registry.
func NewEngine(registry *definition.Registry, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		store:    st,
		checkers: builtinCheckers(),
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ledger == nil {
		e.ledger = revision.NewLedger(st,
			revision.WithLogger(e.logger),
			revision.WithMetrics(e.metrics),
			revision.WithClock(e.now),
		)
	}
	return e
}

// RequirementKinds returns every requirement kind with a registered checker.
func (e *Engine) RequirementKinds() []model.RequirementType {
	kinds := make([]model.RequirementType, 0, len(e.checkers))
	for k := range e.checkers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Ledger returns the engine's revision ledger.
func (e *Engine) Ledger() *revision.Ledger {
	return e.ledger
}

// MatchWorkflow selects the workflow for new-case criteria from the current
// registry snapshot. It never fails; ok is false when no candidate exists.
func (e *Engine) MatchWorkflow(ctx context.Context, criteria model.MatchCriteria) (model.WorkflowDefinition, bool) {
	_, span := observability.StartSpan(ctx, "workflow.match",
		observability.AttrRecordType.String(string(criteria.RecordType)),
	)
	defer span.End()

	candidates := matching.ForRecordType(e.registry.All(), criteria.RecordType)
	wf, result := matching.MatchWithResult(candidates, criteria)
	e.metrics.RecordMatch(string(result))
	span.SetAttributes(
		observability.AttrMatchOutcome.String(string(result)),
		observability.AttrWorkflowID.String(wf.ID),
	)
	return wf, result != matching.ResultNone
}

// CreateCase opens a case at the initial state of its workflow. When
// in.WorkflowID is empty the workflow is chosen by MatchWorkflow.
func (e *Engine) CreateCase(ctx context.Context, rctx *model.RequestContext, in model.NewCase) (model.Case, error) {
	// 1. Validate input.
	if err := validateNewCase(in); err != nil {
		return model.Case{}, err
	}
	priority := model.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}

	// 2. Resolve the workflow.
	var wf model.WorkflowDefinition
	if in.WorkflowID != "" {
		var ok bool
		wf, ok = e.registry.Get(in.WorkflowID)
		if !ok {
			return model.Case{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", in.WorkflowID))
		}
		if !wf.IsActive || !wf.RecordType.Accepts(in.RecordType) {
			return model.Case{}, model.NewInvalidRecordTypeError(
				fmt.Sprintf("workflow %q does not accept active %s cases", wf.ID, in.RecordType),
			)
		}
	} else {
		var ok bool
		wf, ok = e.MatchWorkflow(ctx, model.MatchCriteria{
			RecordType:       in.RecordType,
			ClassificationID: in.ClassificationID,
			LocationID:       in.LocationID,
			Source:           in.Source,
			Priority:         &priority,
		})
		if !ok {
			return model.Case{}, model.NewNotFoundError(
				fmt.Sprintf("no active workflow accepts %s cases", in.RecordType),
			)
		}
	}
	initial, ok := wf.InitialState()
	if !ok {
		return model.Case{}, fmt.Errorf("workflow %q has no initial state", wf.ID)
	}

	// 3. Build the case at the initial state.
	now := e.now()
	c := model.Case{
		ID:               uuid.New().String(),
		RecordType:       in.RecordType,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		WorkflowID:       wf.ID,
		CurrentStateID:   initial.ID,
		ClassificationID: in.ClassificationID,
		LocationID:       in.LocationID,
		DepartmentID:     in.DepartmentID,
		AssigneeID:       in.AssigneeID,
		Priority:         priority,
		Source:           in.Source,
		ReportedBy:       rctx.SubjectID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	resetSLA(&c, initial, now)

	// 4. Persist with the created revision.
	rev := revision.New(model.RevisionCreated,
		fmt.Sprintf("Case created in workflow %s at state %s", wf.Name, initial.Name),
		rctx.SubjectID, now,
		model.FieldChange{Field: "current_state_id", NewValue: initial.ID},
	)
	committed, err := e.store.Commit(ctx, store.Change{Case: c, Create: true, Revisions: []model.Revision{rev}})
	if err != nil {
		return model.Case{}, err
	}
	c = committed[0].Case
	e.metrics.RecordRevision(string(model.RevisionCreated))

	e.publish(eventbus.CaseCreated, c.ID, map[string]string{
		"workflow_id":  c.WorkflowID,
		"state_id":     c.CurrentStateID,
		"record_type":  string(c.RecordType),
		"performed_by": rctx.SubjectID,
	})
	e.logger.Info("case created", observability.CaseFields(c)...)
	return c, nil
}

func validateNewCase(in model.NewCase) error {
	var details []model.FieldError
	if !in.RecordType.IsCaseType() {
		details = append(details, model.FieldError{
			Field:   "record_type",
			Code:    "INVALID_ENUM",
			Message: "record_type must be one of incident, complaint, query, request",
		})
	}
	if strings.TrimSpace(in.Title) == "" {
		details = append(details, model.FieldError{Field: "title", Code: "REQUIRED", Message: "title is required"})
	}
	if in.Priority != nil && !validPriority(*in.Priority) {
		details = append(details, model.FieldError{Field: "priority", Code: "OUT_OF_RANGE", Message: "priority must be between 1 and 5"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func validPriority(p int) bool { return p >= 1 && p <= 5 }

// workflowFor returns the definition a case runs on. Soft-deleted
// definitions are no longer in the registry but still govern their cases.
func (e *Engine) workflowFor(ctx context.Context, workflowID string) (model.WorkflowDefinition, error) {
	if wf, ok := e.registry.Get(workflowID); ok {
		return wf, nil
	}
	return e.store.GetWorkflow(ctx, workflowID)
}

// resetSLA starts the SLA clock of state s on c, or clears it when s has
// no SLA.
func resetSLA(c *model.Case, s model.WorkflowState, now time.Time) {
	c.SLABreached = false
	if s.SLAHours <= 0 {
		c.SLADeadline = nil
		return
	}
	deadline := now.Add(time.Duration(s.SLAHours) * time.Hour)
	c.SLADeadline = &deadline
}

func (e *Engine) publish(eventType, caseID string, data map[string]string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishNew(eventType, caseID, data)
}

// outcome maps an operation error to a metrics label.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return strings.ToLower(ee.Code)
	}
	return "error"
}
