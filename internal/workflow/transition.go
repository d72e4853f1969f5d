package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/action"
	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/revision"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// Plan is a checked transition that has not been written yet. Case carries
// the next state and still holds the version it was read at.
type Plan struct {
	Workflow    model.WorkflowDefinition
	Transition  model.WorkflowTransition
	FromStateID string
	Case        model.Case
	History     model.TransitionHistory
	Revision    model.Revision
}

// Change returns the store change that applies the plan.
func (p Plan) Change() store.Change {
	h := p.History
	return store.Change{Case: p.Case, History: &h, Revisions: []model.Revision{p.Revision}}
}

// AvailableTransitions lists every transition leaving the case's current
// state. CanExecute reflects the role check only; requirements are returned
// on each transition so callers can prompt for them.
func (e *Engine) AvailableTransitions(ctx context.Context, rctx *model.RequestContext, caseID string) ([]model.AvailableTransition, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	wf, err := e.workflowFor(ctx, c.WorkflowID)
	if err != nil {
		return nil, err
	}

	leaving := wf.TransitionsFrom(c.CurrentStateID)
	out := make([]model.AvailableTransition, 0, len(leaving))
	for _, t := range leaving {
		at := model.AvailableTransition{Transition: t, CanExecute: true, BlockingReasons: []string{}}
		if !rctx.HasAnyRole(t.AllowedRoleIDs) {
			at.CanExecute = false
			at.BlockingReasons = append(at.BlockingReasons,
				fmt.Sprintf("requires one of roles: %s", strings.Join(t.AllowedRoleIDs, ", ")),
			)
		}
		out = append(out, at)
	}
	return out, nil
}

// ExecuteTransition moves a case along the transition identified by ref
// (a transition id or code). All checks run before anything is written;
// actions are dispatched after the commit and their failures come back as
// warnings.
func (e *Engine) ExecuteTransition(
	ctx context.Context,
	rctx *model.RequestContext,
	caseID, ref string,
	payload model.TransitionPayload,
) (result model.TransitionResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.execute_transition",
		observability.AttrCaseID.String(caseID),
		observability.AttrTransition.String(ref),
	)
	workflowID, transitionID := "", unknownTransition
	defer func() {
		e.metrics.RecordTransition(workflowID, transitionID, outcome(err), time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	// 1. Load case.
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return model.TransitionResult{}, err
	}
	workflowID = c.WorkflowID

	// 2. Check and plan.
	plan, err := e.PlanTransition(ctx, rctx, c, ref, payload)
	if err != nil {
		transitionID = e.resolvedTransitionID(ctx, c, ref)
		e.logger.Warn("transition rejected",
			zap.String("case_id", caseID),
			zap.String("transition", ref),
			zap.Error(err),
		)
		return model.TransitionResult{}, err
	}
	transitionID = plan.Transition.ID

	// 3. Commit state, history and revision together.
	committed, err := e.store.Commit(ctx, plan.Change())
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			e.metrics.RecordConflict("execute_transition")
		}
		return model.TransitionResult{}, err
	}
	out := committed[0]
	e.metrics.RecordRevision(string(model.RevisionStatusChanged))

	// 4. Dispatch actions.
	warnings := e.DispatchActions(rctx, plan, out.Case)

	e.publish(eventbus.CaseTransitioned, out.Case.ID, map[string]string{
		"workflow_id":   plan.Workflow.ID,
		"transition_id": plan.Transition.ID,
		"from_state_id": plan.FromStateID,
		"to_state_id":   out.Case.CurrentStateID,
		"performed_by":  rctx.SubjectID,
	})
	e.logger.Info("transition executed",
		zap.String("case_id", out.Case.ID),
		zap.String("workflow_id", plan.Workflow.ID),
		zap.String("transition_id", plan.Transition.ID),
		zap.String("from_state_id", plan.FromStateID),
		zap.String("to_state_id", out.Case.CurrentStateID),
		zap.Int("revision_number", out.Revisions[0].RevisionNumber),
	)

	return model.TransitionResult{
		Case:     out.Case,
		History:  *out.History,
		Revision: out.Revisions[0],
		Warnings: warnings,
	}, nil
}

// unknownTransition labels metrics for refs that match no transition out of
// the case's current state.
const unknownTransition = "unknown"

// resolvedTransitionID returns the id of the transition ref names from the
// case's current state, or unknownTransition. Caller-supplied refs never
// become metric labels directly.
func (e *Engine) resolvedTransitionID(ctx context.Context, c model.Case, ref string) string {
	wf, err := e.workflowFor(ctx, c.WorkflowID)
	if err != nil {
		return unknownTransition
	}
	if t, ok := findTransition(wf, c.CurrentStateID, ref); ok {
		return t.ID
	}
	return unknownTransition
}

// PlanTransition checks that ref leaves c's current state, that the actor
// may execute it and that every mandatory requirement is met, then computes
// the resulting case, history row and revision. Nothing is written.
func (e *Engine) PlanTransition(
	ctx context.Context,
	rctx *model.RequestContext,
	c model.Case,
	ref string,
	payload model.TransitionPayload,
) (Plan, error) {
	wf, err := e.workflowFor(ctx, c.WorkflowID)
	if err != nil {
		return Plan{}, err
	}

	// 1. Transition must leave the current state.
	t, ok := findTransition(wf, c.CurrentStateID, ref)
	if !ok {
		return Plan{}, model.NewTransitionNotFoundError(
			fmt.Sprintf("transition %q is not available from state %q", ref, c.CurrentStateID),
		)
	}

	// 2. Role check.
	if !rctx.HasAnyRole(t.AllowedRoleIDs) {
		return Plan{}, model.NewForbiddenError(
			fmt.Sprintf("transition %q requires one of roles: %s", t.Code, strings.Join(t.AllowedRoleIDs, ", ")),
		)
	}

	// 3. Requirements.
	if err := e.checkRequirements(t, c, payload); err != nil {
		return Plan{}, err
	}
	if payload.Feedback != nil && !validRating(payload.Feedback.Rating) {
		return Plan{}, model.NewValidationError([]model.FieldError{{
			Field: "feedback.rating", Code: "OUT_OF_RANGE", Message: "rating must be between 1 and 5",
		}})
	}

	from, _ := wf.State(c.CurrentStateID)
	to, ok := wf.State(t.ToStateID)
	if !ok {
		return Plan{}, fmt.Errorf("workflow %q: transition %q targets unknown state %q", wf.ID, t.ID, t.ToStateID)
	}

	// 4. Next case state.
	now := e.now()
	next := c
	next.CurrentStateID = to.ID
	next.UpdatedAt = now
	changes := []model.FieldChange{{Field: "current_state_id", OldValue: c.CurrentStateID, NewValue: to.ID}}

	var assigned revision.Diff
	if dept := assignment(t.AssignDepartmentID, t.AllowAssigneeSelection, payload.DepartmentID); dept != "" {
		assigned.Add("department_id", c.DepartmentID, dept)
		next.DepartmentID = dept
	}
	if user := assignment(t.AssignUserID, t.AllowAssigneeSelection, payload.AssigneeID); user != "" {
		assigned.Add("assignee_id", c.AssigneeID, user)
		next.AssigneeID = user
	}
	changes = append(changes, assigned...)

	resetSLA(&next, to, now)
	if to.StateType == model.StateTerminal {
		if next.ClosedAt == nil {
			next.ClosedAt = &now
		}
	} else {
		next.ClosedAt = nil
	}

	// 5. Audit records.
	history := model.TransitionHistory{
		ID:            uuid.New().String(),
		CaseID:        c.ID,
		TransitionID:  t.ID,
		FromStateID:   c.CurrentStateID,
		ToStateID:     to.ID,
		ExecutedBy:    rctx.SubjectID,
		ExecutedAt:    now,
		Comment:       strings.TrimSpace(payload.Comment),
		AttachmentIDs: payload.AttachmentIDs,
		Feedback:      payload.Feedback,
	}
	rev := revision.New(model.RevisionStatusChanged,
		fmt.Sprintf("Status changed from %s to %s", from.Name, to.Name),
		rctx.SubjectID, now, changes...,
	)

	return Plan{
		Workflow:    wf,
		Transition:  t,
		FromStateID: c.CurrentStateID,
		Case:        next,
		History:     history,
		Revision:    rev,
	}, nil
}

// DispatchActions hands the active actions of a committed plan to the
// dispatcher in execution order. Every action that could not be queued is
// returned as a warning.
func (e *Engine) DispatchActions(rctx *model.RequestContext, plan Plan, committed model.Case) []string {
	actions := make([]model.TransitionAction, 0, len(plan.Transition.Actions))
	for _, a := range plan.Transition.Actions {
		if a.IsActive {
			actions = append(actions, a)
		}
	}
	if len(actions) == 0 {
		return nil
	}
	slices.SortStableFunc(actions, func(a, b model.TransitionAction) int {
		return a.ExecutionOrder - b.ExecutionOrder
	})

	var warnings []string
	for _, a := range actions {
		var err error
		if e.dispatcher == nil {
			err = action.ErrStopped
		} else {
			err = e.dispatcher.Enqueue(action.Job{
				Action:      a,
				Case:        committed,
				WorkflowID:  plan.Workflow.ID,
				Transition:  plan.Transition,
				FromStateID: plan.FromStateID,
				Actor:       rctx.SubjectID,
				OccurredAt:  plan.History.ExecutedAt,
			})
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("action %s (order %d) not dispatched: %v", a.ActionType, a.ExecutionOrder, err))
			e.logger.Warn("action not dispatched",
				zap.String("case_id", committed.ID),
				zap.String("transition_id", plan.Transition.ID),
				zap.String("action_type", a.ActionType),
				zap.Error(err),
			)
		}
	}
	return warnings
}

func findTransition(wf model.WorkflowDefinition, stateID, ref string) (model.WorkflowTransition, bool) {
	for _, t := range wf.TransitionsFrom(stateID) {
		if t.ID == ref || (t.Code != "" && t.Code == ref) {
			return t, true
		}
	}
	return model.WorkflowTransition{}, false
}

// assignment returns the static target when set, otherwise the payload's
// choice if the transition allows selection.
func assignment(static string, allowSelection bool, selected string) string {
	if static != "" {
		return static
	}
	if allowSelection {
		return selected
	}
	return ""
}
