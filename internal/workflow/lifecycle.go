package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/revision"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// GetCase returns a case by id.
func (e *Engine) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	return e.store.GetCase(ctx, caseID)
}

// ListHistory returns a case's transition history, oldest first.
func (e *Engine) ListHistory(ctx context.Context, caseID string) ([]model.TransitionHistory, error) {
	h, err := e.store.ListHistory(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = []model.TransitionHistory{}
	}
	return h, nil
}

// UpdateCase changes business fields. Assignment changes are recorded as an
// assignee_changed revision, everything else as one field_change revision.
// A request that changes nothing writes nothing.
func (e *Engine) UpdateCase(ctx context.Context, rctx *model.RequestContext, caseID string, upd model.CaseUpdate) (model.Case, error) {
	// 1. Validate.
	var details []model.FieldError
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		details = append(details, model.FieldError{Field: "title", Code: "REQUIRED", Message: "title must not be blank"})
	}
	if upd.Priority != nil && !validPriority(*upd.Priority) {
		details = append(details, model.FieldError{Field: "priority", Code: "OUT_OF_RANGE", Message: "priority must be between 1 and 5"})
	}
	if len(details) > 0 {
		return model.Case{}, model.NewValidationError(details)
	}

	// 2. Load.
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return model.Case{}, err
	}

	// 3. Apply and diff.
	next := c
	var fields, assignment revision.Diff
	if upd.Title != nil {
		next.Title = strings.TrimSpace(*upd.Title)
		fields.Add("title", c.Title, next.Title)
	}
	if upd.Description != nil {
		next.Description = *upd.Description
		fields.Add("description", c.Description, next.Description)
	}
	if upd.ClassificationID != nil {
		next.ClassificationID = *upd.ClassificationID
		fields.Add("classification_id", c.ClassificationID, next.ClassificationID)
	}
	if upd.LocationID != nil {
		next.LocationID = *upd.LocationID
		fields.Add("location_id", c.LocationID, next.LocationID)
	}
	if upd.Priority != nil {
		next.Priority = *upd.Priority
		fields.AddInt("priority", c.Priority, next.Priority)
	}
	if upd.DepartmentID != nil {
		next.DepartmentID = *upd.DepartmentID
		assignment.Add("department_id", c.DepartmentID, next.DepartmentID)
	}
	if upd.AssigneeID != nil {
		next.AssigneeID = *upd.AssigneeID
		assignment.Add("assignee_id", c.AssigneeID, next.AssigneeID)
	}
	if len(fields) == 0 && len(assignment) == 0 {
		return c, nil
	}

	// 4. Commit with one revision per kind of change.
	now := e.now()
	next.UpdatedAt = now
	var revs []model.Revision
	if len(fields) > 0 {
		revs = append(revs, revision.New(model.RevisionFieldChange,
			"Updated "+fieldNames(fields), rctx.SubjectID, now, fields...))
	}
	if len(assignment) > 0 {
		revs = append(revs, revision.New(model.RevisionAssigneeChanged,
			"Assignment changed", rctx.SubjectID, now, assignment...))
	}
	committed, err := e.store.Commit(ctx, store.Change{Case: next, Revisions: revs})
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			e.metrics.RecordConflict("update_case")
		}
		return model.Case{}, err
	}
	for _, r := range revs {
		e.metrics.RecordRevision(string(r.ActionType))
	}

	out := committed[0].Case
	e.publish(eventbus.CaseUpdated, out.ID, map[string]string{"performed_by": rctx.SubjectID})
	e.logger.Info("case updated",
		zap.String("case_id", out.ID),
		zap.Int("changes", len(fields)+len(assignment)),
	)
	return out, nil
}

func fieldNames(d revision.Diff) string {
	names := make([]string, len(d))
	for i, c := range d {
		names[i] = c.Field
	}
	return strings.Join(names, ", ")
}

// DeleteCase hard-deletes a case that is neither a merge master nor the
// source of a conversion.
func (e *Engine) DeleteCase(ctx context.Context, rctx *model.RequestContext, caseID string) error {
	if err := e.store.DeleteCase(ctx, caseID); err != nil {
		return err
	}
	e.publish(eventbus.CaseDeleted, caseID, map[string]string{"performed_by": rctx.SubjectID})
	e.logger.Info("case deleted", zap.String("case_id", caseID), zap.String("performed_by", rctx.SubjectID))
	return nil
}

// SweepSLA flags every open case whose SLA deadline passed before now. Each
// case is flagged in its own commit with a field_change revision; a case
// that changed in the meantime is re-read and re-checked. Per-case failures
// are reported, not raised.
func (e *Engine) SweepSLA(ctx context.Context, now time.Time) (model.SLASweepResult, error) {
	overdue, err := e.store.FindOverdue(ctx, now)
	if err != nil {
		return model.SLASweepResult{}, fmt.Errorf("find overdue cases: %w", err)
	}

	result := model.SLASweepResult{
		Checked:  len(overdue),
		Breached: []string{},
		Failures: []model.CaseFailure{},
	}
	for _, candidate := range overdue {
		_, written, err := e.ledger.Append(ctx, candidate.ID, func(c model.Case) (model.Case, []model.Revision, bool, error) {
			if c.SLABreached || c.ClosedAt != nil || c.SLADeadline == nil || !c.SLADeadline.Before(now) {
				return c, nil, false, nil
			}
			var d revision.Diff
			d.AddBool("sla_breached", false, true)
			c.SLABreached = true
			c.UpdatedAt = e.now()
			rev := revision.New(model.RevisionFieldChange,
				fmt.Sprintf("SLA deadline %s breached", c.SLADeadline.Format(time.RFC3339)),
				SystemActor, c.UpdatedAt, d...)
			return c, []model.Revision{rev}, true, nil
		})
		if err != nil {
			result.Failures = append(result.Failures, model.CaseFailure{CaseID: candidate.ID, Error: err.Error()})
			e.logger.Error("sla sweep failed for case", zap.String("case_id", candidate.ID), zap.Error(err))
			continue
		}
		if !written {
			continue
		}
		result.Breached = append(result.Breached, candidate.ID)
		e.metrics.RecordSLABreach()
		e.publish(eventbus.CaseSLABreached, candidate.ID, map[string]string{
			"workflow_id": candidate.WorkflowID,
			"state_id":    candidate.CurrentStateID,
		})
	}

	e.logger.Info("sla sweep completed",
		zap.Int("checked", result.Checked),
		zap.Int("breached", len(result.Breached)),
		zap.Int("failed", len(result.Failures)),
	)
	return result, nil
}
