package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/revision"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// Convert opens a request case from an incident. The optional source
// transition and the new request are written in one commit; the incident is
// otherwise left as it is.
func (e *Engine) Convert(
	ctx context.Context,
	rctx *model.RequestContext,
	caseID string,
	req model.ConversionRequest,
) (result model.ConversionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.convert",
		observability.AttrCaseID.String(caseID),
		observability.AttrWorkflowID.String(req.WorkflowID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if req.WorkflowID == "" {
		return model.ConversionResult{}, model.NewBadRequestError("workflow_id is required")
	}
	if req.ClassificationID == "" {
		return model.ConversionResult{}, model.NewBadRequestError("classification_id is required")
	}

	// 1. Source must be an incident.
	src, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return model.ConversionResult{}, err
	}
	if src.RecordType != model.RecordIncident {
		return model.ConversionResult{}, model.NewInvalidRecordTypeError(
			fmt.Sprintf("case %q is a %s; only incidents can be converted", src.ID, src.RecordType),
		)
	}
	srcWF, err := e.workflowFor(ctx, src.WorkflowID)
	if err != nil {
		return model.ConversionResult{}, err
	}

	// 2. Conversion roles.
	if !rctx.HasAnyRole(srcWF.ConvertRoleIDs) {
		return model.ConversionResult{}, model.NewForbiddenError(
			fmt.Sprintf("converting cases of workflow %q requires one of roles: %s",
				srcWF.ID, strings.Join(srcWF.ConvertRoleIDs, ", ")),
		)
	}

	// 3. Target workflow and classification.
	target, ok := e.registry.Get(req.WorkflowID)
	if !ok {
		return model.ConversionResult{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", req.WorkflowID))
	}
	if !target.IsActive || !acceptsRequests(target) {
		return model.ConversionResult{}, model.NewInvalidRecordTypeError(
			fmt.Sprintf("workflow %q is not an active request workflow", target.ID),
		)
	}
	if !e.requestClassification(req.ClassificationID) {
		return model.ConversionResult{}, model.NewInvalidRecordTypeError(
			fmt.Sprintf("classification %q is not handled by any active request workflow", req.ClassificationID),
		)
	}
	initial, ok := target.InitialState()
	if !ok {
		return model.ConversionResult{}, fmt.Errorf("workflow %q has no initial state", target.ID)
	}

	// 4. Optional source transition.
	var (
		changes []store.Change
		plan    *Plan
	)
	if req.TransitionID != "" {
		p, err := e.PlanTransition(ctx, rctx, src, req.TransitionID, req.Payload)
		if err != nil {
			return model.ConversionResult{}, err
		}
		plan = &p
		changes = append(changes, p.Change())
	}

	// 5. New request case.
	now := e.now()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = src.Title
	}
	description := req.Description
	if description == "" {
		description = src.Description
	}
	rc := model.Case{
		ID:               uuid.New().String(),
		RecordType:       model.RecordRequest,
		Title:            title,
		Description:      description,
		WorkflowID:       target.ID,
		CurrentStateID:   initial.ID,
		ClassificationID: req.ClassificationID,
		LocationID:       src.LocationID,
		DepartmentID:     src.DepartmentID,
		Priority:         src.Priority,
		Source:           src.Source,
		ReportedBy:       rctx.SubjectID,
		SourceIncidentID: src.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	resetSLA(&rc, initial, now)
	rev := revision.New(model.RevisionCreated,
		fmt.Sprintf("Converted from incident %s", src.ID),
		rctx.SubjectID, now,
		model.FieldChange{Field: "source_incident_id", NewValue: src.ID},
		model.FieldChange{Field: "current_state_id", NewValue: initial.ID},
	)
	changes = append(changes, store.Change{Case: rc, Create: true, Revisions: []model.Revision{rev}})

	// 6. Commit both.
	committed, err := e.store.Commit(ctx, changes...)
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			e.metrics.RecordConflict("convert")
		}
		return model.ConversionResult{}, err
	}
	result = model.ConversionResult{
		Request: committed[len(committed)-1].Case,
		Source:  src,
	}
	e.metrics.RecordRevision(string(model.RevisionCreated))

	// 7. Actions of the source transition.
	if plan != nil {
		result.Source = committed[0].Case
		e.metrics.RecordRevision(string(model.RevisionStatusChanged))
		result.Warnings = e.DispatchActions(rctx, *plan, result.Source)
	}

	e.publish(eventbus.CaseConverted, src.ID, map[string]string{
		"request_id":   result.Request.ID,
		"workflow_id":  target.ID,
		"performed_by": rctx.SubjectID,
	})
	e.logger.Info("incident converted",
		zap.String("case_id", src.ID),
		zap.String("request_id", result.Request.ID),
		zap.String("workflow_id", target.ID),
		zap.Bool("transitioned", plan != nil),
	)
	return result, nil
}

func acceptsRequests(w model.WorkflowDefinition) bool {
	return w.RecordType == model.RecordRequest || w.RecordType == model.RecordBoth
}

// requestClassification reports whether some active request workflow lists
// classificationID.
func (e *Engine) requestClassification(classificationID string) bool {
	for _, w := range e.registry.All() {
		if w.IsActive && acceptsRequests(w) && w.HasClassification(classificationID) {
			return true
		}
	}
	return false
}
