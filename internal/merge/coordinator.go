// Package merge consolidates duplicate cases under a master case and
// reverses that link.
//
// A merge is all-or-nothing: every duplicate, and the optional closing
// transition on each, is written in one store commit. Unmerging is per case
// and reports failures instead of raising them.
package merge

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/revision"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// CodeMergeInvalid is the detail code of every merge validation finding.
const CodeMergeInvalid = "MERGE_INVALID"

// Coordinator validates, executes and reverses merges.
type Coordinator struct {
	engine  *workflow.Engine
	store   store.Store
	ledger  *revision.Ledger
	locks   *keyedLocks
	bus     *eventbus.Bus
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventBus publishes merge events on bus.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator. Closing transitions are planned by
// engine and unmerge revisions go through the engine's ledger.
func NewCoordinator(engine *workflow.Engine, st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine: engine,
		store:  st,
		ledger: engine.Ledger(),
		locks:  newKeyedLocks(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// candidates is the loaded view of a merge set.
type candidates struct {
	validation model.MergeValidation
	masters    []string
}

// ValidateMerge reports whether caseIDs may be merged. Storage failures are
// returned as errors; every other finding is listed in Errors.
func (c *Coordinator) ValidateMerge(ctx context.Context, caseIDs []string) (model.MergeValidation, error) {
	cand, err := c.load(ctx, caseIDs)
	if err != nil {
		return model.MergeValidation{}, err
	}
	return cand.validation, nil
}

func (c *Coordinator) load(ctx context.Context, caseIDs []string) (candidates, error) {
	ids := distinct(caseIDs)
	v := model.MergeValidation{Errors: []string{}, MasterOptions: []model.Case{}}
	if len(ids) < 2 {
		v.Errors = append(v.Errors, "at least two distinct cases are required")
	}

	cases, err := c.store.GetCases(ctx, ids)
	if err != nil {
		return candidates{}, fmt.Errorf("load merge candidates: %w", err)
	}
	found := make(map[string]bool, len(cases))
	for _, cs := range cases {
		found[cs.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			v.Errors = append(v.Errors, fmt.Sprintf("case %q not found", id))
		}
	}

	var masters []string
	types := make(map[model.RecordType]bool)
	for _, cs := range cases {
		types[cs.RecordType] = true
		if cs.MasterIncidentID != "" {
			v.Errors = append(v.Errors, fmt.Sprintf("case %q is already merged into %q", cs.ID, cs.MasterIncidentID))
		}
		merged, err := c.store.ListCasesByMaster(ctx, cs.ID)
		if err != nil {
			return candidates{}, fmt.Errorf("list cases merged into %s: %w", cs.ID, err)
		}
		if len(merged) > 0 {
			masters = append(masters, cs.ID)
		}
	}
	if len(masters) > 1 {
		v.Errors = append(v.Errors, fmt.Sprintf("cases %s are each already the master of a merge", strings.Join(masters, ", ")))
	}
	if len(types) > 1 {
		names := make([]string, 0, len(types))
		for t := range types {
			names = append(names, string(t))
		}
		slices.Sort(names)
		v.Errors = append(v.Errors, fmt.Sprintf("cases have mixed record types: %s", strings.Join(names, ", ")))
	}

	v.CanMerge = len(v.Errors) == 0
	v.MasterOptions = cases
	return candidates{validation: v, masters: masters}, nil
}

// Merge links every case in req.CaseIDs other than the master to the master.
// The involved cases are locked in id order and the set is re-validated
// under the lock before anything is written. The master gets a revision
// listing the merged ids in the same commit.
func (c *Coordinator) Merge(ctx context.Context, rctx *model.RequestContext, req model.MergeRequest) (result model.MergeResult, err error) {
	ctx, span := observability.StartSpan(ctx, "merge.merge",
		observability.AttrMasterID.String(req.MasterID),
		observability.AttrCaseCount.Int(len(req.CaseIDs)),
	)
	defer func() {
		c.metrics.RecordMerge(outcome(err))
		observability.EndSpanWithError(span, err)
	}()

	if req.MasterID == "" {
		return model.MergeResult{}, model.NewBadRequestError("master_id is required")
	}
	ids := distinct(req.CaseIDs)
	if !slices.Contains(ids, req.MasterID) {
		return model.MergeResult{}, model.NewBadRequestError(
			fmt.Sprintf("master %q is not among the cases being merged", req.MasterID),
		)
	}

	unlock := c.locks.Lock(ids...)
	defer unlock()

	// 1. Re-validate under the lock.
	cand, err := c.load(ctx, ids)
	if err != nil {
		return model.MergeResult{}, err
	}
	if !cand.validation.CanMerge {
		details := make([]model.FieldError, len(cand.validation.Errors))
		for i, msg := range cand.validation.Errors {
			details[i] = model.FieldError{Field: "case_ids", Code: CodeMergeInvalid, Message: msg}
		}
		return model.MergeResult{}, model.NewValidationError(details)
	}
	if len(cand.masters) == 1 && cand.masters[0] != req.MasterID {
		return model.MergeResult{}, model.NewBadRequestError(
			fmt.Sprintf("case %q already has merged cases and must be the master", cand.masters[0]),
		)
	}

	// 2. Plan every duplicate.
	now := c.now()
	description := "Merged into case " + req.MasterID
	if comment := strings.TrimSpace(req.Comment); comment != "" {
		description += ": " + comment
	}
	var (
		changes   []store.Change
		plans     = make(map[string]workflow.Plan)
		master    model.Case
		mergedIDs []string
	)
	for _, cs := range cand.validation.MasterOptions {
		if cs.ID == req.MasterID {
			master = cs
			continue
		}
		mergedIDs = append(mergedIDs, cs.ID)
		next := cs
		var (
			history *model.TransitionHistory
			revs    []model.Revision
		)
		if req.CloseTransitionCode != "" {
			plan, err := c.engine.PlanTransition(ctx, rctx, cs, req.CloseTransitionCode, model.TransitionPayload{Comment: req.Comment})
			if err != nil {
				c.logger.Warn("merge rejected by closing transition",
					zap.String("case_id", cs.ID),
					zap.String("transition", req.CloseTransitionCode),
					zap.Error(err),
				)
				return model.MergeResult{}, err
			}
			plans[cs.ID] = plan
			next = plan.Case
			h := plan.History
			history = &h
			revs = append(revs, plan.Revision)
		}
		next.MasterIncidentID = req.MasterID
		next.UpdatedAt = now
		revs = append(revs, revision.New(model.RevisionStatusChanged, description, rctx.SubjectID, now,
			model.FieldChange{Field: "master_incident_id", OldValue: cs.MasterIncidentID, NewValue: req.MasterID},
		))
		changes = append(changes, store.Change{Case: next, History: history, Revisions: revs})
	}

	// The master records what was merged into it.
	masterNote := "Merged cases " + strings.Join(mergedIDs, ", ")
	if comment := strings.TrimSpace(req.Comment); comment != "" {
		masterNote += ": " + comment
	}
	master.UpdatedAt = now
	changes = append(changes, store.Change{Case: master, Revisions: []model.Revision{
		revision.New(model.RevisionStatusChanged, masterNote, rctx.SubjectID, now,
			model.FieldChange{Field: "merged_case_ids", NewValue: strings.Join(mergedIDs, ",")},
		),
	}})

	// 3. One commit for the whole set, master included.
	committed, err := c.store.Commit(ctx, changes...)
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			c.metrics.RecordConflict("merge")
		}
		return model.MergeResult{}, err
	}

	// 4. Actions of closing transitions, events.
	result.Merged = make([]model.Case, 0, len(committed))
	for _, out := range committed {
		for _, r := range out.Revisions {
			c.metrics.RecordRevision(string(r.ActionType))
		}
		if out.Case.ID == req.MasterID {
			continue
		}
		result.Merged = append(result.Merged, out.Case)
		if plan, ok := plans[out.Case.ID]; ok {
			result.Warnings = append(result.Warnings, c.engine.DispatchActions(rctx, plan, out.Case)...)
		}
		c.bus.PublishNew(eventbus.CaseMerged, out.Case.ID, map[string]string{
			"master_id":    req.MasterID,
			"performed_by": rctx.SubjectID,
		})
	}

	c.logger.Info("cases merged",
		zap.String("master_id", req.MasterID),
		zap.Int("merged", len(result.Merged)),
		zap.String("close_transition", req.CloseTransitionCode),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

// BulkUnmerge detaches each case from its master in its own commit. A case
// that cannot be unmerged is reported in Failures and does not stop the
// others.
func (c *Coordinator) BulkUnmerge(ctx context.Context, rctx *model.RequestContext, caseIDs []string, comment string) (model.UnmergeResult, error) {
	ids := distinct(caseIDs)
	if len(ids) == 0 {
		return model.UnmergeResult{}, model.NewBadRequestError("case_ids is required")
	}

	result := model.UnmergeResult{Failures: []model.CaseFailure{}}
	for _, id := range ids {
		master, err := c.unmerge(ctx, rctx, id, comment)
		if err != nil {
			result.Failures = append(result.Failures, model.CaseFailure{CaseID: id, Error: err.Error()})
			c.metrics.RecordUnmergeFailure()
			c.logger.Warn("unmerge failed", zap.String("case_id", id), zap.Error(err))
			continue
		}
		result.UnmergedCount++
		c.bus.PublishNew(eventbus.CaseUnmerged, id, map[string]string{
			"master_id":    master,
			"performed_by": rctx.SubjectID,
		})
	}

	c.logger.Info("bulk unmerge completed",
		zap.Int("unmerged", result.UnmergedCount),
		zap.Int("failed", len(result.Failures)),
	)
	return result, nil
}

func (c *Coordinator) unmerge(ctx context.Context, rctx *model.RequestContext, caseID, comment string) (string, error) {
	unlock := c.locks.Lock(caseID)
	defer unlock()

	var master string
	_, _, err := c.ledger.Append(ctx, caseID, func(cs model.Case) (model.Case, []model.Revision, bool, error) {
		if cs.MasterIncidentID == "" {
			return cs, nil, false, model.NewBadRequestError(fmt.Sprintf("case %q is not merged", cs.ID))
		}
		master = cs.MasterIncidentID
		now := c.now()
		description := "Unmerged from case " + master
		if comment = strings.TrimSpace(comment); comment != "" {
			description += ": " + comment
		}
		rev := revision.New(model.RevisionStatusChanged, description, rctx.SubjectID, now,
			model.FieldChange{Field: "master_incident_id", OldValue: master, NewValue: ""},
		)
		cs.MasterIncidentID = ""
		cs.UpdatedAt = now
		return cs, []model.Revision{rev}, true, nil
	})
	return master, err
}

// distinct drops blanks and repeats, keeping first-seen order.
func distinct(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return strings.ToLower(ee.Code)
	}
	return "error"
}
