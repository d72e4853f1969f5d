// Package store persists workflow definitions, cases, transition history and
// revisions. Every case mutation goes through Commit, which applies a batch
// of changes atomically under an optimistic version check.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// SaveWorkflow inserts or replaces a definition. Insertion order is
	// preserved across replacements.
	SaveWorkflow(ctx context.Context, def model.WorkflowDefinition) error

	// GetWorkflow returns a definition, including soft-deleted ones.
	// Returns NOT_FOUND if it was never stored or has been purged.
	GetWorkflow(ctx context.Context, id string) (model.WorkflowDefinition, error)

	// ListWorkflows returns definitions in insertion order.
	ListWorkflows(ctx context.Context, includeDeleted bool) ([]model.WorkflowDefinition, error)

	// SoftDeleteWorkflow marks a definition deleted at the given time.
	SoftDeleteWorkflow(ctx context.Context, id string, at time.Time) error

	// PurgeWorkflow removes a definition permanently.
	PurgeWorkflow(ctx context.Context, id string) error

	// CountCasesByWorkflow returns the number of cases referencing a
	// definition.
	CountCasesByWorkflow(ctx context.Context, workflowID string) (int, error)
}

// CaseStore persists cases and their append-only audit trail.
type CaseStore interface {
	// GetCase retrieves a case by ID.
	GetCase(ctx context.Context, id string) (model.Case, error)

	// GetCases returns the cases that exist among ids, in input order.
	// Unknown ids are skipped.
	GetCases(ctx context.Context, ids []string) ([]model.Case, error)

	// ListCasesByMaster returns the cases merged into masterID.
	ListCasesByMaster(ctx context.Context, masterID string) ([]model.Case, error)

	// FindOverdue returns open, not yet breached cases whose SLA deadline is
	// before now, ordered by deadline.
	FindOverdue(ctx context.Context, now time.Time) ([]model.Case, error)

	// Commit applies every change in one atomic unit. Each updated case must
	// carry the version it was read at; a mismatch returns CONFLICT and
	// nothing is written. Revision numbers are assigned here.
	Commit(ctx context.Context, changes ...Change) ([]Committed, error)

	// DeleteCase hard-deletes a case with its history and revisions. Returns
	// CONFLICT when the case is the master of a merge or the source of a
	// conversion.
	DeleteCase(ctx context.Context, id string) error

	// ListHistory returns the transition history of a case, oldest first.
	ListHistory(ctx context.Context, caseID string) ([]model.TransitionHistory, error)

	// ListRevisions returns one page of revisions in ascending
	// revision_number order, together with the filtered total.
	ListRevisions(ctx context.Context, caseID string, q RevisionQuery) ([]model.Revision, int, error)
}

// Store combines workflow and case persistence.
type Store interface {
	WorkflowStore
	CaseStore

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// Change is one case write inside a Commit. For updates Case.Version is the
// expected current version. Create inserts the case at version 1.
type Change struct {
	Case      model.Case
	Create    bool
	History   *model.TransitionHistory
	Revisions []model.Revision
}

// Committed is the stored result of a Change.
type Committed struct {
	Case      model.Case
	History   *model.TransitionHistory
	Revisions []model.Revision
}

// RevisionQuery selects a page of revisions.
type RevisionQuery struct {
	model.RevisionFilter
	Limit  int
	Offset int
}

// Matches reports whether r satisfies the filter.
func (q RevisionQuery) Matches(r model.Revision) bool {
	if q.ActionType != "" && r.ActionType != q.ActionType {
		return false
	}
	if q.PerformedBy != "" && r.PerformedBy != q.PerformedBy {
		return false
	}
	if q.From != nil && r.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && r.CreatedAt.After(*q.To) {
		return false
	}
	return true
}
