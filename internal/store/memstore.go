package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]model.WorkflowDefinition
	order     []string
	cases     map[string]model.Case
	history   map[string][]model.TransitionHistory // key: case ID
	revisions map[string][]model.Revision          // key: case ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.WorkflowDefinition),
		cases:     make(map[string]model.Case),
		history:   make(map[string][]model.TransitionHistory),
		revisions: make(map[string][]model.Revision),
	}
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// SaveWorkflow inserts or replaces a definition.
func (s *MemoryStore) SaveWorkflow(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[def.ID]; !exists {
		s.order = append(s.order, def.ID)
	}
	s.workflows[def.ID] = def
	return nil
}

// GetWorkflow returns a definition, including soft-deleted ones.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.workflows[id]
	if !exists {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", id),
		)
	}
	return def, nil
}

// ListWorkflows returns definitions in insertion order.
func (s *MemoryStore) ListWorkflows(_ context.Context, includeDeleted bool) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowDefinition, 0, len(s.order))
	for _, id := range s.order {
		def := s.workflows[id]
		if def.Deleted() && !includeDeleted {
			continue
		}
		result = append(result, def)
	}
	return result, nil
}

// SoftDeleteWorkflow marks a definition deleted.
func (s *MemoryStore) SoftDeleteWorkflow(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.workflows[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	def.DeletedAt = &at
	def.UpdatedAt = at
	s.workflows[id] = def
	return nil
}

// PurgeWorkflow removes a definition permanently.
func (s *MemoryStore) PurgeWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[id]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	delete(s.workflows, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

// CountCasesByWorkflow returns the number of cases referencing a workflow.
func (s *MemoryStore) CountCasesByWorkflow(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.cases {
		if c.WorkflowID == workflowID {
			n++
		}
	}
	return n, nil
}

// GetCase retrieves a case by ID.
func (s *MemoryStore) GetCase(_ context.Context, id string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[id]
	if !exists {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", id))
	}
	return c, nil
}

// GetCases returns the existing cases among ids, in input order.
func (s *MemoryStore) GetCases(_ context.Context, ids []string) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Case, 0, len(ids))
	for _, id := range ids {
		if c, exists := s.cases[id]; exists {
			result = append(result, c)
		}
	}
	return result, nil
}

// ListCasesByMaster returns the cases merged into masterID, ordered by ID.
func (s *MemoryStore) ListCasesByMaster(_ context.Context, masterID string) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Case
	for _, c := range s.cases {
		if c.MasterIncidentID == masterID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// FindOverdue returns open, unbreached cases past their SLA deadline.
func (s *MemoryStore) FindOverdue(_ context.Context, now time.Time) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Case
	for _, c := range s.cases {
		if c.SLABreached || c.ClosedAt != nil || c.SLADeadline == nil {
			continue
		}
		if !c.SLADeadline.Before(now) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SLADeadline.Before(*result[j].SLADeadline)
	})
	return result, nil
}

// Commit applies changes atomically. All version checks run before any
// change is applied.
func (s *MemoryStore) Commit(_ context.Context, changes ...Change) ([]Committed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(changes))
	for _, ch := range changes {
		id := ch.Case.ID
		if id == "" {
			return nil, model.NewBadRequestError("case id is required")
		}
		if seen[id] {
			return nil, model.NewBadRequestError(fmt.Sprintf("case %q changed twice in one commit", id))
		}
		seen[id] = true

		existing, exists := s.cases[id]
		switch {
		case ch.Create && exists:
			return nil, model.NewConflictError(fmt.Sprintf("case %q already exists", id))
		case !ch.Create && !exists:
			return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", id))
		case !ch.Create && existing.Version != ch.Case.Version:
			return nil, model.NewConflictError(
				fmt.Sprintf("case %q version conflict (expected %d, got %d)", id, ch.Case.Version, existing.Version),
			)
		}
	}

	committed := make([]Committed, 0, len(changes))
	for _, ch := range changes {
		c := ch.Case
		if ch.Create {
			c.Version = 1
		} else {
			c.Version++
		}
		s.cases[c.ID] = c

		out := Committed{Case: c}
		if ch.History != nil {
			h := *ch.History
			h.CaseID = c.ID
			s.history[c.ID] = append(s.history[c.ID], h)
			out.History = &h
		}

		next := len(s.revisions[c.ID]) + 1
		for _, r := range ch.Revisions {
			r.CaseID = c.ID
			r.RevisionNumber = next
			next++
			s.revisions[c.ID] = append(s.revisions[c.ID], r)
			out.Revisions = append(out.Revisions, r)
		}
		committed = append(committed, out)
	}
	return committed, nil
}

// DeleteCase hard-deletes a case with its history and revisions.
func (s *MemoryStore) DeleteCase(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[id]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", id))
	}
	for _, c := range s.cases {
		if c.MasterIncidentID == id {
			return model.NewConflictError(fmt.Sprintf("case %q is the master of merged cases", id))
		}
		if c.SourceIncidentID == id {
			return model.NewConflictError(fmt.Sprintf("case %q is the source of a conversion", id))
		}
	}

	delete(s.cases, id)
	delete(s.history, id)
	delete(s.revisions, id)
	return nil
}

// ListHistory returns the transition history of a case, oldest first.
func (s *MemoryStore) ListHistory(_ context.Context, caseID string) ([]model.TransitionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.cases[caseID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	return slices.Clone(s.history[caseID]), nil
}

// ListRevisions returns one page of filtered revisions.
func (s *MemoryStore) ListRevisions(_ context.Context, caseID string, q RevisionQuery) ([]model.Revision, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.cases[caseID]; !exists {
		return nil, 0, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}

	var matched []model.Revision
	for _, r := range s.revisions[caseID] {
		if q.Matches(r) {
			matched = append(matched, r)
		}
	}
	total := len(matched)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []model.Revision{}, total, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return slices.Clone(matched), total, nil
}

// Len returns the number of stored cases. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}
