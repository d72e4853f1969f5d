package definition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// Manager owns the lifecycle of workflow definitions: validation, persistence
// and keeping the registry snapshot in step with the store.
type Manager struct {
	store     store.WorkflowStore
	registry  *Registry
	validator *Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	// mu serializes writers so that a save and its refresh are not
	// interleaved with another save.
	mu sync.Mutex
}

// NewManager creates a Manager. logger and metrics may be nil.
func NewManager(
	st store.WorkflowStore,
	registry *Registry,
	validator *Validator,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     st,
		registry:  registry,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the registry kept current by the manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Validate checks a definition without persisting it.
func (m *Manager) Validate(def model.WorkflowDefinition) []VError {
	return m.validator.ValidateWorkflow(def)
}

// Get returns a stored definition, including soft-deleted ones.
func (m *Manager) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	return m.store.GetWorkflow(ctx, id)
}

// List returns stored definitions in insertion order.
func (m *Manager) List(ctx context.Context, includeDeleted bool) ([]model.WorkflowDefinition, error) {
	return m.store.ListWorkflows(ctx, includeDeleted)
}

// Save validates and persists a definition, then refreshes the registry.
// Replacing a live definition additionally enforces that referenced states
// are neither removed nor retyped.
func (m *Manager) Save(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved, err := m.save(ctx, def)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if err := m.refresh(ctx); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return saved, nil
}

func (m *Manager) save(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	prepared, replaced, err := m.prepare(ctx, def)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	return prepared, m.persist(ctx, prepared, replaced)
}

// prepare validates def against the stored version, if any, and stamps its
// lifecycle fields. A soft-deleted version still governs its cases, so it
// is checked as a replacement like a live one.
func (m *Manager) prepare(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, bool, error) {
	now := m.now()

	prev, err := m.store.GetWorkflow(ctx, def.ID)
	exists := err == nil
	if err != nil && !model.HasCode(err, model.ErrNotFound) {
		return model.WorkflowDefinition{}, false, fmt.Errorf("load workflow %s: %w", def.ID, err)
	}

	var verrs []VError
	if exists {
		verrs = m.validator.ValidateUpdate(prev, def)
	} else {
		verrs = m.validator.ValidateWorkflow(def)
	}
	if err := AsError(verrs); err != nil {
		return model.WorkflowDefinition{}, false, err
	}

	def.CreatedAt = now
	if exists {
		def.CreatedAt = prev.CreatedAt
	}
	def.UpdatedAt = now
	def.DeletedAt = nil
	return def, exists, nil
}

func (m *Manager) persist(ctx context.Context, def model.WorkflowDefinition, replaced bool) error {
	if err := m.store.SaveWorkflow(ctx, def); err != nil {
		return fmt.Errorf("save workflow %s: %w", def.ID, err)
	}
	m.logger.Info("workflow saved",
		zap.String("workflow_id", def.ID),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// Delete removes a definition. It is soft-deleted while any case references
// it and purged otherwise. The returned flag reports a purge.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return false, err
	}

	refs, err := m.store.CountCasesByWorkflow(ctx, id)
	if err != nil {
		return false, fmt.Errorf("count cases for workflow %s: %w", id, err)
	}

	purged := refs == 0
	switch {
	case purged:
		err = m.store.PurgeWorkflow(ctx, id)
	case def.Deleted():
		return false, nil
	default:
		err = m.store.SoftDeleteWorkflow(ctx, id, m.now())
	}
	if err != nil {
		return false, err
	}

	m.logger.Info("workflow deleted",
		zap.String("workflow_id", id),
		zap.Bool("purged", purged),
		zap.Int("referencing_cases", refs),
	)
	return purged, m.refresh(ctx)
}

// Seed validates a batch of loaded files as a whole, and each workflow
// against its stored version, before upserting any of them. Nothing is
// written if the batch is invalid. A storage failure part way through is
// followed by a refresh so the registry reflects what was written.
func (m *Manager) Seed(ctx context.Context, files []File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	defs := Workflows(files)
	if err := AsError(m.validator.Validate(defs)); err != nil {
		m.metrics.RecordDefinitionReload("invalid")
		return err
	}

	// 1. Validate every replacement before the first write.
	prepared := make([]model.WorkflowDefinition, len(defs))
	replaced := make([]bool, len(defs))
	for i, def := range defs {
		p, r, err := m.prepare(ctx, def)
		if err != nil {
			m.metrics.RecordDefinitionReload("invalid")
			return fmt.Errorf("seed workflow %s: %w", def.ID, err)
		}
		prepared[i], replaced[i] = p, r
	}

	// 2. Persist.
	for i, def := range prepared {
		if err := m.persist(ctx, def, replaced[i]); err != nil {
			m.metrics.RecordDefinitionReload("error")
			if rerr := m.refresh(ctx); rerr != nil {
				m.logger.Error("registry refresh after failed seed", zap.Error(rerr))
			}
			return fmt.Errorf("seed workflow %s: %w", def.ID, err)
		}
	}

	if err := m.refresh(ctx); err != nil {
		return err
	}
	m.logger.Info("workflow definitions seeded",
		zap.Int("files", len(files)),
		zap.Int("workflows", len(defs)),
		zap.String("checksum", m.registry.Checksum()),
	)
	return nil
}

// Refresh rebuilds the registry snapshot from the store.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh(ctx)
}

func (m *Manager) refresh(ctx context.Context) error {
	defs, err := m.store.ListWorkflows(ctx, false)
	if err != nil {
		m.metrics.RecordDefinitionReload("error")
		return fmt.Errorf("list workflows: %w", err)
	}
	m.registry.Replace(defs)
	m.metrics.RecordDefinitionReload("success")
	m.metrics.SetDefinitionsLoaded(float64(m.registry.Len()))
	return nil
}
