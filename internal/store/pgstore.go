package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const caseColumns = `id, record_type, title, description, workflow_id, current_state_id,
	classification_id, location_id, department_id, assignee_id, priority, source,
	reported_by, sla_breached, sla_deadline, closed_at, master_incident_id,
	source_incident_id, created_at, updated_at, version`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveWorkflow upserts a definition, keeping its original insertion order.
func (s *PgStore) SaveWorkflow(ctx context.Context, def model.WorkflowDefinition) error {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (id, definition, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at`,
		def.ID, defJSON, def.CreatedAt, def.UpdatedAt, def.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns a definition, including soft-deleted ones.
func (s *PgStore) GetWorkflow(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT definition, created_at, updated_at, deleted_at
		FROM workflow_definitions WHERE id = $1`, id)

	def, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// ListWorkflows returns definitions in insertion order.
func (s *PgStore) ListWorkflows(ctx context.Context, includeDeleted bool) ([]model.WorkflowDefinition, error) {
	query := `SELECT definition, created_at, updated_at, deleted_at FROM workflow_definitions`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SoftDeleteWorkflow marks a definition deleted.
func (s *PgStore) SoftDeleteWorkflow(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET deleted_at = $1, updated_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("soft delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return nil
}

// PurgeWorkflow removes a definition permanently.
func (s *PgStore) PurgeWorkflow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("purge workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return nil
}

// CountCasesByWorkflow returns the number of cases referencing a workflow.
func (s *PgStore) CountCasesByWorkflow(ctx context.Context, workflowID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cases WHERE workflow_id = $1`, workflowID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cases: %w", err)
	}
	return n, nil
}

// GetCase retrieves a case by ID.
func (s *PgStore) GetCase(ctx context.Context, id string) (model.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", id))
	}
	if err != nil {
		return model.Case{}, err
	}
	return c, nil
}

// GetCases returns the existing cases among ids, in input order.
func (s *PgStore) GetCases(ctx context.Context, ids []string) ([]model.Case, error) {
	found, err := s.queryCases(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Case, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	result := make([]model.Case, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			result = append(result, c)
		}
	}
	return result, nil
}

// ListCasesByMaster returns the cases merged into masterID, ordered by ID.
func (s *PgStore) ListCasesByMaster(ctx context.Context, masterID string) ([]model.Case, error) {
	return s.queryCases(ctx, `SELECT `+caseColumns+` FROM cases WHERE master_incident_id = $1 ORDER BY id`, masterID)
}

// FindOverdue returns open, unbreached cases past their SLA deadline.
func (s *PgStore) FindOverdue(ctx context.Context, now time.Time) ([]model.Case, error) {
	return s.queryCases(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE NOT sla_breached AND closed_at IS NULL
		  AND sla_deadline IS NOT NULL AND sla_deadline < $1
		ORDER BY sla_deadline ASC`, now)
}

// Commit applies changes in one transaction. Existing rows are locked in id
// order before their versions are compared.
func (s *PgStore) Commit(ctx context.Context, changes ...Change) ([]Committed, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockAndCheck(ctx, tx, changes); err != nil {
		return nil, err
	}

	committed := make([]Committed, 0, len(changes))
	for _, ch := range changes {
		out, err := applyChange(ctx, tx, ch)
		if err != nil {
			return nil, err
		}
		committed = append(committed, out)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return committed, nil
}

func lockAndCheck(ctx context.Context, tx pgx.Tx, changes []Change) error {
	expected := make(map[string]int, len(changes))
	seen := make(map[string]bool, len(changes))
	var ids []string
	for _, ch := range changes {
		if ch.Case.ID == "" {
			return model.NewBadRequestError("case id is required")
		}
		if seen[ch.Case.ID] {
			return model.NewBadRequestError(fmt.Sprintf("case %q changed twice in one commit", ch.Case.ID))
		}
		seen[ch.Case.ID] = true
		if ch.Create {
			continue
		}
		expected[ch.Case.ID] = ch.Case.Version
		ids = append(ids, ch.Case.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)

	rows, err := tx.Query(ctx, `SELECT id, version FROM cases WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("lock cases: %w", err)
	}
	defer rows.Close()

	locked := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var version int
		if err := rows.Scan(&id, &version); err != nil {
			return fmt.Errorf("scan case version: %w", err)
		}
		locked[id] = version
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock cases: %w", err)
	}

	for _, id := range ids {
		got, ok := locked[id]
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("case %q not found", id))
		}
		if got != expected[id] {
			return model.NewConflictError(
				fmt.Sprintf("case %q version conflict (expected %d, got %d)", id, expected[id], got),
			)
		}
	}
	return nil
}

func applyChange(ctx context.Context, tx pgx.Tx, ch Change) (Committed, error) {
	c := ch.Case
	if ch.Create {
		c.Version = 1
		_, err := tx.Exec(ctx, `INSERT INTO cases (`+caseColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			caseArgs(c)...,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Committed{}, model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
		}
		if err != nil {
			return Committed{}, fmt.Errorf("insert case: %w", err)
		}
	} else {
		expected := c.Version
		c.Version++
		args := caseArgs(c)
		tag, err := tx.Exec(ctx, `UPDATE cases SET
				record_type = $2, title = $3, description = $4, workflow_id = $5,
				current_state_id = $6, classification_id = $7, location_id = $8,
				department_id = $9, assignee_id = $10, priority = $11, source = $12,
				reported_by = $13, sla_breached = $14, sla_deadline = $15, closed_at = $16,
				master_incident_id = $17, source_incident_id = $18, created_at = $19,
				updated_at = $20, version = $21
			WHERE id = $1 AND version = $22`,
			append(args, expected)...,
		)
		if err != nil {
			return Committed{}, fmt.Errorf("update case: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return Committed{}, model.NewConflictError(
				fmt.Sprintf("case %q version conflict (expected %d)", c.ID, expected),
			)
		}
	}

	out := Committed{Case: c}
	if ch.History != nil {
		h := *ch.History
		h.CaseID = c.ID
		if err := insertHistory(ctx, tx, h); err != nil {
			return Committed{}, err
		}
		out.History = &h
	}

	if len(ch.Revisions) > 0 {
		var last int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(revision_number), 0) FROM case_revisions WHERE case_id = $1`, c.ID,
		).Scan(&last); err != nil {
			return Committed{}, fmt.Errorf("next revision number: %w", err)
		}
		for _, r := range ch.Revisions {
			last++
			r.CaseID = c.ID
			r.RevisionNumber = last
			if err := insertRevision(ctx, tx, r); err != nil {
				return Committed{}, err
			}
			out.Revisions = append(out.Revisions, r)
		}
	}
	return out, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, h model.TransitionHistory) error {
	attachments, err := json.Marshal(h.AttachmentIDs)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	var feedback []byte
	if h.Feedback != nil {
		if feedback, err = json.Marshal(h.Feedback); err != nil {
			return fmt.Errorf("marshal feedback: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transition_history (
			id, case_id, transition_id, from_state_id, to_state_id,
			executed_by, executed_at, comment, attachment_ids, feedback
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.ID, h.CaseID, h.TransitionID, h.FromStateID, h.ToStateID,
		h.ExecutedBy, h.ExecutedAt, h.Comment, attachments, feedback,
	)
	if err != nil {
		return fmt.Errorf("insert transition history: %w", err)
	}
	return nil
}

func insertRevision(ctx context.Context, tx pgx.Tx, r model.Revision) error {
	changes, err := json.Marshal(r.Changes)
	if err != nil {
		return fmt.Errorf("marshal revision changes: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO case_revisions (
			id, case_id, revision_number, action_type, description, changes, performed_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.CaseID, r.RevisionNumber, r.ActionType, r.Description, changes, r.PerformedBy, r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("revision %d of case %q already exists", r.RevisionNumber, r.CaseID))
	}
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// DeleteCase hard-deletes a case. History and revisions cascade.
func (s *PgStore) DeleteCase(ctx context.Context, id string) error {
	var isMaster, isSource bool
	err := s.pool.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM cases WHERE master_incident_id = $1),
			EXISTS (SELECT 1 FROM cases WHERE source_incident_id = $1)`, id,
	).Scan(&isMaster, &isSource)
	if err != nil {
		return fmt.Errorf("check case references: %w", err)
	}
	if isMaster {
		return model.NewConflictError(fmt.Sprintf("case %q is the master of merged cases", id))
	}
	if isSource {
		return model.NewConflictError(fmt.Sprintf("case %q is the source of a conversion", id))
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM cases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", id))
	}
	return nil
}

// ListHistory returns the transition history of a case, oldest first.
func (s *PgStore) ListHistory(ctx context.Context, caseID string) ([]model.TransitionHistory, error) {
	if err := s.ensureCase(ctx, caseID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, transition_id, from_state_id, to_state_id,
		       executed_by, executed_at, comment, attachment_ids, feedback
		FROM transition_history
		WHERE case_id = $1
		ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query transition history: %w", err)
	}
	defer rows.Close()

	var history []model.TransitionHistory
	for rows.Next() {
		var h model.TransitionHistory
		var attachments, feedback []byte
		if err := rows.Scan(
			&h.ID, &h.CaseID, &h.TransitionID, &h.FromStateID, &h.ToStateID,
			&h.ExecutedBy, &h.ExecutedAt, &h.Comment, &attachments, &feedback,
		); err != nil {
			return nil, fmt.Errorf("scan transition history: %w", err)
		}
		if attachments != nil {
			_ = json.Unmarshal(attachments, &h.AttachmentIDs)
		}
		if feedback != nil {
			h.Feedback = &model.Feedback{}
			_ = json.Unmarshal(feedback, h.Feedback)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// ListRevisions returns one page of filtered revisions.
func (s *PgStore) ListRevisions(ctx context.Context, caseID string, q RevisionQuery) ([]model.Revision, int, error) {
	if err := s.ensureCase(ctx, caseID); err != nil {
		return nil, 0, err
	}

	conds := []string{"case_id = $1"}
	args := []any{caseID}
	argIdx := 2
	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, argIdx))
		args = append(args, v)
		argIdx++
	}
	if q.ActionType != "" {
		add("action_type = $%d", string(q.ActionType))
	}
	if q.PerformedBy != "" {
		add("performed_by = $%d", q.PerformedBy)
	}
	if q.From != nil {
		add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("created_at <= $%d", *q.To)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM case_revisions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count revisions: %w", err)
	}

	query := `SELECT id, case_id, revision_number, action_type, description, changes, performed_by, created_at
		FROM case_revisions WHERE ` + where + ` ORDER BY revision_number ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.Limit)
		argIdx++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, q.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	revisions := []model.Revision{}
	for rows.Next() {
		var r model.Revision
		var changes []byte
		if err := rows.Scan(
			&r.ID, &r.CaseID, &r.RevisionNumber, &r.ActionType, &r.Description,
			&changes, &r.PerformedBy, &r.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan revision: %w", err)
		}
		if changes != nil {
			_ = json.Unmarshal(changes, &r.Changes)
		}
		revisions = append(revisions, r)
	}
	return revisions, total, rows.Err()
}

func (s *PgStore) ensureCase(ctx context.Context, caseID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id = $1)`, caseID).Scan(&exists); err != nil {
		return fmt.Errorf("check case: %w", err)
	}
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	return nil
}

func (s *PgStore) queryCases(ctx context.Context, query string, args ...any) ([]model.Case, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

func caseArgs(c model.Case) []any {
	return []any{
		c.ID, string(c.RecordType), c.Title, c.Description, c.WorkflowID, c.CurrentStateID,
		c.ClassificationID, c.LocationID, c.DepartmentID, c.AssigneeID, c.Priority, c.Source,
		c.ReportedBy, c.SLABreached, c.SLADeadline, c.ClosedAt, c.MasterIncidentID,
		c.SourceIncidentID, c.CreatedAt, c.UpdatedAt, c.Version,
	}
}

func scanCase(row pgx.Row) (model.Case, error) {
	var c model.Case
	var recordType string
	err := row.Scan(
		&c.ID, &recordType, &c.Title, &c.Description, &c.WorkflowID, &c.CurrentStateID,
		&c.ClassificationID, &c.LocationID, &c.DepartmentID, &c.AssigneeID, &c.Priority, &c.Source,
		&c.ReportedBy, &c.SLABreached, &c.SLADeadline, &c.ClosedAt, &c.MasterIncidentID,
		&c.SourceIncidentID, &c.CreatedAt, &c.UpdatedAt, &c.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, err
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("scan case: %w", err)
	}
	c.RecordType = model.RecordType(recordType)
	return c, nil
}

func scanWorkflow(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var defJSON []byte
	var createdAt, updatedAt time.Time
	var deletedAt *time.Time
	err := row.Scan(&defJSON, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, err
	}
	if err != nil {
		return def, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal(defJSON, &def); err != nil {
		return def, fmt.Errorf("unmarshal workflow: %w", err)
	}
	def.CreatedAt = createdAt
	def.UpdatedAt = updatedAt
	def.DeletedAt = deletedAt
	return def, nil
}
