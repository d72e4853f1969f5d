package model

import (
	"strings"
	"time"
)

// DefaultPriority is assigned to cases created without a priority.
const DefaultPriority = 3

// Case is the aggregate underlying incidents, complaints, queries and
// requests. CurrentStateID is only ever changed by the transition executor.
type Case struct {
	ID               string     `json:"id"`
	RecordType       RecordType `json:"record_type"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	WorkflowID       string     `json:"workflow_id"`
	CurrentStateID   string     `json:"current_state_id"`
	ClassificationID string     `json:"classification_id,omitempty"`
	LocationID       string     `json:"location_id,omitempty"`
	DepartmentID     string     `json:"department_id,omitempty"`
	AssigneeID       string     `json:"assignee_id,omitempty"`
	Priority         int        `json:"priority"`
	Source           string     `json:"source,omitempty"`
	ReportedBy       string     `json:"reported_by,omitempty"`
	SLABreached      bool       `json:"sla_breached"`
	SLADeadline      *time.Time `json:"sla_deadline,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	MasterIncidentID string     `json:"master_incident_id,omitempty"`
	SourceIncidentID string     `json:"source_incident_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Version          int        `json:"version"`
}

// Feedback is a satisfaction rating collected with a transition.
type Feedback struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// TransitionHistory is one append-only row per executed transition.
type TransitionHistory struct {
	ID            string    `json:"id"`
	CaseID        string    `json:"case_id"`
	TransitionID  string    `json:"transition_id"`
	FromStateID   string    `json:"from_state_id"`
	ToStateID     string    `json:"to_state_id"`
	ExecutedBy    string    `json:"executed_by"`
	ExecutedAt    time.Time `json:"executed_at"`
	Comment       string    `json:"comment,omitempty"`
	AttachmentIDs []string  `json:"attachment_ids,omitempty"`
	Feedback      *Feedback `json:"feedback,omitempty"`
}

// RevisionAction classifies a revision.
type RevisionAction string

// Revision action types.
const (
	RevisionCreated           RevisionAction = "created"
	RevisionFieldChange       RevisionAction = "field_change"
	RevisionCommentAdded      RevisionAction = "comment_added"
	RevisionCommentModified   RevisionAction = "comment_modified"
	RevisionCommentDeleted    RevisionAction = "comment_deleted"
	RevisionAttachmentAdded   RevisionAction = "attachment_added"
	RevisionAttachmentRemoved RevisionAction = "attachment_removed"
	RevisionAssigneeChanged   RevisionAction = "assignee_changed"
	RevisionStatusChanged     RevisionAction = "status_changed"
)

// Valid reports whether a is a known revision action.
func (a RevisionAction) Valid() bool {
	switch a {
	case RevisionCreated, RevisionFieldChange, RevisionCommentAdded, RevisionCommentModified,
		RevisionCommentDeleted, RevisionAttachmentAdded, RevisionAttachmentRemoved,
		RevisionAssigneeChanged, RevisionStatusChanged:
		return true
	}
	return false
}

// IsActivity reports whether a describes a collaborator-side mutation
// (comments and attachments) rather than an engine-owned one.
func (a RevisionAction) IsActivity() bool {
	switch a {
	case RevisionCommentAdded, RevisionCommentModified, RevisionCommentDeleted,
		RevisionAttachmentAdded, RevisionAttachmentRemoved:
		return true
	}
	return false
}

// FieldChange records one field's before and after values.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// Revision is one immutable audit entry. RevisionNumber is assigned by the
// store and is gap-free per case, starting at 1.
type Revision struct {
	ID             string         `json:"id"`
	CaseID         string         `json:"case_id"`
	RevisionNumber int            `json:"revision_number"`
	ActionType     RevisionAction `json:"action_type"`
	Description    string         `json:"description,omitempty"`
	Changes        []FieldChange  `json:"changes,omitempty"`
	PerformedBy    string         `json:"performed_by"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TransitionPayload carries the data a transition's requirements are checked
// against.
type TransitionPayload struct {
	Comment       string            `json:"comment,omitempty"`
	AttachmentIDs []string          `json:"attachment_ids,omitempty"`
	Feedback      *Feedback         `json:"feedback,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	AssigneeID    string            `json:"assignee_id,omitempty"`
	DepartmentID  string            `json:"department_id,omitempty"`
}

// HasComment reports whether the payload carries a non-blank comment.
func (p TransitionPayload) HasComment() bool {
	return strings.TrimSpace(p.Comment) != ""
}

// AvailableTransition describes a transition leaving a case's current state
// and whether the actor may execute it.
type AvailableTransition struct {
	Transition      WorkflowTransition `json:"transition"`
	CanExecute      bool               `json:"can_execute"`
	BlockingReasons []string           `json:"blocking_reasons"`
}

// TransitionResult is returned by a successful transition execution.
// Warnings describe actions that could not be dispatched.
type TransitionResult struct {
	Case     Case              `json:"case"`
	History  TransitionHistory `json:"history"`
	Revision Revision          `json:"revision"`
	Warnings []string          `json:"warnings,omitempty"`
}

// NewCase is the input for creating a case. WorkflowID is optional; when empty
// the matching engine picks one.
type NewCase struct {
	RecordType       RecordType `json:"record_type"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	WorkflowID       string     `json:"workflow_id,omitempty"`
	ClassificationID string     `json:"classification_id,omitempty"`
	LocationID       string     `json:"location_id,omitempty"`
	DepartmentID     string     `json:"department_id,omitempty"`
	AssigneeID       string     `json:"assignee_id,omitempty"`
	Priority         *int       `json:"priority,omitempty"`
	Source           string     `json:"source,omitempty"`
}

// CaseUpdate changes business fields of a case. Nil fields are left alone.
type CaseUpdate struct {
	Title            *string `json:"title,omitempty"`
	Description      *string `json:"description,omitempty"`
	ClassificationID *string `json:"classification_id,omitempty"`
	LocationID       *string `json:"location_id,omitempty"`
	DepartmentID     *string `json:"department_id,omitempty"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	Priority         *int    `json:"priority,omitempty"`
}

// Activity is a collaborator-side mutation (comment or attachment) recorded
// in the revision ledger.
type Activity struct {
	ActionType  RevisionAction `json:"action_type"`
	Description string         `json:"description,omitempty"`
	Changes     []FieldChange  `json:"changes,omitempty"`
}

// ConversionRequest converts an incident into a new request case.
type ConversionRequest struct {
	TransitionID     string            `json:"transition_id,omitempty"`
	Payload          TransitionPayload `json:"payload"`
	ClassificationID string            `json:"classification_id"`
	WorkflowID       string            `json:"workflow_id"`
	Title            string            `json:"title,omitempty"`
	Description      string            `json:"description,omitempty"`
}

// ConversionResult is returned by a successful conversion.
type ConversionResult struct {
	Request  Case     `json:"request"`
	Source   Case     `json:"source"`
	Warnings []string `json:"warnings,omitempty"`
}

// RevisionFilter narrows a revision listing. Zero values mean "any".
type RevisionFilter struct {
	ActionType  RevisionAction `json:"action_type,omitempty"`
	PerformedBy string         `json:"performed_by,omitempty"`
	From        *time.Time     `json:"from,omitempty"`
	To          *time.Time     `json:"to,omitempty"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}
