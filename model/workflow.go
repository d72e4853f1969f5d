package model

import (
	"slices"
	"time"
)

// StateType classifies a workflow state.
type StateType string

// Workflow state types.
const (
	StateInitial      StateType = "initial"
	StateIntermediate StateType = "intermediate"
	StateTerminal     StateType = "terminal"
)

// Valid reports whether t is a known state type.
func (t StateType) Valid() bool {
	switch t {
	case StateInitial, StateIntermediate, StateTerminal:
		return true
	}
	return false
}

// RecordType tags a case aggregate, or the set of case types a workflow
// accepts.
type RecordType string

// Record types. Both and All only appear on workflow definitions.
const (
	RecordIncident  RecordType = "incident"
	RecordComplaint RecordType = "complaint"
	RecordQuery     RecordType = "query"
	RecordRequest   RecordType = "request"
	RecordBoth      RecordType = "both"
	RecordAll       RecordType = "all"
)

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	switch t {
	case RecordIncident, RecordComplaint, RecordQuery, RecordRequest, RecordBoth, RecordAll:
		return true
	}
	return false
}

// IsCaseType reports whether t may tag a concrete case (both/all may not).
func (t RecordType) IsCaseType() bool {
	return t.Valid() && t != RecordBoth && t != RecordAll
}

// Accepts reports whether a workflow of record type t applies to a case of
// type caseType. Both covers incidents and requests; all covers every type.
func (t RecordType) Accepts(caseType RecordType) bool {
	switch t {
	case RecordAll:
		return true
	case RecordBoth:
		return caseType == RecordIncident || caseType == RecordRequest
	default:
		return t == caseType
	}
}

// RequirementType names a kind of transition precondition. The set is open:
// new kinds are added by registering a checker with the executor.
type RequirementType string

// Built-in requirement kinds.
const (
	RequirementComment    RequirementType = "comment"
	RequirementAttachment RequirementType = "attachment"
	RequirementFeedback   RequirementType = "feedback"
	RequirementFieldValue RequirementType = "field_value"
)

// WorkflowState is one node of a workflow.
type WorkflowState struct {
	ID        string    `yaml:"id"         json:"id"`
	Name      string    `yaml:"name"       json:"name"`
	Code      string    `yaml:"code"       json:"code,omitempty"`
	Color     string    `yaml:"color"      json:"color,omitempty"`
	StateType StateType `yaml:"state_type" json:"state_type"`
	SortOrder int       `yaml:"sort_order" json:"sort_order"`
	SLAHours  int       `yaml:"sla_hours"  json:"sla_hours,omitempty"`
}

// TransitionRequirement gates a transition on data supplied with the
// execution payload.
type TransitionRequirement struct {
	RequirementType RequirementType `yaml:"requirement_type" json:"requirement_type"`
	IsMandatory     bool            `yaml:"is_mandatory"     json:"is_mandatory"`
	FieldName       string          `yaml:"field_name"       json:"field_name,omitempty"`
	FieldValue      string          `yaml:"field_value"      json:"field_value,omitempty"`
	ErrorMessage    string          `yaml:"error_message"    json:"error_message,omitempty"`
}

// TransitionAction is a side effect dispatched after a transition commits.
type TransitionAction struct {
	ActionType     string         `yaml:"action_type"     json:"action_type"`
	Config         map[string]any `yaml:"config"          json:"config,omitempty"`
	ExecutionOrder int            `yaml:"execution_order" json:"execution_order"`
	IsActive       bool           `yaml:"is_active"       json:"is_active"`
}

// WorkflowTransition is a directed edge between two states of one workflow.
type WorkflowTransition struct {
	ID                     string                  `yaml:"id"                       json:"id"`
	FromStateID            string                  `yaml:"from_state_id"            json:"from_state_id"`
	ToStateID              string                  `yaml:"to_state_id"              json:"to_state_id"`
	Name                   string                  `yaml:"name"                     json:"name"`
	Code                   string                  `yaml:"code"                     json:"code"`
	AllowedRoleIDs         []string                `yaml:"allowed_role_ids"         json:"allowed_role_ids,omitempty"`
	Requirements           []TransitionRequirement `yaml:"requirements"             json:"requirements,omitempty"`
	Actions                []TransitionAction      `yaml:"actions"                  json:"actions,omitempty"`
	AssignDepartmentID     string                  `yaml:"assign_department_id"     json:"assign_department_id,omitempty"`
	AssignUserID           string                  `yaml:"assign_user_id"           json:"assign_user_id,omitempty"`
	AllowAssigneeSelection bool                    `yaml:"allow_assignee_selection" json:"allow_assignee_selection,omitempty"`
}

// WorkflowDefinition aggregates the states, transitions and applicability
// criteria of one case lifecycle.
type WorkflowDefinition struct {
	ID                string               `yaml:"id"                 json:"id"`
	Name              string               `yaml:"name"               json:"name"`
	Code              string               `yaml:"code"               json:"code"`
	Description       string               `yaml:"description"        json:"description,omitempty"`
	RecordType        RecordType           `yaml:"record_type"        json:"record_type"`
	States            []WorkflowState      `yaml:"states"             json:"states"`
	Transitions       []WorkflowTransition `yaml:"transitions"        json:"transitions"`
	ClassificationIDs []string             `yaml:"classification_ids" json:"classification_ids,omitempty"`
	LocationIDs       []string             `yaml:"location_ids"       json:"location_ids,omitempty"`
	Sources           []string             `yaml:"sources"            json:"sources,omitempty"`
	PriorityMin       *int                 `yaml:"priority_min"       json:"priority_min,omitempty"`
	PriorityMax       *int                 `yaml:"priority_max"       json:"priority_max,omitempty"`
	IsActive          bool                 `yaml:"is_active"          json:"is_active"`
	IsDefault         bool                 `yaml:"is_default"         json:"is_default"`
	ConvertRoleIDs    []string             `yaml:"convert_role_ids"   json:"convert_role_ids,omitempty"`
	CreatedAt         time.Time            `yaml:"-"                  json:"created_at"`
	UpdatedAt         time.Time            `yaml:"-"                  json:"updated_at"`
	DeletedAt         *time.Time           `yaml:"-"                  json:"deleted_at,omitempty"`
}

// InitialState returns the workflow's initial state.
func (w *WorkflowDefinition) InitialState() (WorkflowState, bool) {
	for _, s := range w.States {
		if s.StateType == StateInitial {
			return s, true
		}
	}
	return WorkflowState{}, false
}

// State returns the state with the given id.
func (w *WorkflowDefinition) State(id string) (WorkflowState, bool) {
	for _, s := range w.States {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowState{}, false
}

// TransitionsFrom returns every transition leaving stateID, in definition
// order.
func (w *WorkflowDefinition) TransitionsFrom(stateID string) []WorkflowTransition {
	var out []WorkflowTransition
	for _, t := range w.Transitions {
		if t.FromStateID == stateID {
			out = append(out, t)
		}
	}
	return out
}

// HasClassification reports whether classificationID is listed on w.
func (w *WorkflowDefinition) HasClassification(classificationID string) bool {
	return slices.Contains(w.ClassificationIDs, classificationID)
}

// Deleted reports whether the definition has been soft-deleted.
func (w *WorkflowDefinition) Deleted() bool {
	return w.DeletedAt != nil
}

// MatchCriteria are the case attributes used to select a workflow. Empty
// strings and a nil Priority mean "not set".
type MatchCriteria struct {
	RecordType       RecordType `json:"record_type,omitempty"`
	ClassificationID string     `json:"classification_id,omitempty"`
	LocationID       string     `json:"location_id,omitempty"`
	Source           string     `json:"source,omitempty"`
	Priority         *int       `json:"priority,omitempty"`
}
