package definition

import (
	"fmt"

	"github.com/pitabwire/caseflow/model"
)

// Validation error codes.
const (
	CodeRequired       = "REQUIRED"
	CodeInvalidEnum    = "INVALID_ENUM"
	CodeRefNotFound    = "REF_NOT_FOUND"
	CodeDuplicate      = "DUPLICATE"
	CodeOutOfRange     = "OUT_OF_RANGE"
	CodeInitialState   = "INITIAL_STATE"
	CodeImmutableState = "IMMUTABLE_STATE"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// AsError converts validation findings into an INVALID_WORKFLOW error, or nil
// when there are none.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewInvalidWorkflowError(details)
}

// Validator checks workflow definitions structurally and referentially.
type Validator struct {
	requirementKinds map[model.RequirementType]bool
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithRequirementKinds accepts additional requirement kinds beyond the
// built-in ones. Pass the kinds of every registered requirement checker.
func WithRequirementKinds(kinds ...model.RequirementType) ValidatorOption {
	return func(v *Validator) {
		for _, k := range kinds {
			v.requirementKinds[k] = true
		}
	}
}

// NewValidator creates a new Validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		requirementKinds: map[model.RequirementType]bool{
			model.RequirementComment:    true,
			model.RequirementAttachment: true,
			model.RequirementFeedback:   true,
			model.RequirementFieldValue: true,
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks a batch of definitions, prefixing paths with the index of
// each workflow. It also rejects duplicate workflow ids across the batch.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]int, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("workflows[%d]", i)
		errs = append(errs, v.validateWorkflow(prefix, def)...)
		if def.ID == "" {
			continue
		}
		if first, dup := seen[def.ID]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    CodeDuplicate,
				Message: fmt.Sprintf("workflow id %q already defined at workflows[%d]", def.ID, first),
			})
			continue
		}
		seen[def.ID] = i
	}
	return errs
}

// ValidateWorkflow checks a single definition. Paths are relative to the
// definition root.
func (v *Validator) ValidateWorkflow(def model.WorkflowDefinition) []VError {
	return v.validateWorkflow("", def)
}

// ValidateUpdate checks next as a replacement for prev: on top of the
// structural rules, every state of prev that a transition of prev references
// must survive with the same state type.
func (v *Validator) ValidateUpdate(prev, next model.WorkflowDefinition) []VError {
	errs := v.validateWorkflow("", next)

	referenced := make(map[string]bool)
	for _, t := range prev.Transitions {
		referenced[t.FromStateID] = true
		referenced[t.ToStateID] = true
	}
	for _, old := range prev.States {
		if !referenced[old.ID] {
			continue
		}
		cur, ok := next.State(old.ID)
		switch {
		case !ok:
			errs = append(errs, VError{
				Path:    "states",
				Code:    CodeImmutableState,
				Message: fmt.Sprintf("state %q is referenced by a transition and cannot be removed", old.ID),
			})
		case cur.StateType != old.StateType:
			errs = append(errs, VError{
				Path:    "states",
				Code:    CodeImmutableState,
				Message: fmt.Sprintf("state %q is referenced by a transition and cannot change type from %s to %s", old.ID, old.StateType, cur.StateType),
			})
		}
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition) []VError {
	var errs []VError
	p := func(field string) string {
		if prefix == "" {
			return field
		}
		return prefix + "." + field
	}

	if w.ID == "" {
		errs = append(errs, VError{Path: p("id"), Code: CodeRequired, Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: p("name"), Code: CodeRequired, Message: "name is required"})
	}
	if w.RecordType == "" {
		errs = append(errs, VError{Path: p("record_type"), Code: CodeRequired, Message: "record_type is required"})
	} else if !w.RecordType.Valid() {
		errs = append(errs, VError{
			Path:    p("record_type"),
			Code:    CodeInvalidEnum,
			Message: fmt.Sprintf("record_type %q must be one of incident, complaint, query, request, both, all", w.RecordType),
		})
	}
	errs = append(errs, validatePriorityRange(p, w.PriorityMin, w.PriorityMax)...)

	if len(w.States) == 0 {
		errs = append(errs, VError{Path: p("states"), Code: CodeRequired, Message: "at least one state is required"})
	}

	stateIDs := make(map[string]bool, len(w.States))
	initials := 0
	for i, s := range w.States {
		sp := p(fmt.Sprintf("states[%d]", i))
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeRequired, Message: "state id is required"})
		} else if stateIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("duplicate state id %q", s.ID)})
		}
		stateIDs[s.ID] = true
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: CodeRequired, Message: "state name is required"})
		}
		if !s.StateType.Valid() {
			errs = append(errs, VError{
				Path:    sp + ".state_type",
				Code:    CodeInvalidEnum,
				Message: fmt.Sprintf("state_type %q must be one of initial, intermediate, terminal", s.StateType),
			})
		}
		if s.StateType == model.StateInitial {
			initials++
		}
		if s.SLAHours < 0 {
			errs = append(errs, VError{Path: sp + ".sla_hours", Code: CodeOutOfRange, Message: "sla_hours must not be negative"})
		}
	}
	if len(w.States) > 0 && initials != 1 {
		errs = append(errs, VError{
			Path:    p("states"),
			Code:    CodeInitialState,
			Message: fmt.Sprintf("exactly one initial state is required, found %d", initials),
		})
	}

	transitionIDs := make(map[string]bool, len(w.Transitions))
	codes := make(map[string]int, len(w.Transitions))
	for i, t := range w.Transitions {
		tp := p(fmt.Sprintf("transitions[%d]", i))
		if t.ID == "" {
			errs = append(errs, VError{Path: tp + ".id", Code: CodeRequired, Message: "transition id is required"})
		} else if transitionIDs[t.ID] {
			errs = append(errs, VError{Path: tp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("duplicate transition id %q", t.ID)})
		}
		transitionIDs[t.ID] = true

		if t.Code != "" {
			if first, dup := codes[t.Code]; dup {
				errs = append(errs, VError{
					Path:    tp + ".code",
					Code:    CodeDuplicate,
					Message: fmt.Sprintf("transition code %q already used by transitions[%d]", t.Code, first),
				})
			} else {
				codes[t.Code] = i
			}
		}

		errs = append(errs, validateStateRef(tp+".from_state_id", t.FromStateID, stateIDs)...)
		errs = append(errs, validateStateRef(tp+".to_state_id", t.ToStateID, stateIDs)...)

		for j, r := range t.Requirements {
			errs = append(errs, v.validateRequirement(fmt.Sprintf("%s.requirements[%d]", tp, j), r)...)
		}
		for j, a := range t.Actions {
			if a.ActionType == "" {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.actions[%d].action_type", tp, j),
					Code:    CodeRequired,
					Message: "action_type is required",
				})
			}
		}
	}

	return errs
}

func validateStateRef(path, stateID string, stateIDs map[string]bool) []VError {
	if stateID == "" {
		return []VError{{Path: path, Code: CodeRequired, Message: "state reference is required"}}
	}
	if !stateIDs[stateID] {
		return []VError{{Path: path, Code: CodeRefNotFound, Message: fmt.Sprintf("state %q is not defined in this workflow", stateID)}}
	}
	return nil
}

func (v *Validator) validateRequirement(path string, r model.TransitionRequirement) []VError {
	switch {
	case r.RequirementType == "":
		return []VError{{Path: path + ".requirement_type", Code: CodeRequired, Message: "requirement_type is required"}}
	case !v.requirementKinds[r.RequirementType]:
		return []VError{{
			Path:    path + ".requirement_type",
			Code:    CodeInvalidEnum,
			Message: fmt.Sprintf("unknown requirement_type %q", r.RequirementType),
		}}
	case r.RequirementType == model.RequirementFieldValue && r.FieldName == "":
		return []VError{{Path: path + ".field_name", Code: CodeRequired, Message: "field_name is required for field_value requirements"}}
	}
	return nil
}

func validatePriorityRange(p func(string) string, lo, hi *int) []VError {
	var errs []VError
	if lo != nil && (*lo < 1 || *lo > 5) {
		errs = append(errs, VError{Path: p("priority_min"), Code: CodeOutOfRange, Message: "priority_min must be between 1 and 5"})
	}
	if hi != nil && (*hi < 1 || *hi > 5) {
		errs = append(errs, VError{Path: p("priority_max"), Code: CodeOutOfRange, Message: "priority_max must be between 1 and 5"})
	}
	if lo != nil && hi != nil && *lo > *hi {
		errs = append(errs, VError{Path: p("priority_min"), Code: CodeOutOfRange, Message: "priority_min must not exceed priority_max"})
	}
	return errs
}
