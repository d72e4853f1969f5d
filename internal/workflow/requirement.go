package workflow

import (
	"fmt"
	"strings"

	"github.com/pitabwire/caseflow/model"
)

// Detail codes on REQUIREMENT_NOT_MET errors.
const (
	CodeMissing     = "MISSING"
	CodeUnsupported = "UNSUPPORTED"
)

// RequirementChecker decides one kind of transition requirement.
type RequirementChecker interface {
	// Satisfied reports whether payload p meets r for case c.
	Satisfied(r model.TransitionRequirement, c model.Case, p model.TransitionPayload) bool

	// Message describes r when it is not met. A requirement's own
	// error_message takes precedence.
	Message(r model.TransitionRequirement) string
}

type commentChecker struct{}

func (commentChecker) Satisfied(_ model.TransitionRequirement, _ model.Case, p model.TransitionPayload) bool {
	return p.HasComment()
}

func (commentChecker) Message(model.TransitionRequirement) string {
	return "Comment is required for this transition"
}

type attachmentChecker struct{}

func (attachmentChecker) Satisfied(_ model.TransitionRequirement, _ model.Case, p model.TransitionPayload) bool {
	for _, id := range p.AttachmentIDs {
		if strings.TrimSpace(id) != "" {
			return true
		}
	}
	return false
}

func (attachmentChecker) Message(model.TransitionRequirement) string {
	return "Attachment is required for this transition"
}

type feedbackChecker struct{}

func (feedbackChecker) Satisfied(_ model.TransitionRequirement, _ model.Case, p model.TransitionPayload) bool {
	return p.Feedback != nil && validRating(p.Feedback.Rating)
}

func (feedbackChecker) Message(model.TransitionRequirement) string {
	return "Feedback rating between 1 and 5 is required for this transition"
}

// fieldValueChecker requires payload field FieldName to be present, and to
// equal FieldValue when one is configured.
type fieldValueChecker struct{}

func (fieldValueChecker) Satisfied(r model.TransitionRequirement, _ model.Case, p model.TransitionPayload) bool {
	v, ok := p.Fields[r.FieldName]
	if !ok {
		return false
	}
	if r.FieldValue != "" {
		return v == r.FieldValue
	}
	return strings.TrimSpace(v) != ""
}

func (fieldValueChecker) Message(r model.TransitionRequirement) string {
	if r.FieldValue != "" {
		return fmt.Sprintf("Field %s must be %q for this transition", r.FieldName, r.FieldValue)
	}
	return fmt.Sprintf("Field %s is required for this transition", r.FieldName)
}

func builtinCheckers() map[model.RequirementType]RequirementChecker {
	return map[model.RequirementType]RequirementChecker{
		model.RequirementComment:    commentChecker{},
		model.RequirementAttachment: attachmentChecker{},
		model.RequirementFeedback:   feedbackChecker{},
		model.RequirementFieldValue: fieldValueChecker{},
	}
}

func validRating(r int) bool { return r >= 1 && r <= 5 }

// checkRequirements evaluates every mandatory requirement of t and returns a
// single REQUIREMENT_NOT_MET error listing all that failed. A kind without a
// registered checker fails closed.
func (e *Engine) checkRequirements(t model.WorkflowTransition, c model.Case, p model.TransitionPayload) error {
	var details []model.FieldError
	for _, r := range t.Requirements {
		if !r.IsMandatory {
			continue
		}
		checker, ok := e.checkers[r.RequirementType]
		if !ok {
			details = append(details, model.FieldError{
				Field:   string(r.RequirementType),
				Code:    CodeUnsupported,
				Message: fmt.Sprintf("no checker registered for requirement %q", r.RequirementType),
			})
			continue
		}
		if checker.Satisfied(r, c, p) {
			continue
		}
		msg := r.ErrorMessage
		if msg == "" {
			msg = checker.Message(r)
		}
		details = append(details, model.FieldError{
			Field:   string(r.RequirementType),
			Code:    CodeMissing,
			Message: msg,
		})
	}
	if len(details) > 0 {
		return model.NewRequirementNotMetError(details)
	}
	return nil
}
