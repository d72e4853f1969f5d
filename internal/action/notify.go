package action

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pitabwire/caseflow/internal/eventbus"
)

// NotifyType is the built-in notification action type.
const NotifyType = "notify"

// DefaultNotifyTopic is used when a notify action has no topic configured.
const DefaultNotifyTopic = "case.notify"

// Notifier publishes notify actions on the event bus, where delivery
// channels (email, SMS, the live stream) pick them up.
type Notifier struct {
	bus *eventbus.Bus
}

// NewNotifier creates a Notifier publishing to bus.
func NewNotifier(bus *eventbus.Bus) *Notifier {
	return &Notifier{bus: bus}
}

// Handle publishes one event for the job. String, number and boolean config
// values are copied into the event data; the topic becomes the event type.
func (n *Notifier) Handle(_ context.Context, job Job) error {
	topic := DefaultNotifyTopic
	data := map[string]string{
		"workflow_id":   job.WorkflowID,
		"transition_id": job.Transition.ID,
		"from_state_id": job.FromStateID,
		"to_state_id":   job.Transition.ToStateID,
		"actor":         job.Actor,
	}
	if job.Case.AssigneeID != "" {
		data["assignee_id"] = job.Case.AssigneeID
	}
	if job.Case.DepartmentID != "" {
		data["department_id"] = job.Case.DepartmentID
	}

	for k, v := range job.Action.Config {
		if k == "topic" {
			s, ok := v.(string)
			if !ok || s == "" {
				return fmt.Errorf("notify: topic must be a non-empty string")
			}
			topic = s
			continue
		}
		switch val := v.(type) {
		case string:
			data[k] = val
		case int:
			data[k] = strconv.Itoa(val)
		case float64:
			data[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			data[k] = strconv.FormatBool(val)
		}
	}

	n.bus.PublishNew(topic, job.Case.ID, data)
	return nil
}
