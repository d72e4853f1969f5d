package model

import "testing"

func TestRecordType_Accepts(t *testing.T) {
	tests := []struct {
		workflow RecordType
		caseType RecordType
		want     bool
	}{
		{RecordIncident, RecordIncident, true},
		{RecordIncident, RecordRequest, false},
		{RecordBoth, RecordIncident, true},
		{RecordBoth, RecordRequest, true},
		{RecordBoth, RecordComplaint, false},
		{RecordAll, RecordQuery, true},
		{RecordAll, RecordComplaint, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.workflow)+"/"+string(tt.caseType), func(t *testing.T) {
			if got := tt.workflow.Accepts(tt.caseType); got != tt.want {
				t.Errorf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordType_IsCaseType(t *testing.T) {
	if !RecordComplaint.IsCaseType() {
		t.Error("complaint.IsCaseType() = false, want true")
	}
	if RecordBoth.IsCaseType() || RecordAll.IsCaseType() {
		t.Error("both/all must not be case types")
	}
	if RecordType("ticket").IsCaseType() {
		t.Error("unknown type reported as case type")
	}
}

func TestWorkflowDefinition_lookups(t *testing.T) {
	wf := WorkflowDefinition{
		States: []WorkflowState{
			{ID: "new", StateType: StateInitial},
			{ID: "assigned", StateType: StateIntermediate},
			{ID: "resolved", StateType: StateTerminal},
		},
		Transitions: []WorkflowTransition{
			{ID: "t1", FromStateID: "new", ToStateID: "assigned"},
			{ID: "t2", FromStateID: "assigned", ToStateID: "resolved"},
			{ID: "t3", FromStateID: "new", ToStateID: "resolved"},
		},
	}

	initial, ok := wf.InitialState()
	if !ok || initial.ID != "new" {
		t.Errorf("InitialState() = %q, %v, want new, true", initial.ID, ok)
	}
	if _, ok := wf.State("missing"); ok {
		t.Error("State(missing) ok = true, want false")
	}

	from := wf.TransitionsFrom("new")
	if len(from) != 2 {
		t.Fatalf("TransitionsFrom(new) = %d transitions, want 2", len(from))
	}
	if from[0].ID != "t1" || from[1].ID != "t3" {
		t.Errorf("TransitionsFrom(new) order = %s,%s, want t1,t3", from[0].ID, from[1].ID)
	}
}

func TestTransitionPayload_HasComment(t *testing.T) {
	if (TransitionPayload{Comment: "   "}).HasComment() {
		t.Error("blank comment counted as present")
	}
	if !(TransitionPayload{Comment: "ok"}).HasComment() {
		t.Error("comment ok not counted as present")
	}
}
