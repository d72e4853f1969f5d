package matching

import (
	"slices"
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func intPtr(v int) *int { return &v }

func wf(id string, mods ...func(*model.WorkflowDefinition)) model.WorkflowDefinition {
	w := model.WorkflowDefinition{ID: id, Name: id, RecordType: model.RecordIncident, IsActive: true}
	for _, mod := range mods {
		mod(&w)
	}
	return w
}

func classifications(ids ...string) func(*model.WorkflowDefinition) {
	return func(w *model.WorkflowDefinition) { w.ClassificationIDs = ids }
}

func priorityRange(lo, hi int) func(*model.WorkflowDefinition) {
	return func(w *model.WorkflowDefinition) { w.PriorityMin, w.PriorityMax = intPtr(lo), intPtr(hi) }
}

func isDefault(w *model.WorkflowDefinition) { w.IsDefault = true }

func inactive(w *model.WorkflowDefinition) { w.IsActive = false }

func TestMatch_classification_and_priority_beats_default(t *testing.T) {
	w1 := wf("W1", classifications("C1"), priorityRange(1, 5))
	w2 := wf("W2", isDefault)
	criteria := model.MatchCriteria{ClassificationID: "C1", Priority: intPtr(3)}

	if got := Score(w1, criteria); got != 15 {
		t.Errorf("Score(W1) = %d, want 15", got)
	}
	// An unset range defaults to 1..5.
	if got := Score(w2, criteria); got != 5 {
		t.Errorf("Score(W2) = %d, want 5", got)
	}

	got, ok := Match([]model.WorkflowDefinition{w2, w1}, criteria)
	if !ok || got.ID != "W1" {
		t.Errorf("Match() = %q, %v, want W1", got.ID, ok)
	}
}

func TestScore(t *testing.T) {
	full := wf("full",
		classifications("C1"),
		priorityRange(2, 4),
		func(w *model.WorkflowDefinition) {
			w.LocationIDs = []string{"L1"}
			w.Sources = []string{"web"}
		},
	)

	tests := []struct {
		name     string
		w        model.WorkflowDefinition
		criteria model.MatchCriteria
		want     int
	}{
		{"no criteria", full, model.MatchCriteria{}, 0},
		{"all criteria", full, model.MatchCriteria{ClassificationID: "C1", LocationID: "L1", Source: "web", Priority: intPtr(3)}, 35},
		{"location only", full, model.MatchCriteria{LocationID: "L1"}, 10},
		{"source mismatch", full, model.MatchCriteria{Source: "email"}, 0},
		{"priority below range", full, model.MatchCriteria{Priority: intPtr(1)}, 0},
		{"priority at upper bound", full, model.MatchCriteria{Priority: intPtr(4)}, 5},
		{"empty candidate list never matches", wf("bare"), model.MatchCriteria{ClassificationID: "C1"}, 0},
		{"default floor", wf("def", isDefault), model.MatchCriteria{ClassificationID: "C9"}, 1},
		{"default floor only when zero", wf("def", isDefault, classifications("C1")), model.MatchCriteria{ClassificationID: "C1"}, 10},
		{"priority only min set", wf("min", func(w *model.WorkflowDefinition) { w.PriorityMin = intPtr(4) }), model.MatchCriteria{Priority: intPtr(5)}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.w, tt.criteria); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMatch_tie_goes_to_first_seen(t *testing.T) {
	a := wf("A", classifications("C1"))
	b := wf("B", classifications("C1"))
	criteria := model.MatchCriteria{ClassificationID: "C1"}

	if got, _ := Match([]model.WorkflowDefinition{a, b}, criteria); got.ID != "A" {
		t.Errorf("Match(A,B) = %q, want A", got.ID)
	}
	if got, _ := Match([]model.WorkflowDefinition{b, a}, criteria); got.ID != "B" {
		t.Errorf("Match(B,A) = %q, want B", got.ID)
	}
}

func TestMatch_single_default_when_nothing_matches(t *testing.T) {
	candidates := []model.WorkflowDefinition{
		wf("A", classifications("C2")),
		wf("D", isDefault),
		wf("B", classifications("C3")),
	}
	got, res := MatchWithResult(candidates, model.MatchCriteria{ClassificationID: "C1"})
	if got.ID != "D" || res != ResultDefault {
		t.Errorf("MatchWithResult() = %q, %s, want D, %s", got.ID, res, ResultDefault)
	}
}

func TestMatch_fallback_chain(t *testing.T) {
	t.Run("inactive default is skipped", func(t *testing.T) {
		candidates := []model.WorkflowDefinition{wf("X", isDefault, inactive), wf("D", isDefault)}
		got, ok := Match(candidates, model.MatchCriteria{})
		if !ok || got.ID != "D" {
			t.Errorf("Match() = %q, %v, want D", got.ID, ok)
		}
	})

	t.Run("first active candidate", func(t *testing.T) {
		candidates := []model.WorkflowDefinition{wf("Z", inactive), wf("A"), wf("B")}
		got, res := MatchWithResult(candidates, model.MatchCriteria{ClassificationID: "nope"})
		if got.ID != "A" || res != ResultFallback {
			t.Errorf("MatchWithResult() = %q, %s, want A, %s", got.ID, res, ResultFallback)
		}
	})

	t.Run("no active candidates", func(t *testing.T) {
		if _, ok := Match([]model.WorkflowDefinition{wf("Z", inactive)}, model.MatchCriteria{}); ok {
			t.Error("Match(inactive only) ok = true")
		}
		if _, ok := Match(nil, model.MatchCriteria{}); ok {
			t.Error("Match(nil) ok = true")
		}
	})
}

func TestMatch_inactive_never_wins(t *testing.T) {
	candidates := []model.WorkflowDefinition{
		wf("best", classifications("C1"), inactive),
		wf("ok", isDefault),
	}
	if got, _ := Match(candidates, model.MatchCriteria{ClassificationID: "C1"}); got.ID != "ok" {
		t.Errorf("Match() = %q, want ok", got.ID)
	}
}

func TestMatch_deterministic(t *testing.T) {
	candidates := []model.WorkflowDefinition{
		wf("A", classifications("C1")),
		wf("B", classifications("C1"), priorityRange(1, 2)),
		wf("C", isDefault),
	}
	criteria := model.MatchCriteria{ClassificationID: "C1", Priority: intPtr(2)}

	first, _ := Match(candidates, criteria)
	for i := range 50 {
		if got, _ := Match(candidates, criteria); got.ID != first.ID {
			t.Fatalf("run %d: Match() = %q, want %q", i, got.ID, first.ID)
		}
	}
	// A and B both score 15; A is first.
	if first.ID != "A" {
		t.Errorf("Match() = %q, want A", first.ID)
	}
}

func TestForRecordType(t *testing.T) {
	candidates := []model.WorkflowDefinition{
		wf("inc"),
		wf("req", func(w *model.WorkflowDefinition) { w.RecordType = model.RecordRequest }),
		wf("both", func(w *model.WorkflowDefinition) { w.RecordType = model.RecordBoth }),
		wf("all", func(w *model.WorkflowDefinition) { w.RecordType = model.RecordAll }),
	}

	ids := func(ws []model.WorkflowDefinition) []string {
		var out []string
		for _, w := range ws {
			out = append(out, w.ID)
		}
		return out
	}

	if got, want := ids(ForRecordType(candidates, model.RecordRequest)), []string{"req", "both", "all"}; !slices.Equal(got, want) {
		t.Errorf("ForRecordType(request) = %v, want %v", got, want)
	}
	if got, want := ids(ForRecordType(candidates, model.RecordQuery)), []string{"all"}; !slices.Equal(got, want) {
		t.Errorf("ForRecordType(query) = %v, want %v", got, want)
	}
	if got := ForRecordType(candidates, ""); len(got) != 4 {
		t.Errorf("ForRecordType(\"\") = %d workflows, want 4", len(got))
	}
}
