// Package matching selects the workflow definition that applies to a new
// case. Scoring is deterministic: identical inputs always pick the same
// workflow.
package matching

import (
	"slices"

	"github.com/pitabwire/caseflow/model"
)

// Score weights.
const (
	ClassificationWeight = 10
	LocationWeight       = 10
	SourceWeight         = 10
	PriorityWeight       = 5
	DefaultFloor         = 1
)

const (
	minPriority = 1
	maxPriority = 5
)

// Result explains how a workflow was selected.
type Result string

// Match results.
const (
	ResultScored   Result = "scored"
	ResultDefault  Result = "default"
	ResultFallback Result = "fallback"
	ResultNone     Result = "none"
)

// Score returns the match score of one candidate. Inactive candidates are
// not special-cased here; Match filters them out first.
func Score(w model.WorkflowDefinition, c model.MatchCriteria) int {
	score := 0
	if c.ClassificationID != "" && slices.Contains(w.ClassificationIDs, c.ClassificationID) {
		score += ClassificationWeight
	}
	if c.LocationID != "" && slices.Contains(w.LocationIDs, c.LocationID) {
		score += LocationWeight
	}
	if c.Source != "" && slices.Contains(w.Sources, c.Source) {
		score += SourceWeight
	}
	if c.Priority != nil && inPriorityRange(w, *c.Priority) {
		score += PriorityWeight
	}
	if score == 0 && w.IsDefault {
		score = DefaultFloor
	}
	return score
}

func inPriorityRange(w model.WorkflowDefinition, p int) bool {
	lo, hi := minPriority, maxPriority
	if w.PriorityMin != nil {
		lo = *w.PriorityMin
	}
	if w.PriorityMax != nil {
		hi = *w.PriorityMax
	}
	return p >= lo && p <= hi
}

// Match picks the best active candidate for the criteria. The highest score
// wins and ties go to the earlier candidate. When nothing scores, the first
// active default is used, then the first active candidate. The bool is false
// only when there is no active candidate.
func Match(candidates []model.WorkflowDefinition, c model.MatchCriteria) (model.WorkflowDefinition, bool) {
	w, res := MatchWithResult(candidates, c)
	return w, res != ResultNone
}

// MatchWithResult is Match that also reports which rule made the choice.
func MatchWithResult(candidates []model.WorkflowDefinition, c model.MatchCriteria) (model.WorkflowDefinition, Result) {
	best, bestScore := -1, 0
	firstDefault, firstActive := -1, -1

	for i, w := range candidates {
		if !w.IsActive {
			continue
		}
		if firstActive < 0 {
			firstActive = i
		}
		if firstDefault < 0 && w.IsDefault {
			firstDefault = i
		}
		if s := Score(w, c); s > bestScore {
			best, bestScore = i, s
		}
	}

	switch {
	case best >= 0 && bestScore == DefaultFloor:
		return candidates[best], ResultDefault
	case best >= 0:
		return candidates[best], ResultScored
	case firstDefault >= 0:
		return candidates[firstDefault], ResultDefault
	case firstActive >= 0:
		return candidates[firstActive], ResultFallback
	default:
		return model.WorkflowDefinition{}, ResultNone
	}
}

// ForRecordType keeps the candidates whose record type accepts caseType,
// preserving order. An empty caseType keeps everything.
func ForRecordType(candidates []model.WorkflowDefinition, caseType model.RecordType) []model.WorkflowDefinition {
	if caseType == "" {
		return candidates
	}
	out := make([]model.WorkflowDefinition, 0, len(candidates))
	for _, w := range candidates {
		if w.RecordType.Accepts(caseType) {
			out = append(out, w)
		}
	}
	return out
}
