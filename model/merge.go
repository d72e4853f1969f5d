package model

// MergeValidation reports whether a set of cases may be merged.
// MasterOptions is the candidate set, unfiltered.
type MergeValidation struct {
	CanMerge      bool     `json:"can_merge"`
	Errors        []string `json:"errors"`
	MasterOptions []Case   `json:"master_options"`
}

// MergeRequest links every non-master case in CaseIDs to MasterID. When
// CloseTransitionCode is set, that transition is executed on each duplicate
// as part of the merge.
type MergeRequest struct {
	CaseIDs             []string `json:"case_ids"`
	MasterID            string   `json:"master_id"`
	Comment             string   `json:"comment,omitempty"`
	CloseTransitionCode string   `json:"close_transition_code,omitempty"`
}

// MergeResult lists the duplicates that were linked to the master.
type MergeResult struct {
	Merged   []Case   `json:"merged"`
	Warnings []string `json:"warnings,omitempty"`
}

// CaseFailure describes one case a bulk operation could not process.
type CaseFailure struct {
	CaseID string `json:"case_id"`
	Error  string `json:"error"`
}

// UnmergeResult reports the outcome of a bulk unmerge. Failures are per case.
type UnmergeResult struct {
	UnmergedCount int           `json:"unmerged_count"`
	Failures      []CaseFailure `json:"failures"`
}

// SLASweepResult reports the outcome of one SLA sweep.
type SLASweepResult struct {
	Checked  int           `json:"checked"`
	Breached []string      `json:"breached"`
	Failures []CaseFailure `json:"failures"`
}
