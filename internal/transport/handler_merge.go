package transport

import (
	"net/http"

	"github.com/pitabwire/caseflow/internal/merge"
	"github.com/pitabwire/caseflow/model"
)

type caseIDsRequest struct {
	CaseIDs []string `json:"case_ids"`
	Comment string   `json:"comment,omitempty"`
}

func handleMergeValidate(c *merge.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req caseIDsRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		v, err := c.ValidateMerge(r.Context(), req.CaseIDs)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, v)
	}
}

func handleMerge(c *merge.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.MergeRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		res, err := c.Merge(r.Context(), model.MustRequestContext(r.Context()), req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// handleUnmerge answers 200 even when some cases failed; Failures lists them.
func handleUnmerge(c *merge.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req caseIDsRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		res, err := c.BulkUnmerge(r.Context(), model.MustRequestContext(r.Context()), req.CaseIDs, req.Comment)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
