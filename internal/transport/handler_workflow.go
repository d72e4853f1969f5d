package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

func handleWorkflowMatch(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var criteria model.MatchCriteria
		if err := decodeJSON(r, &criteria); err != nil {
			WriteError(w, r, err)
			return
		}
		wf, ok := engine.MatchWorkflow(r.Context(), criteria)
		if !ok {
			WriteError(w, r, model.NewNotFoundError("no active workflow applies to the given criteria"))
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

// handleWorkflowValidate always answers 200; the findings are the payload.
func handleWorkflowValidate(manager *definition.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def); err != nil {
			WriteError(w, r, err)
			return
		}
		errs := manager.Validate(def)
		if errs == nil {
			errs = []definition.VError{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"valid":  len(errs) == 0,
			"errors": errs,
		})
	}
}

func handleWorkflowList(manager *definition.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs, err := manager.List(r.Context(), r.URL.Query().Get("include_deleted") == "true")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if defs == nil {
			defs = []model.WorkflowDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": defs})
	}
}

func handleWorkflowGet(manager *definition.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := manager.Get(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// handleWorkflowSave creates or replaces the definition named in the path.
func handleWorkflowSave(manager *definition.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def); err != nil {
			WriteError(w, r, err)
			return
		}
		id := chi.URLParam(r, "workflowId")
		if def.ID != "" && def.ID != id {
			WriteError(w, r, model.NewBadRequestError("body id does not match the path"))
			return
		}
		def.ID = id

		saved, err := manager.Save(r.Context(), def)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, saved)
	}
}

func handleWorkflowDelete(manager *definition.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		purged, err := manager.Delete(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"purged": purged})
	}
}
