package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/revision"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

func handleCaseCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in model.NewCase
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}
		c, err := engine.CreateCase(r.Context(), model.MustRequestContext(r.Context()), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, c)
	}
}

func handleCaseGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := engine.GetCase(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleCaseUpdate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var upd model.CaseUpdate
		if err := decodeJSON(r, &upd); err != nil {
			WriteError(w, r, err)
			return
		}
		c, err := engine.UpdateCase(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "caseId"), upd)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleCaseDelete(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.DeleteCase(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "caseId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAvailableTransitions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, err := engine.AvailableTransitions(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": ts})
	}
}

func handleExecuteTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload model.TransitionPayload
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &payload); err != nil {
				WriteError(w, r, err)
				return
			}
		}
		res, err := engine.ExecuteTransition(r.Context(), model.MustRequestContext(r.Context()),
			chi.URLParam(r, "caseId"), chi.URLParam(r, "transitionId"), payload)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := engine.ListHistory(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": h})
	}
}

func handleRevisions(ledger *revision.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := model.RevisionFilter{
			ActionType:  model.RevisionAction(q.Get("action_type")),
			PerformedBy: q.Get("performed_by"),
		}
		for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
			raw := q.Get(key)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				WriteError(w, r, model.NewBadRequestError(key+" must be an RFC 3339 timestamp"))
				return
			}
			*dst = &t
		}

		page, err := ledger.List(r.Context(), chi.URLParam(r, "caseId"), filter,
			queryInt(r, "page", 1), queryInt(r, "limit", revision.DefaultLimit))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	}
}

func handleActivity(ledger *revision.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a model.Activity
		if err := decodeJSON(r, &a); err != nil {
			WriteError(w, r, err)
			return
		}
		rev, err := ledger.RecordActivity(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "caseId"), a)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, rev)
	}
}

func handleConvert(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ConversionRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		res, err := engine.Convert(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "caseId"), req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handleSLASweep(engine *workflow.Engine, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at := now()
		if raw := r.URL.Query().Get("now"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				WriteError(w, r, model.NewBadRequestError("now must be an RFC 3339 timestamp"))
				return
			}
			at = t
		}
		res, err := engine.SweepSLA(r.Context(), at)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
