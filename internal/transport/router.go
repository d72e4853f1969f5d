package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/merge"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Engine       *workflow.Engine
	Definitions  *definition.Manager
	Merges       *merge.Coordinator
	Bus          *eventbus.Bus
	Idempotency  idempotency.Store
	Readiness    observability.ReadinessChecks
	Now          func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication. The event stream is authenticated but has no handler
// timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Handle(cfg.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	idem := func(next http.Handler) http.Handler { return next }
	if cfg.Idempotency.Enabled {
		idem = Idempotent(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity))
		r.Use(RequestLogging(logger))

		r.Get("/events", handleEvents(deps.Bus, cfg.Events))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))

			r.Route("/workflows", func(r chi.Router) {
				r.Get("/", handleWorkflowList(deps.Definitions))
				r.Post("/match", handleWorkflowMatch(deps.Engine))
				r.Post("/validate", handleWorkflowValidate(deps.Definitions))
				r.Get("/{workflowId}", handleWorkflowGet(deps.Definitions))
				r.Put("/{workflowId}", handleWorkflowSave(deps.Definitions))
				r.Delete("/{workflowId}", handleWorkflowDelete(deps.Definitions))
			})

			r.Route("/cases", func(r chi.Router) {
				r.With(idem).Post("/", handleCaseCreate(deps.Engine))
				r.Route("/{caseId}", func(r chi.Router) {
					r.Get("/", handleCaseGet(deps.Engine))
					r.With(idem).Patch("/", handleCaseUpdate(deps.Engine))
					r.Delete("/", handleCaseDelete(deps.Engine))
					r.Get("/transitions", handleAvailableTransitions(deps.Engine))
					r.With(idem).Post("/transitions/{transitionId}", handleExecuteTransition(deps.Engine))
					r.Get("/history", handleHistory(deps.Engine))
					r.Get("/revisions", handleRevisions(deps.Engine.Ledger()))
					r.With(idem).Post("/activity", handleActivity(deps.Engine.Ledger()))
					r.With(idem).Post("/convert", handleConvert(deps.Engine))
				})
			})

			r.Route("/merges", func(r chi.Router) {
				r.Post("/validate", handleMergeValidate(deps.Merges))
				r.With(idem).Post("/", handleMerge(deps.Merges))
				r.With(idem).Post("/unmerge", handleUnmerge(deps.Merges))
			})

			r.Post("/sla/sweep", handleSLASweep(deps.Engine, now))
		})
	})

	return r
}
