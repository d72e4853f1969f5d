// Package action runs the side effects attached to workflow transitions.
//
// Actions are dispatched after the transition has committed. The runner is
// best-effort: a full queue or an unknown action type is reported back to the
// caller as an error, and a failing handler is logged and counted but never
// affects the case.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Dispatch errors.
var (
	ErrQueueFull     = errors.New("action queue is full")
	ErrUnknownAction = errors.New("unknown action type")
	ErrStopped       = errors.New("action runner is stopped")
)

// Job is one action to run for a committed transition.
type Job struct {
	Action      model.TransitionAction
	Case        model.Case
	WorkflowID  string
	Transition  model.WorkflowTransition
	FromStateID string
	Actor       string
	OccurredAt  time.Time
}

// Handler executes one action type.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Runner feeds jobs from a bounded queue to a fixed pool of workers.
type Runner struct {
	handlers map[string]Handler
	workers  int
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	queue  chan Job
	closed bool
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithJobTimeout bounds the run time of each job. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner creates a stopped runner sized from cfg.
func NewRunner(cfg config.ActionsConfig, opts ...Option) *Runner {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	r := &Runner{
		handlers: make(map[string]Handler),
		workers:  workers,
		logger:   zap.NewNop(),
		queue:    make(chan Job, size),
		wg:       conc.NewWaitGroup(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler to an action type, replacing any previous one.
// Register before Start.
func (r *Runner) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Types returns the registered action types.
func (r *Runner) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Start launches the workers. Jobs enqueued before Start wait in the queue.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for range r.workers {
		r.wg.Go(func() { r.work(ctx) })
	}
}

// Stop closes the queue and waits for the workers to drain it.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
}

// Enqueue hands a job to the workers without blocking.
func (r *Runner) Enqueue(job Job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actionType := job.Action.ActionType
	if r.closed {
		return ErrStopped
	}
	if _, ok := r.handlers[actionType]; !ok {
		r.metrics.RecordAction(actionType, "unknown")
		return fmt.Errorf("%w %q", ErrUnknownAction, actionType)
	}

	select {
	case r.queue <- job:
		r.logger.Debug("action queued",
			zap.String("action_type", actionType),
			zap.String("case_id", job.Case.ID),
			zap.String("transition_id", job.Transition.ID),
		)
		return nil
	default:
		r.metrics.RecordActionDropped(actionType)
		return ErrQueueFull
	}
}

func (r *Runner) work(ctx context.Context) {
	for job := range r.queue {
		r.run(ctx, job)
	}
}

func (r *Runner) run(ctx context.Context, job Job) {
	actionType := job.Action.ActionType
	r.mu.RLock()
	h := r.handlers[actionType]
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = h.Handle(ctx, job)
	})
	if err == nil {
		err = catcher.Recovered().AsError()
	}

	log := r.logger.With(
		zap.String("action_type", actionType),
		zap.String("case_id", job.Case.ID),
		zap.String("transition_id", job.Transition.ID),
	)
	if err != nil {
		r.metrics.RecordAction(actionType, "failed")
		log.Warn("action failed", zap.Error(err))
		return
	}
	r.metrics.RecordAction(actionType, "ok")
	log.Debug("action completed")
}
