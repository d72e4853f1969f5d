// Package revision reads and appends the per-case revision ledger.
//
// Revision numbers are never assigned here: the store allocates them inside
// the commit that carries the mutation, so the sequence per case is gap-free
// regardless of which component produced the revision.
package revision

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/model"
)

// Paging limits for List.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

const defaultMaxRetries = 5

// Ledger lists revisions and appends revision-only mutations.
type Ledger struct {
	store      store.CaseStore
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *zap.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(led *Ledger) { led.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// WithBackOff sets the retry policy used by Append. The factory is called
// once per Append.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(led *Ledger) { led.newBackOff = f }
}

// NewLedger creates a Ledger over st.
func NewLedger(st store.CaseStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:      st,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		newBackOff: DefaultBackOff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultBackOff retries a conflicting append up to five times with short
// exponential delays.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return backoff.WithMaxRetries(b, defaultMaxRetries)
}

// New builds an unnumbered revision.
func New(action model.RevisionAction, description, performedBy string, at time.Time, changes ...model.FieldChange) model.Revision {
	return model.Revision{
		ID:          uuid.New().String(),
		ActionType:  action,
		Description: description,
		Changes:     changes,
		PerformedBy: performedBy,
		CreatedAt:   at,
	}
}

// Diff accumulates field changes, dropping fields whose value did not change.
type Diff []model.FieldChange

// Add records a change of field from old to next.
func (d *Diff) Add(field, old, next string) {
	if old == next {
		return
	}
	*d = append(*d, model.FieldChange{Field: field, OldValue: old, NewValue: next})
}

// AddInt records a change of an integer field.
func (d *Diff) AddInt(field string, old, next int) {
	d.Add(field, strconv.Itoa(old), strconv.Itoa(next))
}

// AddBool records a change of a boolean field.
func (d *Diff) AddBool(field string, old, next bool) {
	d.Add(field, strconv.FormatBool(old), strconv.FormatBool(next))
}

// Has reports whether field is among the recorded changes.
func (d Diff) Has(field string) bool {
	for _, c := range d {
		if c.Field == field {
			return true
		}
	}
	return false
}

// List returns one page of a case's revisions, oldest first.
func (l *Ledger) List(ctx context.Context, caseID string, filter model.RevisionFilter, page, limit int) (model.Page[model.Revision], error) {
	if filter.ActionType != "" && !filter.ActionType.Valid() {
		return model.Page[model.Revision]{}, model.NewBadRequestError(
			fmt.Sprintf("unknown action_type %q", filter.ActionType),
		)
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return model.Page[model.Revision]{}, model.NewBadRequestError("from must not be after to")
	}
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	items, total, err := l.store.ListRevisions(ctx, caseID, store.RevisionQuery{
		RevisionFilter: filter,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	})
	if err != nil {
		return model.Page[model.Revision]{}, err
	}
	if items == nil {
		items = []model.Revision{}
	}
	return model.Page[model.Revision]{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// Mutation derives the next version of c together with the revisions that
// describe the change. Returning ok=false skips the write.
type Mutation func(c model.Case) (next model.Case, revs []model.Revision, ok bool, err error)

// Append reads the case, applies mutate and commits the result. A CONFLICT
// from the store re-reads the case and tries again under the configured
// back-off. Any other error, including one returned by mutate, is final.
// The returned bool is false when mutate chose to skip.
func (l *Ledger) Append(ctx context.Context, caseID string, mutate Mutation) (store.Committed, bool, error) {
	var (
		out     store.Committed
		written bool
	)
	op := func() error {
		c, err := l.store.GetCase(ctx, caseID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, revs, ok, err := mutate(c)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			written = false
			return nil
		}
		next.Version = c.Version
		committed, err := l.store.Commit(ctx, store.Change{Case: next, Revisions: revs})
		if err != nil {
			if model.HasCode(err, model.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		out, written = committed[0], true
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.metrics.RecordRevisionRetry()
		l.logger.Debug("revision append conflict, retrying",
			zap.String("case_id", caseID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(l.newBackOff(), ctx), notify); err != nil {
		if model.HasCode(err, model.ErrConflict) {
			l.metrics.RecordConflict("append_revision")
		}
		return store.Committed{}, false, err
	}
	if written {
		for _, r := range out.Revisions {
			l.metrics.RecordRevision(string(r.ActionType))
		}
	}
	return out, written, nil
}

// RecordActivity appends one comment or attachment revision for a
// collaborator-side mutation.
func (l *Ledger) RecordActivity(ctx context.Context, rctx *model.RequestContext, caseID string, a model.Activity) (model.Revision, error) {
	if !a.ActionType.IsActivity() {
		return model.Revision{}, model.NewBadRequestError(
			fmt.Sprintf("action_type %q is not a comment or attachment activity", a.ActionType),
		)
	}

	committed, _, err := l.Append(ctx, caseID, func(c model.Case) (model.Case, []model.Revision, bool, error) {
		now := l.now()
		c.UpdatedAt = now
		rev := New(a.ActionType, a.Description, rctx.SubjectID, now, a.Changes...)
		return c, []model.Revision{rev}, true, nil
	})
	if err != nil {
		return model.Revision{}, err
	}

	rev := committed.Revisions[0]
	l.logger.Info("activity recorded",
		zap.String("case_id", caseID),
		zap.String("action_type", string(rev.ActionType)),
		zap.Int("revision_number", rev.RevisionNumber),
	)
	return rev, nil
}
