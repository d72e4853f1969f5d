package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// RequestContext identifies the actor behind a case operation. Role ids are
// matched against a transition's allowed roles and a workflow's conversion
// roles. Handlers build it once per request and never mutate it afterwards.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate reports a missing subject or blank role ids.
func (rc *RequestContext) Validate() error {
	var errs []error
	if strings.TrimSpace(rc.SubjectID) == "" {
		errs = append(errs, errors.New("subject id is required"))
	}
	for i, role := range rc.Roles {
		if strings.TrimSpace(role) == "" {
			errs = append(errs, fmt.Errorf("roles[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// HasRole reports whether the actor holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// HasAnyRole reports whether the actor holds one of allowed. No allowed
// roles means anyone may proceed.
func (rc *RequestContext) HasAnyRole(allowed []string) bool {
	return len(allowed) == 0 || slices.ContainsFunc(allowed, rc.HasRole)
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the actor stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind
// BuildRequestContext. It panics when the actor is absent.
func MustRequestContext(ctx context.Context) *RequestContext {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx
	}
	panic("model: no actor in request context")
}
