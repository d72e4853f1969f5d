package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "user-1"},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			rc:      &RequestContext{Roles: []string{"agent"}},
			wantErr: true,
		},
		{
			name:    "blank subject",
			rc:      &RequestContext{SubjectID: "  "},
			wantErr: true,
		},
		{
			name:    "blank role id",
			rc:      &RequestContext{SubjectID: "user-1", Roles: []string{"agent", ""}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{
		Roles: []string{"supervisor", "agent"},
	}
	if !rc.HasRole("supervisor") {
		t.Error("HasRole(supervisor) = false, want true")
	}
	if rc.HasRole("viewer") {
		t.Error("HasRole(viewer) = true, want false")
	}
}

func TestRequestContext_HasAnyRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"agent"}}

	tests := []struct {
		name    string
		allowed []string
		want    bool
	}{
		{"empty allowed list is unrestricted", nil, true},
		{"one matching role", []string{"supervisor", "agent"}, true},
		{"no matching role", []string{"supervisor"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rc.HasAnyRole(tt.allowed); got != tt.want {
				t.Errorf("HasAnyRole(%v) = %v, want %v", tt.allowed, got, tt.want)
			}
		})
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "user-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}

func TestMustRequestContext_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRequestContext(empty context) did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
