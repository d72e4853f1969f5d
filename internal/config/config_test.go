package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want default 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Identity.RolesClaim != "roles" {
		t.Errorf("Identity.RolesClaim = %q, want default roles", cfg.Identity.RolesClaim)
	}
	if !cfg.Definitions.HotReload || cfg.Definitions.Debounce != 250*time.Millisecond {
		t.Errorf("Definitions = %+v", cfg.Definitions)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.MaxConns != 10 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if !cfg.Idempotency.Enabled || cfg.Idempotency.Store.Driver != DriverRedis {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Actions.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("Actions.CircuitBreaker.FailureThreshold = %d, want 3", cfg.Actions.CircuitBreaker.FailureThreshold)
	}
	if cfg.Actions.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("Actions.CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Actions.CircuitBreaker.SuccessThreshold)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_bad_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
	if !strings.Contains(err.Error(), "store.driver") {
		t.Errorf("error = %v, want mention of store.driver", err)
	}
}

func TestLoad_header_mode(t *testing.T) {
	cfg, err := Load("testdata/header_mode.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Identity.Mode != IdentityModeHeader || cfg.Identity.ActorHeader != "X-Gateway-User" {
		t.Errorf("Identity = %+v", cfg.Identity)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASEFLOW_SERVER_PORT", "3000")
	t.Setenv("CASEFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("CASEFLOW_DEFINITIONS_DIRECTORIES", "/a,/b")
	t.Setenv("CASEFLOW_DEFINITIONS_HOT_RELOAD", "false")
	t.Setenv("CASEFLOW_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if got := cfg.Definitions.Directories; len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Errorf("Definitions.Directories = %v, want [/a /b]", got)
	}
	if cfg.Definitions.HotReload {
		t.Error("Definitions.HotReload = true, want false (env override)")
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	// Untouched by the environment.
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("Store.Driver = %q, want postgres from file", cfg.Store.Driver)
	}
}

func TestEnvOverrides_invalid_value(t *testing.T) {
	t.Setenv("CASEFLOW_SERVER_PORT", "not-a-port")

	if _, err := Load("testdata/valid.yaml"); err == nil {
		t.Fatal("Load() with malformed env override should return error")
	}
}

func TestValidate_collects_every_problem(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Identity.Mode = "oauth"
	cfg.Actions.Workers = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should return error")
	}
	for _, want := range []string{"server.port", "identity.mode", "actions.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %v, want mention of %s", err, want)
		}
	}
}

func TestValidate_jwt_algorithms(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Algorithms = []string{"RS256"}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with RS256 should return error")
	}
}
