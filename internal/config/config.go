// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CASEFLOW_SERVER_PORT.
const EnvPrefix = "CASEFLOW"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Actions       ActionsConfig       `yaml:"actions"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Identity modes.
const (
	IdentityModeJWT    = "jwt"
	IdentityModeHeader = "header"
)

// IdentityConfig describes how callers are identified. In jwt mode bearer
// tokens are verified with the HMAC secret read from SecretEnv. In header
// mode a trusted gateway supplies the actor in plain headers.
type IdentityConfig struct {
	Mode         string   `yaml:"mode"`
	SecretEnv    string   `yaml:"secret_env"`
	Issuer       string   `yaml:"issuer"`
	Audience     string   `yaml:"audience"`
	Algorithms   []string `yaml:"algorithms"`
	SubjectClaim string   `yaml:"subject_claim"`
	EmailClaim   string   `yaml:"email_claim"`
	RolesClaim   string   `yaml:"roles_claim"`
	ActorHeader  string   `yaml:"actor_header"`
	RolesHeader  string   `yaml:"roles_header"`
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string      `yaml:"directories"`
	HotReload   bool          `yaml:"hot_reload"`
	Debounce    time.Duration `yaml:"debounce"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConfig describes case and definition persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ActionsConfig describes the post-transition action runner.
type ActionsConfig struct {
	Workers        int                  `yaml:"workers"`
	QueueSize      int                  `yaml:"queue_size"`
	WebhookTimeout time.Duration        `yaml:"webhook_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes the per-host webhook circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// EventsConfig describes the live event stream.
type EventsConfig struct {
	BufferSize int           `yaml:"buffer_size"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
					"X-Idempotency-Key", "X-Actor-Id", "X-Actor-Roles"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Mode:         IdentityModeJWT,
			SecretEnv:    "CASEFLOW_JWT_SECRET",
			Algorithms:   []string{"HS256"},
			SubjectClaim: "sub",
			EmailClaim:   "email",
			RolesClaim:   "roles",
			ActorHeader:  "X-Actor-Id",
			RolesHeader:  "X-Actor-Roles",
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Debounce:    500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "CASEFLOW_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				AddrEnv:    "CASEFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Actions: ActionsConfig{
			Workers:        4,
			QueueSize:      256,
			WebhookTimeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Events: EventsConfig{
			BufferSize: 64,
			Heartbeat:  15 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}

	switch c.Identity.Mode {
	case IdentityModeJWT:
		if c.Identity.SecretEnv == "" {
			errs = append(errs, errors.New("identity.secret_env is required in jwt mode"))
		}
		for _, alg := range c.Identity.Algorithms {
			if !slices.Contains([]string{"HS256", "HS384", "HS512"}, alg) {
				errs = append(errs, fmt.Errorf("identity.algorithms: unsupported algorithm %q", alg))
			}
		}
	case IdentityModeHeader:
		if c.Identity.ActorHeader == "" {
			errs = append(errs, errors.New("identity.actor_header is required in header mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("identity.mode must be jwt or header, got %q", c.Identity.Mode))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, errors.New("store.dsn_env is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case DriverMemory:
		case DriverRedis:
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, errors.New("idempotency.store.addr_env is required for the redis driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("idempotency.store.driver must be memory or redis, got %q", c.Idempotency.Store.Driver))
		}
	}

	if c.Actions.Workers < 1 {
		errs = append(errs, errors.New("actions.workers must be at least 1"))
	}
	if c.Actions.QueueSize < 1 {
		errs = append(errs, errors.New("actions.queue_size must be at least 1"))
	}

	return errors.Join(errs...)
}

// envOverrides lists the CASEFLOW_* variables that override file values.
// Unset variables leave the file value alone.
type envOverrides struct {
	ServerPort        int      `envconfig:"SERVER_PORT"`
	IdentityMode      string   `envconfig:"IDENTITY_MODE"`
	IdentityIssuer    string   `envconfig:"IDENTITY_ISSUER"`
	IdentityAudience  string   `envconfig:"IDENTITY_AUDIENCE"`
	DefinitionDirs    []string `envconfig:"DEFINITIONS_DIRECTORIES"`
	HotReload         *bool    `envconfig:"DEFINITIONS_HOT_RELOAD"`
	StoreDriver       string   `envconfig:"STORE_DRIVER"`
	IdempotencyDriver string   `envconfig:"IDEMPOTENCY_DRIVER"`
	ActionWorkers     int      `envconfig:"ACTIONS_WORKERS"`
	LogLevel          string   `envconfig:"LOG_LEVEL"`
	TracingEnabled    *bool    `envconfig:"TRACING_ENABLED"`
	TracingEndpoint   string   `envconfig:"TRACING_ENDPOINT"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	if env.ServerPort != 0 {
		cfg.Server.Port = env.ServerPort
	}
	if env.IdentityMode != "" {
		cfg.Identity.Mode = env.IdentityMode
	}
	if env.IdentityIssuer != "" {
		cfg.Identity.Issuer = env.IdentityIssuer
	}
	if env.IdentityAudience != "" {
		cfg.Identity.Audience = env.IdentityAudience
	}
	if len(env.DefinitionDirs) > 0 {
		cfg.Definitions.Directories = env.DefinitionDirs
	}
	if env.HotReload != nil {
		cfg.Definitions.HotReload = *env.HotReload
	}
	if env.StoreDriver != "" {
		cfg.Store.Driver = env.StoreDriver
	}
	if env.IdempotencyDriver != "" {
		cfg.Idempotency.Store.Driver = env.IdempotencyDriver
	}
	if env.ActionWorkers != 0 {
		cfg.Actions.Workers = env.ActionWorkers
	}
	if env.LogLevel != "" {
		cfg.Observability.LogLevel = env.LogLevel
	}
	if env.TracingEnabled != nil {
		cfg.Observability.Tracing.Enabled = *env.TracingEnabled
	}
	if env.TracingEndpoint != "" {
		cfg.Observability.Tracing.Endpoint = env.TracingEndpoint
	}
	return nil
}
