// Package config loads and validates recoveryd configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete recoveryd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	App          AppConfig          `koanf:"app"`
	Health       HealthConfig       `koanf:"health"`
	Thresholds   ThresholdConfig    `koanf:"thresholds"`
	Recovery     RecoveryConfig     `koanf:"recovery"`
	Circuit      CircuitConfig      `koanf:"circuit"`
	State        StateConfig        `koanf:"state"`
	Database     DatabaseConfig     `koanf:"database"`
	Housekeeping HousekeepingConfig `koanf:"housekeeping"`
	Control      ControlConfig      `koanf:"control"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`

	// Services are the supervised unit names known to the service controller.
	Services []string `koanf:"services" validate:"dive,required"`

	// Endpoints are HTTP liveness targets. When empty and at least one service is
	// configured, a single endpoint on the application port is derived for the
	// first service.
	Endpoints []EndpointConfig `koanf:"endpoints" validate:"dive"`
}

// ServerConfig configures the status/control HTTP surface.
type ServerConfig struct {
	// Host is the listen address.
	// Default: 0.0.0.0
	Host string `koanf:"host"`

	// Port is the listen port (legacy env HEALTH_PORT).
	// Default: 3002
	Port int `koanf:"port" validate:"min=1,max=65535"`

	// ReadTimeout bounds reading a request.
	// Default: 15s
	ReadTimeout time.Duration `koanf:"read_timeout" validate:"gt=0"`

	// WriteTimeout bounds writing a response.
	// Default: 15s
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`

	// IdleTimeout bounds keep-alive connections.
	// Default: 60s
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	// Default: 30s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AppConfig describes the supervised application's own HTTP port.
type AppConfig struct {
	// Port is the application port (legacy env APP_PORT).
	// Default: 3000
	Port int `koanf:"port" validate:"min=1,max=65535"`

	// HealthPath is appended to the application port for the derived endpoint.
	// Default: /health
	HealthPath string `koanf:"health_path" validate:"startswith=/"`
}

// HealthConfig configures sampling cadence and probe behaviour.
type HealthConfig struct {
	// Interval is the period of the full health cycle.
	// Default: 30s
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// MetricsInterval is the period of the observation-only metrics refresh.
	// Default: half of Interval
	MetricsInterval time.Duration `koanf:"metrics_interval" validate:"gte=0"`

	// BudgetResetInterval is the period after which restart counters are cleared.
	// Default: 1h
	BudgetResetInterval time.Duration `koanf:"budget_reset_interval" validate:"gt=0"`

	// ProbeTimeout bounds each individual probe.
	// Default: 5s
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"gt=0"`

	// CPUSampleWindow is the measuring window of the CPU probe.
	// Default: 1s
	CPUSampleWindow time.Duration `koanf:"cpu_sample_window" validate:"gte=0"`

	// DiskPath is the filesystem path whose usage is sampled.
	// Default: /
	DiskPath string `koanf:"disk_path" validate:"required"`

	// MemoryCeilingBytes is the memory budget the memory fraction is computed
	// against. Zero means total host memory.
	// Default: 0
	MemoryCeilingBytes uint64 `koanf:"memory_ceiling_bytes"`

	// HistorySize is the number of samples retained for /metrics.
	// Default: 120
	HistorySize int `koanf:"history_size" validate:"min=1"`
}

// ThresholdConfig holds the unhealthy thresholds as fractions in (0, 1].
type ThresholdConfig struct {
	// Memory is the used fraction of the memory ceiling.
	// Default: 0.85
	Memory float64 `koanf:"memory" validate:"gt=0,lte=1"`

	// CPU is the host CPU utilisation fraction.
	// Default: 0.80
	CPU float64 `koanf:"cpu" validate:"gt=0,lte=1"`

	// Disk is the used fraction of DiskPath.
	// Default: 0.85
	Disk float64 `koanf:"disk" validate:"gt=0,lte=1"`
}

// CPU recovery policies.
const (
	// CPUPolicyEscalate flushes caches first and restarts on the next failing cycle.
	CPUPolicyEscalate = "escalate"
	// CPUPolicyRestart restarts the owning service immediately.
	CPUPolicyRestart = "restart"
)

// RecoveryConfig configures the recovery action engine.
type RecoveryConfig struct {
	// MaxRestartAttempts is the per-service restart budget per reset window.
	// Default: 3
	MaxRestartAttempts int `koanf:"max_restart_attempts" validate:"min=1"`

	// MinRestartDelay is the minimum spacing between restarts of one service.
	// Default: 5s
	MinRestartDelay time.Duration `koanf:"min_restart_delay" validate:"gte=0"`

	// ActionTimeout bounds a single recovery action. Must be below Health.Interval.
	// Default: 20s
	ActionTimeout time.Duration `koanf:"action_timeout" validate:"gt=0"`

	// CPUPolicy selects escalate or restart for attributable CPU failures.
	// Default: escalate
	CPUPolicy string `koanf:"cpu_policy" validate:"oneof=escalate restart"`

	// MemoryOwner is the service restarted when memory stays high after a GC.
	MemoryOwner string `koanf:"memory_owner"`

	// CPUOwner makes CPU failures attributable to a service.
	CPUOwner string `koanf:"cpu_owner"`

	// DiskOwner is the service restarted when disk stays full after cleanup.
	DiskOwner string `koanf:"disk_owner"`

	// DatabaseOwner is the service restarted when the database probe fails.
	DatabaseOwner string `koanf:"database_owner"`

	// Controller selects the service control adapter: pm2, systemd or noop.
	// Default: pm2
	Controller string `koanf:"controller" validate:"oneof=pm2 systemd noop"`

	// ControllerBinary overrides the controller executable path.
	ControllerBinary string `koanf:"controller_binary"`
}

// CircuitConfig configures the per-service circuit breakers.
type CircuitConfig struct {
	// FailureThreshold is the consecutive failures that open a circuit.
	// Default: 3
	FailureThreshold uint32 `koanf:"failure_threshold" validate:"min=1"`

	// SuccessThreshold is the consecutive half-open successes that close it.
	// Default: 1
	SuccessThreshold uint32 `koanf:"success_threshold" validate:"min=1"`

	// CoolDown is the time a circuit stays open before probing half-open.
	// Default: 60s
	CoolDown time.Duration `koanf:"cool_down" validate:"gt=0"`
}

// State backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// StateConfig configures supervisor state persistence.
type StateConfig struct {
	// Backend is file or badger.
	// Default: file
	Backend string `koanf:"backend" validate:"oneof=file badger"`

	// Path is the primary state file.
	// Default: data/recoveryd-state.json
	Path string `koanf:"path"`

	// BackupPath is the backup state file.
	// Default: data/recoveryd-state.backup.json
	BackupPath string `koanf:"backup_path"`

	// BadgerDir is the badger data directory.
	// Default: data/state
	BadgerDir string `koanf:"badger_dir"`

	// RetryInterval is how often a failed save is retried when nothing else
	// changes.
	// Default: 60s
	RetryInterval time.Duration `koanf:"retry_interval" validate:"gt=0"`

	// MaxErrors caps the recent error ring.
	// Default: 100
	MaxErrors int `koanf:"max_errors" validate:"min=1"`

	// MaxActions caps the recent action ring.
	// Default: 1000
	MaxActions int `koanf:"max_actions" validate:"min=1"`
}

// EndpointConfig is one HTTP liveness target.
type EndpointConfig struct {
	Service string `koanf:"service" validate:"required"`
	URL     string `koanf:"url" validate:"required,url"`
}

// DatabaseConfig configures the optional PostgreSQL liveness probe.
type DatabaseConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"min=0,max=65535"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"ssl_mode"`
}

// HousekeepingConfig configures disk cleanup.
type HousekeepingConfig struct {
	// Dirs are pruned of files matching Patterns older than MaxAge.
	Dirs []string `koanf:"dirs"`

	// Patterns are filepath.Match globs.
	// Default: *.log, *.log.*, *.gz
	Patterns []string `koanf:"patterns"`

	// MaxAge is the minimum age of a file before it is removed.
	// Default: 72h
	MaxAge time.Duration `koanf:"max_age" validate:"gte=0"`

	// Commands are extra cleanup commands, e.g. "pm2 flush".
	Commands []string `koanf:"commands"`
}

// ControlConfig guards the control operations of the status surface.
type ControlConfig struct {
	// TokenSecret enables HS256 bearer tokens on reset when non-empty.
	TokenSecret string `koanf:"token_secret"`

	// ResetRateLimit is the allowed reset requests per ResetRateWindow per IP.
	// Default: 5
	ResetRateLimit int `koanf:"reset_rate_limit" validate:"min=1"`

	// ResetRateWindow is the rate limit window.
	// Default: 1m
	ResetRateWindow time.Duration `koanf:"reset_rate_window" validate:"gt=0"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// TelemetryConfig configures OpenTelemetry and Prometheus exposition.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Environment  string `koanf:"environment"`
	Prometheus   bool   `koanf:"prometheus"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ApplyDerived fills values computed from other settings.
func (c *Config) ApplyDerived() {
	if c.Health.MetricsInterval == 0 {
		c.Health.MetricsInterval = c.Health.Interval / 2
	}
	if len(c.Endpoints) == 0 && len(c.Services) > 0 {
		c.Endpoints = []EndpointConfig{{
			Service: c.Services[0],
			URL:     fmt.Sprintf("http://127.0.0.1:%d%s", c.App.Port, c.App.HealthPath),
		}}
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, formatValidationErrors(err))
	}

	var problems []string
	if c.Recovery.ActionTimeout >= c.Health.Interval {
		problems = append(problems, "recovery.action_timeout must be shorter than health.interval")
	}
	if c.Health.MetricsInterval > c.Health.Interval {
		problems = append(problems, "health.metrics_interval must not exceed health.interval")
	}

	known := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if known[s] {
			problems = append(problems, fmt.Sprintf("service %q listed twice", s))
		}
		known[s] = true
	}
	owners := map[string]string{
		"recovery.memory_owner":   c.Recovery.MemoryOwner,
		"recovery.cpu_owner":      c.Recovery.CPUOwner,
		"recovery.disk_owner":     c.Recovery.DiskOwner,
		"recovery.database_owner": c.Recovery.DatabaseOwner,
	}
	for field, owner := range owners {
		if owner != "" && !known[owner] {
			problems = append(problems, fmt.Sprintf("%s %q is not a configured service", field, owner))
		}
	}
	for i, ep := range c.Endpoints {
		if !known[ep.Service] {
			problems = append(problems, fmt.Sprintf("endpoints[%d].service %q is not a configured service", i, ep.Service))
		}
	}

	switch c.State.Backend {
	case BackendFile:
		if c.State.Path == "" || c.State.BackupPath == "" {
			problems = append(problems, "state.path and state.backup_path are required for the file backend")
		}
		if c.State.Path == c.State.BackupPath {
			problems = append(problems, "state.path and state.backup_path must differ")
		}
	case BackendBadger:
		if c.State.BadgerDir == "" {
			problems = append(problems, "state.badger_dir is required for the badger backend")
		}
	}

	if c.Database.Enabled && c.Database.Host == "" {
		problems = append(problems, "database.host is required when the database probe is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		problems = append(problems, "telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
