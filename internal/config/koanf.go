package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"recoveryd.yaml",
	"recoveryd.yml",
	"/etc/recoveryd/config.yaml",
	"/etc/recoveryd/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "RECOVERYD_CONFIG"

// EnvPrefix is the prefix of structured environment overrides. A double
// underscore separates sections: RECOVERYD_RECOVERY__MAX_RESTART_ATTEMPTS.
const EnvPrefix = "RECOVERYD_"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3002,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		App: AppConfig{
			Port:       3000,
			HealthPath: "/health",
		},
		Health: HealthConfig{
			Interval:            30 * time.Second,
			BudgetResetInterval: time.Hour,
			ProbeTimeout:        5 * time.Second,
			CPUSampleWindow:     time.Second,
			DiskPath:            "/",
			HistorySize:         120,
		},
		Thresholds: ThresholdConfig{
			Memory: 0.85,
			CPU:    0.80,
			Disk:   0.85,
		},
		Recovery: RecoveryConfig{
			MaxRestartAttempts: 3,
			MinRestartDelay:    5 * time.Second,
			ActionTimeout:      20 * time.Second,
			CPUPolicy:          CPUPolicyEscalate,
			Controller:         "pm2",
		},
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			CoolDown:         60 * time.Second,
		},
		State: StateConfig{
			Backend:       BackendFile,
			Path:          "data/recoveryd-state.json",
			BackupPath:    "data/recoveryd-state.backup.json",
			BadgerDir:     "data/state",
			RetryInterval: 60 * time.Second,
			MaxErrors:     100,
			MaxActions:    1000,
		},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		Housekeeping: HousekeepingConfig{
			Patterns: []string{"*.log", "*.log.*", "*.gz"},
			MaxAge:   72 * time.Hour,
		},
		Control: ControlConfig{
			ResetRateLimit:  5,
			ResetRateWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
			Prometheus:   true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence. An empty path searches
// ConfigPathEnvVar and DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	cfg.ApplyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// legacyEnv maps the environment variables of earlier deployments.
var legacyEnv = map[string]string{
	"HEALTH_PORT":                 "server.port",
	"APP_PORT":                    "app.port",
	"LOG_LEVEL":                   "logging.level",
	"LOG_FORMAT":                  "logging.format",
	"OTEL_ENABLED":                "telemetry.enabled",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "telemetry.otlp_endpoint",
	"APP_ENV":                     "telemetry.environment",
	"DB_HOST":                     "database.host",
	"DB_PORT":                     "database.port",
	"DB_USER":                     "database.user",
	"DB_PASSWORD":                 "database.password",
	"DB_NAME":                     "database.name",
	"DB_SSL_MODE":                 "database.ssl_mode",
}

// envTransformFunc maps an environment variable to a koanf path. Unknown
// variables map to the empty string, which koanf ignores.
func envTransformFunc(key string) string {
	if path, ok := legacyEnv[key]; ok {
		return path
	}
	if !strings.HasPrefix(key, EnvPrefix) || key == ConfigPathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

var sliceConfigPaths = []string{
	"services",
	"housekeeping.dirs",
	"housekeeping.patterns",
	"housekeeping.commands",
}

// processSliceFields splits comma-separated environment values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
