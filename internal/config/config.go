// Package config loads and defaults the worker's configuration tree.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// OsmdbtConfig holds paths and budgets passed through to the osmdbt CLI tools.
type OsmdbtConfig struct {
	ConfigPath       string `yaml:"configPath"`
	ChangesDir       string `yaml:"changesDir"`
	RunDir           string `yaml:"runDir"`
	LogDir           string `yaml:"logDir"`
	GetLogMaxChanges int    `yaml:"getLogMaxChanges"`
	Verbose          bool   `yaml:"verbose"`
}

// OsmiumConfig holds flags passed to the osmium fileinfo inspector.
type OsmiumConfig struct {
	Verbose  bool `yaml:"verbose"`
	Progress bool `yaml:"progress"`
}

// CronConfig controls the scheduler's run mode.
type CronConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Expression            string `yaml:"expression"`
	FailurePenaltySeconds int    `yaml:"failurePenaltySeconds"`
}

// AppConfig holds job-level switches that aren't specific to one external tool.
type AppConfig struct {
	ShouldCollectInfo bool       `yaml:"shouldCollectInfo"`
	Cron              CronConfig `yaml:"cron"`
}

// CredentialsConfig holds static object-store credentials.
type CredentialsConfig struct {
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

// ObjectStorageConfig describes the S3-compatible bucket the worker publishes to.
type ObjectStorageConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	BucketName  string            `yaml:"bucketName"`
	ACL         string            `yaml:"acl"`
	Region      string            `yaml:"region"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// MediatorConfig holds the HTTP client options for talking to the mediator.
type MediatorConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Timeout string `yaml:"timeout"`
	Retries int    `yaml:"retries"`
}

// ArstotzkaConfig describes whether and how this worker registers with the
// cross-service lock/catalogue coordinator.
type ArstotzkaConfig struct {
	Enabled   bool           `yaml:"enabled"`
	ServiceID string         `yaml:"serviceId"`
	Mediator  MediatorConfig `yaml:"mediator"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled bool    `yaml:"enabled"`
	URL     string  `yaml:"url"`
	Ratio   float64 `yaml:"ratio"`
}

// BucketsConfig holds the Prometheus histogram buckets, in seconds, for the
// two duration metrics this service exposes.
type BucketsConfig struct {
	OsmdbtJobDurationSeconds     []float64 `yaml:"osmdbtJobDurationSeconds"`
	OsmdbtCommandDurationSeconds []float64 `yaml:"osmdbtCommandDurationSeconds"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Buckets BucketsConfig `yaml:"buckets"`
}

// TelemetryConfig groups logging, tracing and metrics settings.
type TelemetryConfig struct {
	Logger  string        `yaml:"logger"` // text, json
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Config is the root configuration tree, decoded directly from YAML.
type Config struct {
	Osmdbt        OsmdbtConfig        `yaml:"osmdbt"`
	Osmium        OsmiumConfig        `yaml:"osmium"`
	App           AppConfig           `yaml:"app"`
	ObjectStorage ObjectStorageConfig `yaml:"objectStorage"`
	Arstotzka     ArstotzkaConfig     `yaml:"arstotzka"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// DefaultConfig returns a Config with sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Osmdbt: OsmdbtConfig{
			ConfigPath:       "/etc/osmdbt/config.yaml",
			ChangesDir:       "/var/lib/osmdbt/changes",
			RunDir:           "/var/lib/osmdbt/run",
			LogDir:           "/var/log/osmdbt",
			GetLogMaxChanges: 5,
			Verbose:          false,
		},
		Osmium: OsmiumConfig{
			Verbose:  false,
			Progress: false,
		},
		App: AppConfig{
			ShouldCollectInfo: true,
			Cron: CronConfig{
				Enabled:               false,
				Expression:            "*/5 * * * *",
				FailurePenaltySeconds: 60,
			},
		},
		ObjectStorage: ObjectStorageConfig{
			Endpoint:   "",
			BucketName: "",
			ACL:        "public-read",
			Region:     "us-east-1",
		},
		Arstotzka: ArstotzkaConfig{
			Enabled:   false,
			ServiceID: "osmdbt-worker",
			Mediator: MediatorConfig{
				BaseURL: "http://localhost:8090",
				Timeout: "5s",
				Retries: 3,
			},
		},
		Telemetry: TelemetryConfig{
			Logger: "text",
			Tracing: TracingConfig{
				Enabled: false,
				URL:     "localhost:4318",
				Ratio:   1.0,
			},
			Metrics: MetricsConfig{
				Buckets: BucketsConfig{
					OsmdbtJobDurationSeconds:     []float64{1, 5, 15, 30, 60, 120, 300, 600},
					OsmdbtCommandDurationSeconds: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, layered over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("OSMDBT_CONFIG_PATH"); v != "" {
		cfg.Osmdbt.ConfigPath = v
	}
	if v := os.Getenv("OSMDBT_CHANGES_DIR"); v != "" {
		cfg.Osmdbt.ChangesDir = v
	}
	if v := os.Getenv("OSMDBT_RUN_DIR"); v != "" {
		cfg.Osmdbt.RunDir = v
	}
	if v := os.Getenv("OSMDBT_LOG_DIR"); v != "" {
		cfg.Osmdbt.LogDir = v
	}
	if v := os.Getenv("OSMDBT_GET_LOG_MAX_CHANGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Osmdbt.GetLogMaxChanges = n
		}
	}
	if v := os.Getenv("OSMDBT_VERBOSE"); v != "" {
		cfg.Osmdbt.Verbose = parseBool(v)
	}

	if v := os.Getenv("OSMIUM_VERBOSE"); v != "" {
		cfg.Osmium.Verbose = parseBool(v)
	}
	if v := os.Getenv("OSMIUM_PROGRESS"); v != "" {
		cfg.Osmium.Progress = parseBool(v)
	}

	if v := os.Getenv("APP_SHOULD_COLLECT_INFO"); v != "" {
		cfg.App.ShouldCollectInfo = parseBool(v)
	}
	if v := os.Getenv("APP_CRON_ENABLED"); v != "" {
		cfg.App.Cron.Enabled = parseBool(v)
	}
	if v := os.Getenv("APP_CRON_EXPRESSION"); v != "" {
		cfg.App.Cron.Expression = v
	}
	if v := os.Getenv("APP_CRON_FAILURE_PENALTY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.App.Cron.FailurePenaltySeconds = n
		}
	}

	if v := os.Getenv("OBJECT_STORAGE_ENDPOINT"); v != "" {
		cfg.ObjectStorage.Endpoint = v
	}
	if v := os.Getenv("OBJECT_STORAGE_BUCKET"); v != "" {
		cfg.ObjectStorage.BucketName = v
	}
	if v := os.Getenv("OBJECT_STORAGE_ACL"); v != "" {
		cfg.ObjectStorage.ACL = v
	}
	if v := os.Getenv("OBJECT_STORAGE_REGION"); v != "" {
		cfg.ObjectStorage.Region = v
	}
	if v := os.Getenv("OBJECT_STORAGE_ACCESS_KEY"); v != "" {
		cfg.ObjectStorage.Credentials.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORAGE_SECRET_KEY"); v != "" {
		cfg.ObjectStorage.Credentials.SecretKey = v
	}

	if v := os.Getenv("ARSTOTZKA_ENABLED"); v != "" {
		cfg.Arstotzka.Enabled = parseBool(v)
	}
	if v := os.Getenv("ARSTOTZKA_SERVICE_ID"); v != "" {
		cfg.Arstotzka.ServiceID = v
	}
	if v := os.Getenv("ARSTOTZKA_MEDIATOR_BASE_URL"); v != "" {
		cfg.Arstotzka.Mediator.BaseURL = v
	}
	if v := os.Getenv("ARSTOTZKA_MEDIATOR_TIMEOUT"); v != "" {
		cfg.Arstotzka.Mediator.Timeout = v
	}
	if v := os.Getenv("ARSTOTZKA_MEDIATOR_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Arstotzka.Mediator.Retries = n
		}
	}

	if v := os.Getenv("TELEMETRY_LOGGER"); v != "" {
		cfg.Telemetry.Logger = v
	}
	if v := os.Getenv("TELEMETRY_TRACING_ENABLED"); v != "" {
		cfg.Telemetry.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TELEMETRY_TRACING_URL"); v != "" {
		cfg.Telemetry.Tracing.URL = v
	}
	if v := os.Getenv("TELEMETRY_TRACING_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Telemetry.Tracing.Ratio = f
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
