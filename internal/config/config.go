// Package config loads the GradeRun server configuration from a YAML file
// with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	DB         DBConfig         `yaml:"db"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Lock       LockConfig       `yaml:"lock"`
	GradeFiles GradeFilesConfig `yaml:"grade_files"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"` // Listen address (default ":8080")
	// CallbackToken authenticates the external executor's callback requests.
	// Overridden by GRADERUN_CALLBACK_TOKEN.
	CallbackToken string `yaml:"callback_token"`
	// StaffToken authenticates administrative requests.
	// Overridden by GRADERUN_STAFF_TOKEN.
	StaffToken string `yaml:"staff_token"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DBConfig configures the SQLite store.
type DBConfig struct {
	Path string `yaml:"path"` // ":memory:" for testing
}

// ExecutorConfig configures the external CI executor client.
type ExecutorConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the bearer token for executor requests.
	// Overridden by GRADERUN_EXECUTOR_TOKEN.
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// SchedulerConfig configures the job scheduler loop.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Lookahead    time.Duration `yaml:"lookahead"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// ReconcilerConfig configures the reconciliation loop.
type ReconcilerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// LockConfig configures the distributed mutation lock.
type LockConfig struct {
	// Backend is "nats" or "memory". Memory locks only coordinate within one
	// process.
	Backend string        `yaml:"backend"`
	NATSURL string        `yaml:"nats_url"`
	Bucket  string        `yaml:"bucket"`
	TTL     time.Duration `yaml:"ttl"`
}

// GradeFilesConfig configures the external grade/roster file store.
type GradeFilesConfig struct {
	// Backend is "s3" or "local".
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`      // local backend
	Bucket   string `yaml:"bucket"`   // s3 backend
	Region   string `yaml:"region"`   // s3 backend
	Endpoint string `yaml:"endpoint"` // s3 backend, empty for AWS
}

// Default returns sensible defaults for a development deployment.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
		DB:     DBConfig{Path: "graderun.db"},
		Executor: ExecutorConfig{
			Timeout:    15 * time.Second,
			MaxRetries: 3,
			RetryDelay: 500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
			Lookahead:    5 * time.Minute,
			GracePeriod:  2 * time.Minute,
		},
		Reconciler: ReconcilerConfig{
			PollInterval:  20 * time.Second,
			MaxConcurrent: 8,
		},
		Lock: LockConfig{
			Backend: "memory",
			Bucket:  "graderun-locks",
			TTL:     30 * time.Second,
		},
		GradeFiles: GradeFilesConfig{
			Backend: "local",
			Dir:     "gradefiles",
		},
	}
}

// Load reads the config file at path over the defaults, then applies
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("GRADERUN_CALLBACK_TOKEN"); v != "" {
		cfg.Server.CallbackToken = v
	}
	if v := os.Getenv("GRADERUN_STAFF_TOKEN"); v != "" {
		cfg.Server.StaffToken = v
	}
	if v := os.Getenv("GRADERUN_EXECUTOR_TOKEN"); v != "" {
		cfg.Executor.Token = v
	}

	return cfg, nil
}
