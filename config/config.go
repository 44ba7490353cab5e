// Package config loads the engine configuration.
//
// Precedence: defaults, then the YAML file, then environment variables
// with the CONVOFLOW prefix. Nested keys join with underscores, so
// context.keep_recent_messages becomes CONVOFLOW_CONTEXT_KEEP_RECENT.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete engine configuration.
type Config struct {
	// Workspace is the directory holding persona bootstrap files.
	Workspace string `yaml:"workspace" env:"WORKSPACE"`

	// Model selects the tokenizer. Unknown models fall back to the
	// character-ratio estimator.
	Model string `yaml:"model" env:"MODEL"`

	Context     ContextConfig     `yaml:"context" env:"CONTEXT"`
	Recall      RecallConfig      `yaml:"recall" env:"RECALL"`
	Compression CompressionConfig `yaml:"compression" env:"COMPRESSION"`
	Storage     StorageConfig     `yaml:"storage" env:"STORAGE"`
	Redis       RedisConfig       `yaml:"redis" env:"REDIS"`
	Database    DatabaseConfig    `yaml:"database" env:"DATABASE"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
}

// ContextConfig carries the per-layer assembly ceilings.
type ContextConfig struct {
	// MaxContextTokens is advisory only; exceeding it is logged.
	MaxContextTokens    int `yaml:"max_context_tokens" env:"MAX_TOKENS"`
	MaxSummaryTokens    int `yaml:"max_summary_tokens" env:"MAX_SUMMARY_TOKENS"`
	KeepRecentMessages  int `yaml:"keep_recent_messages" env:"KEEP_RECENT"`
	MaxToolOutputTokens int `yaml:"max_tool_output_tokens" env:"MAX_TOOL_OUTPUT_TOKENS"`
}

// RecallConfig configures recall queries.
type RecallConfig struct {
	MaxResults   int  `yaml:"max_results" env:"MAX_RESULTS"`
	MaxTokens    int  `yaml:"max_tokens" env:"MAX_TOKENS"`
	IncludeDaily bool `yaml:"include_daily" env:"INCLUDE_DAILY"`
}

// CompressionConfig configures the history compression cycle.
type CompressionConfig struct {
	SnippetTokens    int           `yaml:"snippet_tokens" env:"SNIPPET_TOKENS"`
	SummarizeTimeout time.Duration `yaml:"summarize_timeout" env:"SUMMARIZE_TIMEOUT"`
	MinInterval      time.Duration `yaml:"min_interval" env:"MIN_INTERVAL"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	// Backend is one of memory, redis, database, hybrid.
	Backend string `yaml:"backend" env:"BACKEND"`
	// SessionTTL bounds hot-store retention.
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
}

// RedisConfig configures the hot session store.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the durable cold store.
type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Model:     "gpt-4o-mini",
		Context: ContextConfig{
			MaxContextTokens:    8000,
			MaxSummaryTokens:    500,
			KeepRecentMessages:  10,
			MaxToolOutputTokens: 600,
		},
		Recall: RecallConfig{
			MaxResults:   5,
			MaxTokens:    500,
			IncludeDaily: false,
		},
		Compression: CompressionConfig{
			SnippetTokens:    200,
			SummarizeTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    "memory",
			SessionTTL: 24 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "convoflow.db",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "convoflow",
			SampleRate:   1.0,
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// behavior deep inside the engine.
func (c *Config) Validate() error {
	var errs []string

	if c.Context.KeepRecentMessages <= 0 {
		errs = append(errs, "context.keep_recent_messages must be positive")
	}
	if c.Context.MaxSummaryTokens <= 0 {
		errs = append(errs, "context.max_summary_tokens must be positive")
	}
	if c.Context.MaxToolOutputTokens <= 0 {
		errs = append(errs, "context.max_tool_output_tokens must be positive")
	}
	switch c.Storage.Backend {
	case "memory", "redis", "database", "hybrid":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		if c.Storage.Backend == "database" || c.Storage.Backend == "hybrid" {
			errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
