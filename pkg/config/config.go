// Package config provides configuration handling for the middlebox.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/tcpmbox/pkg/logging"
	"github.com/irctrakz/tcpmbox/pkg/reorder"
)

// Config represents the complete middlebox configuration.
type Config struct {
	// Engine configures the flow engine.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Pipeline configures dispatch and workers.
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Rewrite lists the payload rewrite rules.
	Rewrite RewriteConfig `json:"rewrite" yaml:"rewrite"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EngineConfig contains the flow engine knobs.
type EngineConfig struct {
	// ReorderPolicy is "direct" or "merge" (see reorder.Policy).
	ReorderPolicy string `json:"reorderPolicy" yaml:"reorderPolicy"`

	// ReorderPoolSize is the per-context reorder node pool capacity.
	ReorderPoolSize int `json:"reorderPoolSize" yaml:"reorderPoolSize"`

	// ModPoolSize is the per-context modification node pool capacity.
	ModPoolSize int `json:"modPoolSize" yaml:"modPoolSize"`

	// IdleTimeoutSec evicts flows idle for this many seconds; zero
	// disables eviction.
	IdleTimeoutSec int `json:"idleTimeoutSec" yaml:"idleTimeoutSec"`
}

// PipelineConfig contains worker pool sizing.
type PipelineConfig struct {
	// Contexts is the number of processing contexts.
	Contexts int `json:"contexts" yaml:"contexts"`

	// QueueCapacity bounds each context's ingest queue.
	QueueCapacity int `json:"queueCapacity" yaml:"queueCapacity"`
}

// RewriteConfig lists payload rewrite rules applied in order.
type RewriteConfig struct {
	Rules []ReplaceRule `json:"rules" yaml:"rules"`
}

// ReplaceRule replaces a literal match in stream payloads.
type ReplaceRule struct {
	Match   string `json:"match" yaml:"match"`
	Replace string `json:"replace" yaml:"replace"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			ReorderPolicy:   "merge",
			ReorderPoolSize: 1024,
			ModPoolSize:     256,
			IdleTimeoutSec:  300,
		},
		Pipeline: PipelineConfig{
			Contexts:      4,
			QueueCapacity: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("TCPMBOX_REORDER_POLICY"); val != "" {
		config.Engine.ReorderPolicy = val
	}
	if val := os.Getenv("TCPMBOX_REORDER_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Engine.ReorderPoolSize = n
		}
	}
	if val := os.Getenv("TCPMBOX_MOD_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Engine.ModPoolSize = n
		}
	}
	if val := os.Getenv("TCPMBOX_IDLE_TIMEOUT_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Engine.IdleTimeoutSec = n
		}
	}
	if val := os.Getenv("TCPMBOX_CONTEXTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pipeline.Contexts = n
		}
	}
	if val := os.Getenv("TCPMBOX_QUEUE_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pipeline.QueueCapacity = n
		}
	}
	if val := os.Getenv("TCPMBOX_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("TCPMBOX_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := reorder.ParsePolicy(c.Engine.ReorderPolicy); err != nil {
		return err
	}
	if c.Engine.ReorderPoolSize <= 0 {
		return fmt.Errorf("invalid reorder pool size: %d", c.Engine.ReorderPoolSize)
	}
	if c.Engine.ModPoolSize <= 0 {
		return fmt.Errorf("invalid modification pool size: %d", c.Engine.ModPoolSize)
	}
	if c.Engine.IdleTimeoutSec < 0 {
		return fmt.Errorf("invalid idle timeout: %d", c.Engine.IdleTimeoutSec)
	}
	if c.Pipeline.Contexts <= 0 {
		return fmt.Errorf("invalid context count: %d", c.Pipeline.Contexts)
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("invalid queue capacity: %d", c.Pipeline.QueueCapacity)
	}
	for i, r := range c.Rewrite.Rules {
		if r.Match == "" {
			return fmt.Errorf("rewrite rule %d: match must not be empty", i)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(dir, filename, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}
