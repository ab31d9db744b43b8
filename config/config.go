/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tenwall/Conduit/global"
)

// Config provides access to application configuration
type Config struct {
	configPath string      // resolved path to config file
	data       *configData // parsed configuration
	firstRun   bool        // true if config was just created
}

// configData holds the parsed configuration (internal)
type configData struct {
	Version        int       `json:"version"`
	BaseDir        string    `json:"base_dir,omitempty"`
	Gemini         Gemini    `json:"gemini"`
	RateLimit      RateLimit `json:"rate_limit,omitempty"`
	QuotaStateFile string    `json:"quota_state_file,omitempty"`
	Logging        Logging   `json:"logging"`
}

// Gemini configures the supervised CLI and its models.
type Gemini struct {
	Command           string `json:"command,omitempty"`
	PrimaryModel      string `json:"primary_model,omitempty"`
	FallbackModel     string `json:"fallback_model,omitempty"`
	RollingTimeoutMs  int    `json:"rolling_timeout_ms,omitempty"`
	AbsoluteTimeoutMs int    `json:"absolute_timeout_ms,omitempty"`
	ArgLengthCeiling  int    `json:"arg_length_ceiling,omitempty"`
	Sandbox           bool   `json:"sandbox,omitempty"`
}

// RateLimit represents rate limiting configuration
type RateLimit struct {
	MaxRequests   int `json:"max_requests,omitempty"`
	PeriodSeconds int `json:"period_seconds,omitempty"`
}

// Logging represents logging configuration
type Logging struct {
	File  string `json:"file"`
	Level string `json:"level"`
}

// Option is a functional option for configuring Config
type Option func(*Config)

// New creates a new Config instance with optional configuration
func New(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithConfigPath sets an explicit config file path
func WithConfigPath(path string) Option {
	return func(c *Config) {
		c.configPath = path
	}
}

// Load loads and validates configuration from file. When the base
// directory or config file does not exist yet, defaults are written first.
func (c *Config) Load() error {
	configPath, err := c.resolveConfigPath()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	c.configPath = configPath

	if !fileExists(configPath) {
		c.firstRun = true
		baseDir := global.ExpandHomePath(global.DefaultBaseDir)
		if !dirExists(baseDir) {
			if err := os.MkdirAll(baseDir, 0755); err != nil {
				return fmt.Errorf("failed to create base directory %s: %w", baseDir, err)
			}
		}
		if err := writeDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default config at %s: %w", configPath, err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Structural validation before decoding, for readable error messages.
	if err := validateSchema(data); err != nil {
		return fmt.Errorf("config file %s: %w", configPath, err)
	}

	// Strict parse first so typos in field names get surfaced, then a
	// lenient re-parse so an unknown field alone does not stop startup.
	var cfg configData
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			_, _ = fmt.Fprintf(os.Stderr, "Warning: config file %s: %v\n", configPath, err)
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		} else {
			return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	c.data = &cfg
	c.applyDefaults()

	if err := c.resolveBaseDir(); err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) resolveConfigPath() (string, error) {
	if c.configPath != "" {
		return resolveToAbsolute(c.configPath)
	}
	if envPath := os.Getenv(global.ConfigEnvVar); envPath != "" {
		return resolveToAbsolute(envPath)
	}
	baseDir := global.ExpandHomePath(global.DefaultBaseDir)
	return filepath.Join(baseDir, global.DefaultConfigFileName), nil
}

func (c *Config) applyDefaults() {
	d := c.data
	if d.Gemini.Command == "" {
		d.Gemini.Command = "gemini"
	}
	if d.Gemini.PrimaryModel == "" {
		d.Gemini.PrimaryModel = global.DefaultPrimaryModel
	}
	if d.Gemini.RollingTimeoutMs == 0 {
		d.Gemini.RollingTimeoutMs = global.DefaultRollingTimeoutMs
	}
	if d.Gemini.AbsoluteTimeoutMs == 0 {
		d.Gemini.AbsoluteTimeoutMs = global.DefaultAbsoluteTimeoutMs
	}
	if d.Gemini.ArgLengthCeiling == 0 {
		d.Gemini.ArgLengthCeiling = global.DefaultArgLengthCeiling
	}
	if d.RateLimit.MaxRequests == 0 {
		d.RateLimit.MaxRequests = global.DefaultRateLimitRequests
	}
	if d.RateLimit.PeriodSeconds == 0 {
		d.RateLimit.PeriodSeconds = global.DefaultRateLimitPeriod
	}
	if d.QuotaStateFile == "" {
		d.QuotaStateFile = global.DefaultQuotaStateFile
	}
	if d.Logging.File == "" {
		d.Logging.File = global.DefaultLogFileName
	}
	if d.Logging.Level == "" {
		d.Logging.Level = global.LogLevelInfo
	}
}

func (c *Config) resolveBaseDir() error {
	if c.data.BaseDir == "" {
		c.data.BaseDir = global.ExpandHomePath(global.DefaultBaseDir)
		return nil
	}
	resolved := global.ExpandHomePath(c.data.BaseDir)
	if !filepath.IsAbs(resolved) {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: base_dir '%s' is not absolute, using default '%s'\n",
			c.data.BaseDir, global.DefaultBaseDir)
		resolved = global.ExpandHomePath(global.DefaultBaseDir)
	}
	c.data.BaseDir = resolved
	return nil
}

func (c *Config) validate() error {
	d := c.data
	if d.Version != 1 {
		return fmt.Errorf("unsupported config version %d (expected 1)", d.Version)
	}
	if filepath.Base(d.Gemini.Command) != d.Gemini.Command {
		return fmt.Errorf("gemini.command must be a bare binary name, got %q", d.Gemini.Command)
	}
	if d.Gemini.RollingTimeoutMs < global.MinRollingTimeoutMs ||
		d.Gemini.RollingTimeoutMs > global.MaxRollingTimeoutMs {
		return fmt.Errorf("gemini.rolling_timeout_ms %d out of range [%d, %d]",
			d.Gemini.RollingTimeoutMs, global.MinRollingTimeoutMs, global.MaxRollingTimeoutMs)
	}
	if d.Gemini.AbsoluteTimeoutMs < global.MinAbsoluteTimeoutMs ||
		d.Gemini.AbsoluteTimeoutMs > global.MaxAbsoluteTimeoutMs {
		return fmt.Errorf("gemini.absolute_timeout_ms %d out of range [%d, %d]",
			d.Gemini.AbsoluteTimeoutMs, global.MinAbsoluteTimeoutMs, global.MaxAbsoluteTimeoutMs)
	}
	if d.Gemini.AbsoluteTimeoutMs <= d.Gemini.RollingTimeoutMs {
		return fmt.Errorf("gemini.absolute_timeout_ms must be greater than rolling_timeout_ms")
	}
	if d.Gemini.ArgLengthCeiling < 256 {
		return fmt.Errorf("gemini.arg_length_ceiling %d is too small", d.Gemini.ArgLengthCeiling)
	}
	if d.RateLimit.MaxRequests < 1 || d.RateLimit.PeriodSeconds < 1 {
		return fmt.Errorf("rate_limit requires max_requests and period_seconds of at least 1")
	}
	return nil
}

// resolvePath resolves a path relative to base_dir. Absolute paths and
// ~/ paths pass through.
func (c *Config) resolvePath(path string) string {
	if path == "" {
		return ""
	}
	expanded := global.ExpandHomePath(path)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(c.data.BaseDir, expanded)
}

func resolveToAbsolute(path string) (string, error) {
	expanded := global.ExpandHomePath(path)
	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	return filepath.Abs(expanded)
}

// Getters

func (c *Config) Version() int            { return c.data.Version }
func (c *Config) BaseDir() string         { return c.data.BaseDir }
func (c *Config) ConfigPath() string      { return c.configPath }
func (c *Config) IsFirstRun() bool        { return c.firstRun }
func (c *Config) Command() string         { return c.data.Gemini.Command }
func (c *Config) PrimaryModel() string    { return c.data.Gemini.PrimaryModel }
func (c *Config) FallbackModel() string   { return c.data.Gemini.FallbackModel }
func (c *Config) RollingTimeoutMs() int   { return c.data.Gemini.RollingTimeoutMs }
func (c *Config) AbsoluteTimeoutMs() int  { return c.data.Gemini.AbsoluteTimeoutMs }
func (c *Config) ArgLengthCeiling() int   { return c.data.Gemini.ArgLengthCeiling }
func (c *Config) Sandbox() bool           { return c.data.Gemini.Sandbox }
func (c *Config) RateLimitRequests() int  { return c.data.RateLimit.MaxRequests }
func (c *Config) RateLimitPeriod() int    { return c.data.RateLimit.PeriodSeconds }
func (c *Config) LogLevel() string        { return c.data.Logging.Level }

// QuotaStateFile returns the resolved path of the quota ledger state file.
func (c *Config) QuotaStateFile() string {
	return c.resolvePath(c.data.QuotaStateFile)
}

// LogFile returns the resolved path of the log file.
func (c *Config) LogFile() string {
	return c.resolvePath(c.data.Logging.File)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
