// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// TAIMS server.
//
// Configuration is read from a TOML file with environment variable
// overrides and validation. Locations (in order of precedence):
//   - path given on the command line
//   - ./taims.toml
//   - built-in defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete TAIMS server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Identity IdentityConfig `toml:"identity"`
	GenAI    GenAIConfig    `toml:"genai"`
	Storage  StorageConfig  `toml:"storage"`
	Export   ExportConfig   `toml:"export"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	// Port the API listens on.
	Port int `toml:"port"`
	// RateLimitPerSec caps requests per client IP (0 = unlimited).
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	// RateLimitBurst is the burst allowance for the rate limiter.
	RateLimitBurst int `toml:"rate_limit_burst"`
	// SessionTimeoutMins is the idle timeout for server-side sessions.
	SessionTimeoutMins int `toml:"session_timeout_mins"`
}

// IdentityConfig contains the identity provider REST settings.
type IdentityConfig struct {
	// Endpoint is the base URL of the identity REST API.
	Endpoint string `toml:"endpoint"`
	// WebAPIKey is the web API key passed on every identity call.
	WebAPIKey string `toml:"web_api_key"`
}

// GenAIConfig contains the text-generation provider settings.
type GenAIConfig struct {
	// Endpoint is the base URL of the generation REST API.
	Endpoint string `toml:"endpoint"`
	// APIKey authenticates generation calls. Required.
	APIKey string `toml:"api_key"`
	// Model forces a specific model instead of capability negotiation.
	Model string `toml:"model"`
	// MaxRetries is the attempt count for rate-limited generation calls.
	MaxRetries int `toml:"max_retries"`
	// RetryDelaySecs is the fixed backoff between those attempts.
	RetryDelaySecs int `toml:"retry_delay_secs"`
	// TimeoutSecs is the per-request timeout.
	TimeoutSecs int `toml:"timeout_secs"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is one of: "firestore", "sqlite", "memory".
	Backend string `toml:"backend"`
	// FirestoreProject is the document-store project ID (firestore backend).
	FirestoreProject string `toml:"firestore_project"`
	// FirestoreToken is the bearer token for document-store calls.
	// Either this or FirestoreCredentialsFile must be set for firestore.
	FirestoreToken string `toml:"firestore_token"`
	// FirestoreCredentialsFile points at a local credential JSON file.
	FirestoreCredentialsFile string `toml:"firestore_credentials_file"`
	// SQLitePath is the database file (sqlite backend).
	SQLitePath string `toml:"sqlite_path"`
}

// ExportConfig contains export post-processor settings.
type ExportConfig struct {
	// EventPrefixes is the string table used to decorate calendar event
	// titles. Cosmetic only; reloadable at runtime.
	EventPrefixes []string `toml:"event_prefixes"`
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `toml:"level"`
	// Pretty enables human-readable console output.
	Pretty bool `toml:"pretty"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultEventPrefixes is the built-in calendar title string table.
var DefaultEventPrefixes = []string{
	"🔥 DON'T SKIP:",
	"⏰ GO TIME:",
	"🎯 LOCKED IN:",
	"💪 NO EXCUSES:",
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8790,
			RateLimitPerSec:    10,
			RateLimitBurst:     20,
			SessionTimeoutMins: 30,
		},
		Identity: IdentityConfig{
			Endpoint: "https://identitytoolkit.googleapis.com/v1",
		},
		GenAI: GenAIConfig{
			Endpoint:       "https://generativelanguage.googleapis.com/v1beta",
			MaxRetries:     3,
			RetryDelaySecs: 2,
			TimeoutSecs:    60,
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "taims.db",
		},
		Export: ExportConfig{
			EventPrefixes: append([]string(nil), DefaultEventPrefixes...),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// DefaultPath is the config file looked for when none is given.
const DefaultPath = "taims.toml"

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path (or DefaultPath when empty), applies
// environment overrides and validates the result. A missing file is not an
// error; defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	_, err := toml.DecodeFile(path, cfg)
	return err
}

// fillDefaults replaces zero values with their defaults.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.SessionTimeoutMins == 0 {
		c.Server.SessionTimeoutMins = def.Server.SessionTimeoutMins
	}
	if c.Identity.Endpoint == "" {
		c.Identity.Endpoint = def.Identity.Endpoint
	}
	if c.GenAI.Endpoint == "" {
		c.GenAI.Endpoint = def.GenAI.Endpoint
	}
	if c.GenAI.MaxRetries == 0 {
		c.GenAI.MaxRetries = def.GenAI.MaxRetries
	}
	if c.GenAI.RetryDelaySecs == 0 {
		c.GenAI.RetryDelaySecs = def.GenAI.RetryDelaySecs
	}
	if c.GenAI.TimeoutSecs == 0 {
		c.GenAI.TimeoutSecs = def.GenAI.TimeoutSecs
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = def.Storage.SQLitePath
	}
	if len(c.Export.EventPrefixes) == 0 {
		c.Export.EventPrefixes = append([]string(nil), DefaultEventPrefixes...)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// ApplyEnvOverrides applies environment variables over file values.
func (c *Config) ApplyEnvOverrides() {
	// TAIMS_GENAI_API_KEY / GEMINI_API_KEY (legacy name kept)
	if key := os.Getenv("TAIMS_GENAI_API_KEY"); key != "" {
		c.GenAI.APIKey = key
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.GenAI.APIKey = key
	}

	// TAIMS_IDENTITY_API_KEY
	if key := os.Getenv("TAIMS_IDENTITY_API_KEY"); key != "" {
		c.Identity.WebAPIKey = key
	}

	// TAIMS_PORT
	if port := os.Getenv("TAIMS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// TAIMS_STORAGE_BACKEND
	if backend := os.Getenv("TAIMS_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}

	// TAIMS_FIRESTORE_PROJECT
	if project := os.Getenv("TAIMS_FIRESTORE_PROJECT"); project != "" {
		c.Storage.FirestoreProject = project
	}

	// TAIMS_FIRESTORE_TOKEN
	if token := os.Getenv("TAIMS_FIRESTORE_TOKEN"); token != "" {
		c.Storage.FirestoreToken = token
	}

	// TAIMS_MODEL
	if model := os.Getenv("TAIMS_MODEL"); model != "" {
		c.GenAI.Model = model
	}

	// TAIMS_LOG_LEVEL
	if level := os.Getenv("TAIMS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ErrMissingAPIKey is returned when no generation API key is configured.
// This is fatal at startup; the application cannot serve without it.
var ErrMissingAPIKey = errors.New("generation API key is not configured (set genai.api_key or GEMINI_API_KEY)")

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

// Error implements the error interface.
func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.GenAI.APIKey == "" {
		return ErrMissingAPIKey
	}

	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("invalid port %d", c.Server.Port),
		})
	}

	validBackends := map[string]bool{"firestore": true, "sqlite": true, "memory": true}
	if !validBackends[strings.ToLower(c.Storage.Backend)] {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: firestore, sqlite, memory", c.Storage.Backend),
		})
	}

	if strings.ToLower(c.Storage.Backend) == "firestore" {
		if c.Storage.FirestoreProject == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.firestore_project",
				Message: "required for the firestore backend",
			})
		}
		if c.Storage.FirestoreToken == "" && c.Storage.FirestoreCredentialsFile == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.firestore_token",
				Message: "either firestore_token or firestore_credentials_file is required",
			})
		}
	}

	for _, field := range []struct{ name, value string }{
		{"identity.endpoint", c.Identity.Endpoint},
		{"genai.endpoint", c.GenAI.Endpoint},
	} {
		if _, err := url.Parse(field.value); err != nil {
			errs = append(errs, ValidationError{
				Field:   field.name,
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
