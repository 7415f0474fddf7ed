// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-turns/internal/tools"
	"github.com/jeranaias/rigrun-turns/internal/turn"
	"github.com/jeranaias/rigrun-turns/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-turns configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Turn      TurnConfig      `toml:"turn" json:"turn"`
	Transport TransportConfig `toml:"transport" json:"transport"`
	Auth      AuthConfig      `toml:"auth" json:"auth"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Workspace WorkspaceConfig `toml:"workspace" json:"workspace"`
}

// TurnConfig holds the controller tunables. All of them hot-reload.
type TurnConfig struct {
	WatchdogTimeoutSecs int `toml:"watchdog_timeout_secs" json:"watchdog_timeout_secs"`
	ToolTimeoutSecs     int `toml:"tool_timeout_secs" json:"tool_timeout_secs"`
	MaxRecursionDepth   int `toml:"max_recursion_depth" json:"max_recursion_depth"`
	MaxAuthRetries      int `toml:"max_auth_retries" json:"max_auth_retries"`
}

// TransportConfig selects and configures the model transport.
type TransportConfig struct {
	// Provider is "openrouter" or "gollm".
	Provider string `toml:"provider" json:"provider"`

	// GollmProvider names the gollm backend (ollama, openai, anthropic...).
	GollmProvider string `toml:"gollm_provider" json:"gollm_provider"`

	BaseURL    string `toml:"base_url" json:"base_url"`
	Model      string `toml:"model" json:"model"`
	APIKey     string `toml:"api_key" json:"api_key"`
	MaxTokens  int    `toml:"max_tokens" json:"max_tokens"`
	MaxRetries int    `toml:"max_retries" json:"max_retries"`
}

// AuthConfig configures OAuth refresh. An empty TokenURL disables it and the
// transport uses the API key.
type AuthConfig struct {
	TokenURL         string `toml:"token_url" json:"token_url"`
	ClientID         string `toml:"client_id" json:"client_id"`
	TokenFile        string `toml:"token_file" json:"token_file"`
	RefreshPerMinute int    `toml:"refresh_per_minute" json:"refresh_per_minute"`

	// Passphrase seals the token file. Environment only, never saved.
	Passphrase string `toml:"-" json:"-"`
}

// StorageConfig locates the conversation database.
type StorageConfig struct {
	DatabasePath string `toml:"database_path" json:"database_path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
	File  string `toml:"file" json:"file"`
}

// WorkspaceConfig confines file tools and supplies the system prompt.
type WorkspaceConfig struct {
	Root            string `toml:"root" json:"root"`
	SystemPrompt    string `toml:"system_prompt" json:"system_prompt"`
	MaxMentionBytes int    `toml:"max_mention_bytes" json:"max_mention_bytes"`
}

// CurrentVersion is written by SaveTOML.
const CurrentVersion = "1"

// Default returns the built-in configuration.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".rigrun"
	}
	return &Config{
		Version: CurrentVersion,
		Turn: TurnConfig{
			WatchdogTimeoutSecs: int(turn.DefaultWatchdogTimeout / time.Second),
			ToolTimeoutSecs:     int(tools.DefaultToolTimeout / time.Second),
			MaxRecursionDepth:   turn.DefaultMaxRecursionDepth,
			MaxAuthRetries:      turn.DefaultMaxAuthRetries,
		},
		Transport: TransportConfig{
			Provider:   "openrouter",
			BaseURL:    "https://openrouter.ai/api/v1",
			Model:      "openrouter/auto",
			MaxRetries: 3,
		},
		Auth: AuthConfig{
			TokenFile:        filepath.Join(dir, "credentials"),
			RefreshPerMinute: 30,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dir, "turns.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Workspace: WorkspaceConfig{
			Root:            ".",
			MaxMentionBytes: 64 * 1024,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun"), nil
}

// DefaultPath returns the path to the TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "turns.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file if it exists, then applies
// environment overrides and validates.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads path (a missing file means defaults), applies
// environment overrides, fills defaults and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults replaces zero values a file may have set explicitly.
func fillDefaults(cfg *Config) {
	d := Default()
	if cfg.Version == "" {
		cfg.Version = d.Version
	}
	if cfg.Transport.Provider == "" {
		cfg.Transport.Provider = d.Transport.Provider
	}
	if cfg.Transport.Model == "" {
		cfg.Transport.Model = d.Transport.Model
	}
	if cfg.Transport.BaseURL == "" {
		cfg.Transport.BaseURL = d.Transport.BaseURL
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = d.Storage.DatabasePath
	}
	if cfg.Auth.TokenFile == "" {
		cfg.Auth.TokenFile = d.Auth.TokenFile
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = d.Workspace.Root
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path atomically.
// SECURITY: Config files are 0600 (owner read/write only) since they may hold API keys.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-turns configuration file\n")
	buf.WriteString("# Environment variables RIGRUN_* override these values.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - RIGRUN_MODEL: overrides transport.model
//   - RIGRUN_PROVIDER: overrides transport.provider
//   - RIGRUN_OPENROUTER_KEY: overrides transport.api_key
//   - RIGRUN_BASE_URL: overrides transport.base_url
//   - RIGRUN_TOKEN_URL: overrides auth.token_url
//   - RIGRUN_TOKEN_PASSPHRASE: sets the token store passphrase
//   - RIGRUN_DB: overrides storage.database_path
//   - RIGRUN_LOG_LEVEL: overrides logging.level
//   - RIGRUN_WORKSPACE: overrides workspace.root
//   - RIGRUN_MAX_RECURSION: overrides turn.max_recursion_depth
func (c *Config) ApplyEnvOverrides() {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setString("RIGRUN_MODEL", &c.Transport.Model)
	setString("RIGRUN_PROVIDER", &c.Transport.Provider)
	setString("RIGRUN_OPENROUTER_KEY", &c.Transport.APIKey)
	setString("RIGRUN_BASE_URL", &c.Transport.BaseURL)
	setString("RIGRUN_TOKEN_URL", &c.Auth.TokenURL)
	setString("RIGRUN_TOKEN_PASSPHRASE", &c.Auth.Passphrase)
	setString("RIGRUN_DB", &c.Storage.DatabasePath)
	setString("RIGRUN_LOG_LEVEL", &c.Logging.Level)
	setString("RIGRUN_WORKSPACE", &c.Workspace.Root)

	if v := os.Getenv("RIGRUN_MAX_RECURSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Turn.MaxRecursionDepth = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Turn.WatchdogTimeoutSecs <= 0 {
		add("turn.watchdog_timeout_secs", "must be positive, got %d", c.Turn.WatchdogTimeoutSecs)
	}
	if c.Turn.ToolTimeoutSecs <= 0 {
		add("turn.tool_timeout_secs", "must be positive, got %d", c.Turn.ToolTimeoutSecs)
	}
	if c.Turn.MaxRecursionDepth < 1 {
		add("turn.max_recursion_depth", "must be at least 1, got %d", c.Turn.MaxRecursionDepth)
	}
	if c.Turn.MaxAuthRetries < 0 {
		add("turn.max_auth_retries", "must not be negative, got %d", c.Turn.MaxAuthRetries)
	}

	switch strings.ToLower(c.Transport.Provider) {
	case "openrouter":
		if err := validateURL(c.Transport.BaseURL); err != nil {
			add("transport.base_url", "%v", err)
		}
	case "gollm":
		if c.Transport.GollmProvider == "" {
			add("transport.gollm_provider", "required when provider is gollm")
		}
	default:
		add("transport.provider", "invalid provider '%s', must be one of: openrouter, gollm", c.Transport.Provider)
	}
	if c.Transport.MaxTokens < 0 {
		add("transport.max_tokens", "must not be negative")
	}

	if c.Auth.TokenURL != "" {
		if err := validateURL(c.Auth.TokenURL); err != nil {
			add("auth.token_url", "%v", err)
		}
	}
	if c.Auth.RefreshPerMinute < 0 {
		add("auth.refresh_per_minute", "must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Workspace.MaxMentionBytes < 0 {
		add("workspace.max_mention_bytes", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https, got '%s'", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host: '%s'", raw)
	}
	return nil
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// TurnOptions converts the [turn] section into controller options.
func (c *Config) TurnOptions() turn.Options {
	return turn.Options{
		WatchdogTimeout:   time.Duration(c.Turn.WatchdogTimeoutSecs) * time.Second,
		ToolTimeout:       time.Duration(c.Turn.ToolTimeoutSecs) * time.Second,
		MaxRecursionDepth: c.Turn.MaxRecursionDepth,
		MaxAuthRetries:    c.Turn.MaxAuthRetries,
	}
}

// =============================================================================
// GET (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its TOML key path, e.g. "turn.max_recursion_depth".
func (c *Config) Get(key string) (any, error) {
	if key == "" {
		return nil, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return nil, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if isSecret(key) {
				return redact(field.String()), nil
			}
			return field.Interface(), nil
		}
		if field.Kind() != reflect.Struct {
			return nil, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return nil, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if tag == name && tag != "-" {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// =============================================================================
// STRING (REDACTED)
// =============================================================================

// Clone returns a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the config as TOML.
// SECURITY: API keys are redacted so the output can be logged or displayed.
func (c *Config) String() string {
	safe := c.Clone()
	safe.Transport.APIKey = redact(safe.Transport.APIKey)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(safe); err != nil {
		data, _ := json.MarshalIndent(safe, "", "  ")
		return string(data)
	}
	return buf.String()
}

func isSecret(key string) bool {
	return key == "transport.api_key"
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}
