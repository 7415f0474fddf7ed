// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-turns/internal/turn"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestConfig_Default(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, turn.DefaultOptions(), cfg.TurnOptions())
	assert.Equal(t, "openrouter", cfg.Transport.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromPath_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Turn, cfg.Turn)
}

func TestLoadFromPath_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turns.toml")
	writeFile(t, path, `
[turn]
watchdog_timeout_secs = 30
tool_timeout_secs = 5
max_recursion_depth = 4
max_auth_retries = 1

[transport]
model = "anthropic/claude-sonnet"
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	opts := cfg.TurnOptions()
	assert.Equal(t, 30*time.Second, opts.WatchdogTimeout)
	assert.Equal(t, 5*time.Second, opts.ToolTimeout)
	assert.Equal(t, 4, opts.MaxRecursionDepth)
	assert.Equal(t, 1, opts.MaxAuthRetries)
	assert.Equal(t, "anthropic/claude-sonnet", cfg.Transport.Model)
	assert.Equal(t, "openrouter", cfg.Transport.Provider, "unset keys keep defaults")
}

func TestLoadFromPath_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turns.toml")
	writeFile(t, path, "[turn]\nmax_depth = 3\n")

	_, err := LoadFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn.max_depth")
}

func TestLoadFromPath_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turns.toml")
	writeFile(t, path, "[turn]\nmax_recursion_depth = 0\n[logging]\nlevel = \"loud\"\n")

	_, err := LoadFromPath(path)
	require.Error(t, err)

	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RIGRUN_MODEL", "env/model")
	t.Setenv("RIGRUN_MAX_RECURSION", "7")
	t.Setenv("RIGRUN_TOKEN_PASSPHRASE", "hunter2")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "env/model", cfg.Transport.Model)
	assert.Equal(t, 7, cfg.Turn.MaxRecursionDepth)
	assert.Equal(t, "hunter2", cfg.Auth.Passphrase)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"watchdog", func(c *Config) { c.Turn.WatchdogTimeoutSecs = 0 }, "turn.watchdog_timeout_secs"},
		{"tool timeout", func(c *Config) { c.Turn.ToolTimeoutSecs = -1 }, "turn.tool_timeout_secs"},
		{"auth retries", func(c *Config) { c.Turn.MaxAuthRetries = -1 }, "turn.max_auth_retries"},
		{"provider", func(c *Config) { c.Transport.Provider = "carrier-pigeon" }, "transport.provider"},
		{"gollm backend", func(c *Config) { c.Transport.Provider = "gollm" }, "transport.gollm_provider"},
		{"base url", func(c *Config) { c.Transport.BaseURL = "ftp://example.com" }, "transport.base_url"},
		{"token url", func(c *Config) { c.Auth.TokenURL = "not a url" }, "auth.token_url"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidateErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "turns.toml")
	cfg := Default()
	cfg.Turn.MaxRecursionDepth = 9
	cfg.Auth.Passphrase = "never-written"

	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "never-written")

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Turn.MaxRecursionDepth)
}

func TestConfig_Get(t *testing.T) {
	cfg := Default()
	cfg.Transport.APIKey = "sk-secret"

	v, err := cfg.Get("turn.max_recursion_depth")
	require.NoError(t, err)
	assert.Equal(t, turn.DefaultMaxRecursionDepth, v)

	v, err = cfg.Get("transport.api_key")
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", v)

	_, err = cfg.Get("turn.nope")
	assert.Error(t, err)
	_, err = cfg.Get("turn.max_recursion_depth.deeper")
	assert.Error(t, err)
	_, err = cfg.Get("auth.Passphrase")
	assert.Error(t, err)
}

func TestConfig_StringRedacts(t *testing.T) {
	cfg := Default()
	cfg.Transport.APIKey = "sk-secret"
	out := cfg.String()
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "sk-secret", cfg.Transport.APIKey, "String must not mutate the config")
}

// =============================================================================
// WATCH
// =============================================================================

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turns.toml")
	require.NoError(t, SaveTOML(Default(), path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, path, 20*time.Millisecond, nil, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is ignored.
	writeFile(t, path, "[turn]\nmax_recursion_depth = 0\n")
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload: %+v", c.Turn)
	case <-time.After(200 * time.Millisecond):
	}

	cfg := Default()
	cfg.Turn.MaxRecursionDepth = 3
	require.NoError(t, SaveTOML(cfg, path))

	select {
	case c := <-changes:
		assert.Equal(t, 3, c.Turn.MaxRecursionDepth)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "gone", "turns.toml"), nil, func(*Config) {})
	assert.Error(t, err)
}
