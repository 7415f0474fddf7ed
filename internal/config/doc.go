// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and hot reload for rigrun-turns.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation that reports every problem at once.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - TurnConfig: Controller tunables (watchdog, tool timeout, recursion, auth retries)
//   - TransportConfig: Model transport selection
//   - AuthConfig: OAuth refresh endpoint and sealed token file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGRUN_*)
//   - ~/.rigrun/turns.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	ctrl, err := turn.New(deps, cfg.TurnOptions())
//
// Hot reload:
//
//	go config.Watch(ctx, path, logger, func(c *config.Config) {
//	    _ = ctrl.UpdateOptions(c.TurnOptions())
//	})
package config
