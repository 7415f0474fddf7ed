// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Configuration management commands.
//
// Commands:
//   config init [--force]   write the default config file
//   config show             print the effective config (keys redacted)
//   config get KEY          print one value, e.g. turn.max_recursion_depth

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-turns/internal/config"
)

func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCommand(flags), newConfigShowCommand(flags), newConfigGetCommand(flags))
	return cmd
}

func configPath(flags *globalFlags) (string, error) {
	if flags.configPath != "" {
		return flags.configPath, nil
	}
	return config.DefaultPath()
}

func newConfigInitCommand(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  exactArgs(0, "config init [--force]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(flags)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &CommandError{Command: "config init", Reason: fmt.Sprintf("%s already exists (use --force to overwrite)", path)}
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.SaveTOML(config.Default(), path); err != nil {
				return err
			}
			if flags.jsonOutput {
				return NewJSONResponse("config init", map[string]string{"path": path}).Print(out(cmd))
			}
			fmt.Fprintf(out(cmd), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  exactArgs(0, "config show"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				safe := cfg.Clone()
				if safe.Transport.APIKey != "" {
					safe.Transport.APIKey = "[REDACTED]"
				}
				return NewJSONResponse("config show", safe).Print(out(cmd))
			}
			fmt.Fprintf(out(cmd), "# %s\n%s", path, cfg.String())
			return nil
		},
	}
}

func newConfigGetCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print one configuration value",
		Args:  exactArgs(1, "config get KEY"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return usagef("%v", err)
			}
			if flags.jsonOutput {
				return NewJSONResponse("config get", map[string]any{args[0]: v}).Print(out(cmd))
			}
			fmt.Fprintln(out(cmd), v)
			return nil
		},
	}
}
