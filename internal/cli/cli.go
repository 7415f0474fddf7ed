// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Root command and global flags for rigrun-turns.

package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-turns/internal/turn"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	jsonOutput bool
	logLevel   string
	workspace  string
}

// Options customise the command tree. The zero value is what main uses.
type Options struct {
	// Transport replaces the configured model transport.
	Transport turn.ModelTransport
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "rigrun-turns",
		Short: "Run model turns with tool calls against stored conversations",
		Long: `rigrun-turns drives conversations with a language model. Each turn streams
the model's answer, runs the tools it asks for and feeds their results back
until the model is done. File changes made by tools can be rewound.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s, %s)", Version, GitCommit, BuildDate, runtime.Version()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.rigrun/turns.toml)")
	pf.BoolVar(&flags.jsonOutput, "json", false, "output JSON")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&flags.workspace, "workspace", "", "workspace root override for file tools")

	root.AddCommand(
		newAskCommand(flags, opts),
		newRewindCommand(flags, opts),
		newPendingCommand(flags, opts),
		newChatsCommand(flags, opts),
		newConfigCommand(flags),
		newAuthCommand(flags),
	)
	return root
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(Options{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return ExitSuccess
	}

	jsonMode := false
	if cmd != nil {
		jsonMode, _ = cmd.Flags().GetBool("json")
	}
	if jsonMode {
		DisplayError(stdout, err, true)
	} else {
		DisplayError(stderr, err, false)
	}
	return GetExitCode(err)
}
