// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-turns/internal/tools"
)

const (
	// DefaultWatchdogTimeout force-clears a wedged working state.
	DefaultWatchdogTimeout = 180 * time.Second

	// DefaultMaxRecursionDepth bounds how often one turn may recurse.
	DefaultMaxRecursionDepth = 25

	// DefaultMaxAuthRetries bounds refresh-and-replay attempts per turn.
	DefaultMaxAuthRetries = 2
)

// Options are the controller tunables. They can be replaced at runtime with
// Controller.UpdateOptions; a running turn keeps the options it started with.
type Options struct {
	WatchdogTimeout   time.Duration
	ToolTimeout       time.Duration
	MaxRecursionDepth int
	MaxAuthRetries    int
}

// DefaultOptions returns the default tunables.
func DefaultOptions() Options {
	return Options{
		WatchdogTimeout:   DefaultWatchdogTimeout,
		ToolTimeout:       tools.DefaultToolTimeout,
		MaxRecursionDepth: DefaultMaxRecursionDepth,
		MaxAuthRetries:    DefaultMaxAuthRetries,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	var errs []error
	if o.WatchdogTimeout <= 0 {
		errs = append(errs, fmt.Errorf("watchdog timeout must be positive, got %v", o.WatchdogTimeout))
	}
	if o.ToolTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tool timeout must be positive, got %v", o.ToolTimeout))
	}
	if o.MaxRecursionDepth < 1 {
		errs = append(errs, fmt.Errorf("max recursion depth must be at least 1, got %d", o.MaxRecursionDepth))
	}
	if o.MaxAuthRetries < 0 {
		errs = append(errs, fmt.Errorf("max auth retries must not be negative, got %d", o.MaxAuthRetries))
	}
	return errors.Join(errs...)
}
