// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wires configuration, storage, transport and the turn controller.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-turns/internal/auth"
	"github.com/jeranaias/rigrun-turns/internal/cloud"
	"github.com/jeranaias/rigrun-turns/internal/config"
	"github.com/jeranaias/rigrun-turns/internal/logging"
	"github.com/jeranaias/rigrun-turns/internal/mentions"
	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/storage"
	"github.com/jeranaias/rigrun-turns/internal/tools"
	"github.com/jeranaias/rigrun-turns/internal/turn"
)

// app is everything a command needs, built once per invocation.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	store   *storage.Store
	ctrl    *turn.Controller
	tokens  *auth.TokenStore

	closeLog func() error
}

// =============================================================================
// CONFIG
// =============================================================================

func loadConfig(flags *globalFlags) (*config.Config, string, error) {
	path := flags.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, path, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.workspace != "" {
		cfg.Workspace.Root = flags.workspace
	}
	return cfg, path, nil
}

// =============================================================================
// WIRING
// =============================================================================

// openApp loads config and builds the controller with its collaborators.
func openApp(cmd *cobra.Command, flags *globalFlags, opts Options) (*app, error) {
	cfg, cfgPath, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	logger := log.Logger

	a := &app{cfg: cfg, cfgPath: cfgPath, logger: logger, closeLog: log.Close}
	if err := a.build(opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(opts Options) error {
	cfg := a.cfg

	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DatabasePath, a.logger.With("component", "storage"))
	if err != nil {
		return err
	}
	a.store = store

	transport := opts.Transport
	if transport == nil {
		transport, err = newTransport(cfg, a.logger.With("component", "transport"))
		if err != nil {
			return err
		}
	}

	deps := turn.Dependencies{
		Transport: transport,
		Tools:     tools.NewCatalog(root),
		Sink:      store,
		Context: mentions.NewSupplier(root, a.logger.With("component", "mentions")).
			WithLimits(cfg.Workspace.MaxMentionBytes, 0),
		Logger: a.logger.With("component", "turn"),
	}

	var creds model.Credentials
	if cfg.Auth.TokenURL != "" {
		provider, loaded, err := a.newCredentials()
		if err != nil {
			return err
		}
		deps.Credentials = provider
		creds = loaded
	}

	ctrl, err := turn.New(deps, cfg.TurnOptions())
	if err != nil {
		return err
	}
	if creds.AccessToken != "" || creds.RefreshToken != "" {
		ctrl.SetCredentials(creds)
	}
	a.ctrl = ctrl
	return nil
}

// newCredentials builds the refresher and loads saved credentials. A
// missing token file is not an error: the first request will fail with
// AuthExpired and tell the user to log in.
func (a *app) newCredentials() (*auth.Refresher, model.Credentials, error) {
	cfg := a.cfg.Auth
	if cfg.Passphrase == "" {
		return nil, model.Credentials{}, errors.New("auth.token_url is set but RIGRUN_TOKEN_PASSPHRASE is empty")
	}
	a.tokens = auth.NewTokenStore(cfg.TokenFile, cfg.Passphrase)

	refresher := auth.NewRefresher(cfg.TokenURL, cfg.ClientID).
		WithStore(a.tokens).
		WithLogger(a.logger.With("component", "auth"))
	if cfg.RefreshPerMinute > 0 {
		refresher.WithLimiter(rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RefreshPerMinute)), auth.DefaultRefreshBurst))
	}

	creds, err := a.tokens.Load()
	switch {
	case errors.Is(err, auth.ErrNoCredentials):
		a.logger.Warn("no saved credentials", "path", a.tokens.Path())
	case err != nil:
		return nil, model.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	return refresher, creds, nil
}

func newTransport(cfg *config.Config, logger *slog.Logger) (turn.ModelTransport, error) {
	t := cfg.Transport
	switch t.Provider {
	case "gollm":
		return cloud.NewGollmTransport(cloud.GollmConfig{
			Provider:  t.GollmProvider,
			Model:     t.Model,
			APIKey:    t.APIKey,
			MaxTokens: t.MaxTokens,
		})
	default:
		return cloud.NewClient(t.APIKey).
			WithBaseURL(t.BaseURL).
			WithModel(t.Model).
			WithMaxTokens(t.MaxTokens).
			WithMaxRetries(t.MaxRetries).
			WithLogger(logger), nil
	}
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// restore loads a stored conversation and its undo ledger into the controller.
func (a *app) restore(ctx context.Context, chatID string) (*model.Conversation, error) {
	conv, err := a.store.Load(ctx, chatID)
	if errors.Is(err, storage.ErrConversationNotFound) {
		return nil, &NotFoundError{Resource: "conversation", ID: chatID}
	}
	if err != nil {
		return nil, err
	}
	entries, err := a.store.LoadUndo(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := a.ctrl.RestoreConversation(conv, entries); err != nil {
		return nil, err
	}
	return conv, nil
}

// watchConfig hot-reloads turn tunables until ctx is done. Nothing is
// watched when the config file does not exist.
func (a *app) watchConfig(ctx context.Context) {
	if _, err := os.Stat(a.cfgPath); err != nil {
		return
	}
	go func() {
		err := config.Watch(ctx, a.cfgPath, a.logger.With("component", "config"), func(c *config.Config) {
			if err := a.ctrl.UpdateOptions(c.TurnOptions()); err != nil {
				a.logger.Warn("reloaded turn options rejected", "error", err)
			}
		})
		if err != nil {
			a.logger.Warn("config watcher stopped", "error", err)
		}
	}()
}

// Close releases the store and the log file.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// out returns the command's stdout.
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
