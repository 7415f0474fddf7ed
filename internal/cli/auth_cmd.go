// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// auth_cmd.go - Manage the sealed OAuth token file.
//
// Commands:
//   auth set --refresh TOKEN [--access TOKEN] [--expires-in 1h]
//   auth status
//   auth clear
//
// The file is sealed with RIGRUN_TOKEN_PASSPHRASE. Turns refresh the access
// token from the stored refresh token when the provider rejects it.

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-turns/internal/auth"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

func newAuthCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored OAuth credentials",
	}
	cmd.AddCommand(newAuthSetCommand(flags), newAuthStatusCommand(flags), newAuthClearCommand(flags))
	return cmd
}

func tokenStore(flags *globalFlags) (*auth.TokenStore, error) {
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Passphrase == "" {
		return nil, usagef("set RIGRUN_TOKEN_PASSPHRASE to seal the token file")
	}
	return auth.NewTokenStore(cfg.Auth.TokenFile, cfg.Auth.Passphrase), nil
}

func newAuthSetCommand(flags *globalFlags) *cobra.Command {
	var access, refresh string
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "set --refresh TOKEN",
		Short: "Store OAuth tokens",
		Args:  exactArgs(0, "auth set --refresh TOKEN [--access TOKEN] [--expires-in DURATION]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if refresh == "" {
				return usagef("--refresh is required")
			}
			store, err := tokenStore(flags)
			if err != nil {
				return err
			}
			creds := model.Credentials{AccessToken: access, RefreshToken: refresh}
			if access != "" && expiresIn > 0 {
				creds.ExpiresAt = time.Now().Add(expiresIn)
			}
			if err := store.Save(creds); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "Saved credentials to %s\n", store.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "access token")
	cmd.Flags().StringVar(&refresh, "refresh", "", "refresh token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "access token lifetime")
	return cmd
}

func newAuthStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether credentials are stored",
		Args:  exactArgs(0, "auth status"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := tokenStore(flags)
			if err != nil {
				return err
			}
			creds, err := store.Load()
			if errors.Is(err, auth.ErrNoCredentials) {
				fmt.Fprintln(out(cmd), "No credentials stored.")
				return nil
			}
			if err != nil {
				return err
			}

			status := map[string]any{
				"path":          store.Path(),
				"access_token":  creds.AccessToken != "",
				"refresh_token": creds.RefreshToken != "",
			}
			if !creds.ExpiresAt.IsZero() {
				status["expires_at"] = creds.ExpiresAt.UTC().Format(time.RFC3339)
			}
			if flags.jsonOutput {
				return NewJSONResponse("auth status", status).Print(out(cmd))
			}
			fmt.Fprintf(out(cmd), "Credentials: %s\n  access token:  %v\n  refresh token: %v\n",
				store.Path(), status["access_token"], status["refresh_token"])
			if exp, ok := status["expires_at"]; ok {
				fmt.Fprintf(out(cmd), "  expires at:    %s\n", exp)
			}
			return nil
		},
	}
}

func newAuthClearCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete stored credentials",
		Args:  exactArgs(0, "auth clear"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := tokenStore(flags)
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(out(cmd), "Credentials cleared.")
			return nil
		},
	}
}
