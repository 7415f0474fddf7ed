// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRefreshRejected means the authorization server refused the refresh
	// token. The user has to sign in again.
	ErrRefreshRejected = fmt.Errorf("refresh token rejected: %w", errclass.ErrAuthExpired)

	// ErrNoRefreshToken means there is nothing to refresh with.
	ErrNoRefreshToken = fmt.Errorf("no refresh token: %w", errclass.ErrAuthExpired)
)

// Default limits for refresh requests. A misbehaving server that keeps
// returning 401 must not turn into a refresh storm.
const (
	DefaultRefreshInterval = 2 * time.Second
	DefaultRefreshBurst    = 2
	DefaultRefreshTimeout  = 30 * time.Second
)

// =============================================================================
// REFRESHER
// =============================================================================

// Refresher exchanges refresh tokens at an OAuth2 token endpoint. It
// implements turn.CredentialProvider.
type Refresher struct {
	config     oauth2.Config
	httpClient *http.Client
	limiter    *rate.Limiter
	store      *TokenStore
	logger     *slog.Logger
}

// NewRefresher creates a refresher for the given token endpoint. The client
// id, if any, is sent in the form body.
func NewRefresher(endpoint, clientID string) *Refresher {
	return &Refresher{
		config: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  endpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: DefaultRefreshTimeout},
		limiter:    rate.NewLimiter(rate.Every(DefaultRefreshInterval), DefaultRefreshBurst),
		logger:     slog.New(slog.DiscardHandler),
	}
}

// WithHTTPClient replaces the HTTP client.
func (r *Refresher) WithHTTPClient(hc *http.Client) *Refresher {
	r.httpClient = hc
	return r
}

// WithLimiter replaces the request rate limiter.
func (r *Refresher) WithLimiter(l *rate.Limiter) *Refresher {
	r.limiter = l
	return r
}

// WithStore persists every refreshed credential pair to s.
func (r *Refresher) WithStore(s *TokenStore) *Refresher {
	r.store = s
	return r
}

// WithLogger sets the logger.
func (r *Refresher) WithLogger(logger *slog.Logger) *Refresher {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Refresh implements turn.CredentialProvider.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (model.Credentials, error) {
	if refreshToken == "" {
		return model.Credentials{}, ErrNoRefreshToken
	}
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return model.Credentials{}, ctx.Err()
		}
		return model.Credentials{}, fmt.Errorf("refresh throttled: %w", err)
	}

	octx := context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := r.config.TokenSource(octx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return model.Credentials{}, r.mapError(ctx, err)
	}

	// oauth2 keeps the old refresh token when the server does not rotate it.
	creds := model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}

	if r.store != nil {
		if err := r.store.Save(creds); err != nil {
			// The new pair still works for this process.
			r.logger.Warn("failed to persist refreshed credentials", "error", err)
		}
	}
	return creds, nil
}

// mapError translates oauth2 failures into the errclass vocabulary: 400,
// 401 and 403 mean the refresh token is dead, anything else is transient.
func (r *Refresher) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return &errclass.TransportError{Message: "token refresh failed", Err: err}
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		r.logger.Warn("refresh token rejected", "status", status, "error", rerr.ErrorCode)
		return fmt.Errorf("%w: %s", ErrRefreshRejected, describe(rerr, status))
	default:
		return &errclass.TransportError{Status: status, Message: describe(rerr, status), Err: err}
	}
}

func describe(rerr *oauth2.RetrieveError, status int) string {
	switch {
	case rerr.ErrorDescription != "":
		return rerr.ErrorDescription
	case rerr.ErrorCode != "":
		return rerr.ErrorCode
	default:
		return http.StatusText(status)
	}
}

// IsRejected reports whether err means the refresh token is no longer valid.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRefreshRejected)
}
