// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// =============================================================================
// REFRESHER TESTS
// =============================================================================

func TestRefresh_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cli", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	creds, err := NewRefresher(srv.URL, "cli").WithLimiter(unlimited()).Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", creds.AccessToken)
	assert.Equal(t, "r2", creds.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), creds.ExpiresAt, 5*time.Second)
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2"}`))
	}))
	defer srv.Close()

	creds, err := NewRefresher(srv.URL, "").WithLimiter(unlimited()).Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", creds.RefreshToken)
	assert.True(t, creds.ExpiresAt.IsZero())
}

func TestRefresh_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{"invalid_grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"token revoked"}`, true},
		{"unauthorized", http.StatusUnauthorized, ``, true},
		{"forbidden", http.StatusForbidden, `{"error":"access_denied"}`, true},
		{"server_error", http.StatusInternalServerError, `{"error":"server_error"}`, false},
		{"missing_access_token", http.StatusOK, `{"token_type":"Bearer"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewRefresher(srv.URL, "").WithLimiter(unlimited()).Refresh(context.Background(), "r1")
			require.Error(t, err)
			assert.Equal(t, tt.rejected, IsRejected(err))
			if tt.rejected {
				assert.ErrorIs(t, err, errclass.ErrAuthExpired)
			} else {
				assert.Equal(t, errclass.CategoryTransport, errclass.Classify(err).Category)
			}
		})
	}
}

func TestRefresh_NoToken(t *testing.T) {
	_, err := NewRefresher("http://unused", "").Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.ErrorIs(t, err, errclass.ErrAuthExpired)
}

func TestRefresh_Throttled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a"}`))
	}))
	defer srv.Close()

	r := NewRefresher(srv.URL, "").WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1))
	_, err := r.Refresh(context.Background(), "r1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Refresh(ctx, "r1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefresh_PersistsToStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a9","refresh_token":"r9"}`))
	}))
	defer srv.Close()

	store := NewTokenStore(filepath.Join(t.TempDir(), "creds"), "pw").WithIterations(1000)
	_, err := NewRefresher(srv.URL, "").WithLimiter(unlimited()).WithStore(store).Refresh(context.Background(), "r1")
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "a9", loaded.AccessToken)
	assert.Equal(t, "r9", loaded.RefreshToken)
}

func TestRefresh_NoClientIDOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, present := r.PostForm["client_id"]
		assert.False(t, present)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	creds, err := NewRefresher(srv.URL, "").WithLimiter(unlimited()).Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", creds.AccessToken)
}

func TestRefresh_UnreachableEndpointIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRefresher(url, "").WithLimiter(unlimited()).Refresh(context.Background(), "r1")
	require.Error(t, err)
	assert.False(t, IsRejected(err))
	assert.Equal(t, errclass.CategoryTransport, errclass.Classify(err).Category)
}

// =============================================================================
// TOKEN STORE TESTS
// =============================================================================

func TestTokenStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "creds")
	store := NewTokenStore(path, "correct horse").WithIterations(1000)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)

	want := model.Credentials{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "access_token")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestTokenStore_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, NewTokenStore(path, "one").WithIterations(1000).Save(model.Credentials{AccessToken: "a"}))

	_, err := NewTokenStore(path, "two").WithIterations(1000).Load()
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestTokenStore_Tampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds")
	store := NewTokenStore(path, "pw").WithIterations(1000)
	require.NoError(t, store.Save(model.Credentials{AccessToken: "a"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestTokenStore_Clear(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "creds"), "pw").WithIterations(1000)
	require.NoError(t, store.Clear())
	require.NoError(t, store.Save(model.Credentials{AccessToken: "a"}))
	require.NoError(t, store.Clear())
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)
}
