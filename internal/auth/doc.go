// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth refreshes and stores the access/refresh token pair used by
// the model transport.
//
// Refresher implements turn.CredentialProvider with the OAuth2
// refresh_token grant (golang.org/x/oauth2), throttled by a token bucket. A rejected refresh token
// wraps errclass.ErrAuthExpired so the controller surfaces it to the user.
// TokenStore persists the pair encrypted at rest (NaCl secretbox, key from
// PBKDF2-SHA-256).
package auth
