// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/util"
)

var (
	// ErrNoCredentials means nothing has been stored yet.
	ErrNoCredentials = errors.New("no stored credentials: set an access token first")

	// ErrDecryptionFailed means the passphrase is wrong or the file was
	// tampered with.
	ErrDecryptionFailed = errors.New("credential store decryption failed")
)

const (
	// DefaultIterations for PBKDF2-SHA-256 key derivation.
	DefaultIterations = 600000

	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

// TokenStore keeps one credential pair on disk, sealed with
// NaCl secretbox under a passphrase-derived key.
//
// File layout: salt(16) | nonce(24) | secretbox(json).
type TokenStore struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
	iterations int
}

// NewTokenStore returns a store at path. The passphrase is copied.
func NewTokenStore(path, passphrase string) *TokenStore {
	return &TokenStore{
		path:       path,
		passphrase: []byte(passphrase),
		iterations: DefaultIterations,
	}
}

// WithIterations overrides the key derivation cost.
func (s *TokenStore) WithIterations(n int) *TokenStore {
	if n > 0 {
		s.iterations = n
	}
	return s
}

// Path returns the file location.
func (s *TokenStore) Path() string {
	return s.path
}

// Save seals creds and writes them atomically with owner-only permissions.
func (s *TokenStore) Save(creds model.Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	defer zero(plain)

	var salt [saltSize]byte
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.deriveKey(salt[:])
	defer zero(key[:])

	out := make([]byte, 0, saltSize+nonceSize+len(plain)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plain, &nonce, key)

	if err := util.AtomicWriteFileWithDir(s.path, out, 0600, 0700); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}

// Load opens the stored credentials.
func (s *TokenStore) Load() (model.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return model.Credentials{}, fmt.Errorf("read credential store: %w", err)
	}
	if len(data) < saltSize+nonceSize+secretbox.Overhead {
		return model.Credentials{}, ErrDecryptionFailed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])
	key := s.deriveKey(data[:saltSize])
	defer zero(key[:])

	plain, ok := secretbox.Open(nil, data[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return model.Credentials{}, ErrDecryptionFailed
	}
	defer zero(plain)

	var creds model.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return model.Credentials{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return creds, nil
}

// Clear removes the store. Missing files are not an error.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *TokenStore) deriveKey(salt []byte) *[keySize]byte {
	var key [keySize]byte
	derived := pbkdf2.Key(s.passphrase, salt, s.iterations, keySize, sha256.New)
	copy(key[:], derived)
	zero(derived)
	return &key
}

// zero clears key material.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
