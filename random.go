// random.go: Secure random generation, key utilities, and memory wiping.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
)

// NonceSize is the GCM nonce size in bytes (96 bits).
const NonceSize = 12

// SaltSize is the minimum salt size accepted for password-based derivation.
const SaltSize = 16

// GenerateKey generates a cryptographically secure random key of KeySize bytes,
// suitable for AES-256 or HMAC-SHA-256 use.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeySize, "key")
}

// GenerateNonce generates a fresh random nonce of the given size.
//
// Nonces are generated from crypto/rand on every call and are never cached
// or memoized; reuse under the same GCM key would void all authenticity
// guarantees.
func GenerateNonce(size int) ([]byte, error) {
	if size <= 0 {
		return nil, goerrors.New(ErrCodeNonceGen, "nonce size must be positive")
	}
	return randomBytes(size, "nonce")
}

// GenerateSalt generates a random salt of SaltSize bytes for password-based
// key derivation.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize, "salt")
}

// GenerateToken returns a URL-safe random token of length random bytes,
// base64url-encoded without padding. Tokens are intended for opaque
// identifiers, not for key material.
func GenerateToken(length int) (string, error) {
	if length <= 0 {
		return "", goerrors.New(ErrCodeNonceGen, "token length must be positive")
	}
	b, err := randomBytes(length, "token")
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomBytes(n int, what string) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeNonceGen, "failed to generate "+what)
		return nil, fmt.Errorf("%w: %w", ErrNonceGen, richErr)
	}
	return b, nil
}

// Zeroize overwrites a byte slice with zeros in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureWipe overwrites a sensitive buffer with random data for several
// passes and then zeros it. In a garbage-collected runtime this is a
// best-effort mitigation: the runtime may have copied the slice's backing
// array before the wipe, which is why all secret material in this package
// lives in []byte rather than string.
func SecureWipe(b []byte) {
	if len(b) == 0 {
		return
	}
	for pass := 0; pass < 3; pass++ {
		// A failed CSPRNG read leaves the previous pass in place; the final
		// zero pass still runs.
		_, _ = io.ReadFull(rand.Reader, b)
	}
	Zeroize(b)
}

// KeyFingerprint returns a short non-reversible identifier for key material:
// the first 8 bytes of its SHA-256 digest, hex encoded. Fingerprints appear
// in cache keys, escrow records, and audit events in place of raw keys.
func KeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return fmt.Sprintf("%016x", sum[:8])
}

// KeyToBase64 encodes key material for text-based storage.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// KeyFromBase64 decodes key material produced by KeyToBase64.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeBase64Decode, "failed to decode base64 key")
		return nil, fmt.Errorf("%w: %w", ErrBase64Decode, richErr)
	}
	return key, nil
}

// ValidateKeySize checks that key material is exactly KeySize bytes.
func ValidateKeySize(key []byte) error {
	if len(key) != KeySize {
		richErr := goerrors.New(ErrCodeInvalidKey,
			fmt.Sprintf("key size must be %d bytes, got %d", KeySize, len(key)))
		return fmt.Errorf("%w: %w", ErrInvalidKeySize, richErr)
	}
	return nil
}
