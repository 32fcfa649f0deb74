// random_test.go: Test cases for random generation and key utilities.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kluislabs/kluis"
)

func TestGenerateKey_Basic(t *testing.T) {
	key, err := kluis.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if len(key) != kluis.KeySize {
		t.Errorf("Expected %d bytes, got %d", kluis.KeySize, len(key))
	}

	other, err := kluis.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if bytes.Equal(key, other) {
		t.Error("Two generated keys must differ")
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce, err := kluis.GenerateNonce(kluis.NonceSize)
	if err != nil {
		t.Fatalf("Failed to generate nonce: %v", err)
	}
	if len(nonce) != kluis.NonceSize {
		t.Errorf("Expected %d bytes, got %d", kluis.NonceSize, len(nonce))
	}

	if _, err := kluis.GenerateNonce(0); err == nil {
		t.Error("Expected error for zero size")
	}
	if _, err := kluis.GenerateNonce(-1); err == nil {
		t.Error("Expected error for negative size")
	}
}

func TestGenerateSalt(t *testing.T) {
	salt, err := kluis.GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}
	if len(salt) != kluis.SaltSize {
		t.Errorf("Expected %d bytes, got %d", kluis.SaltSize, len(salt))
	}
}

func TestGenerateToken(t *testing.T) {
	token, err := kluis.GenerateToken(32)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Fatal("Expected non-empty token")
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("Token must be URL-safe without padding, got %q", token)
	}

	other, err := kluis.GenerateToken(32)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == other {
		t.Error("Two generated tokens must differ")
	}

	if _, err := kluis.GenerateToken(0); err == nil {
		t.Error("Expected error for zero length")
	}
}

func TestZeroize(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	kluis.Zeroize(buf)
	for i, b := range buf {
		if b != 0 {
			t.Errorf("Byte %d not zeroed: %d", i, b)
		}
	}
	kluis.Zeroize(nil) // must not panic
}

func TestSecureWipe(t *testing.T) {
	buf := []byte("sensitive key material here")
	kluis.SecureWipe(buf)
	for i, b := range buf {
		if b != 0 {
			t.Errorf("Byte %d not wiped: %d", i, b)
		}
	}
	kluis.SecureWipe(nil) // must not panic
}

func TestKeyFingerprint(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	fp := kluis.KeyFingerprint(key)
	if len(fp) != 16 {
		t.Errorf("Expected 16 hex characters, got %d", len(fp))
	}
	if fp != kluis.KeyFingerprint(key) {
		t.Error("Fingerprint must be stable")
	}
	if fp == kluis.KeyFingerprint([]byte("another key entirely, 32 bytes!!")) {
		t.Error("Different keys must have different fingerprints")
	}
	if kluis.KeyFingerprint(nil) != "" {
		t.Error("Empty key must have empty fingerprint")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := kluis.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	encoded := kluis.KeyToBase64(key)
	decoded, err := kluis.KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !bytes.Equal(key, decoded) {
		t.Error("Round trip changed the key")
	}

	if _, err := kluis.KeyFromBase64("!!!"); !errors.Is(err, kluis.ErrBase64Decode) {
		t.Errorf("Expected ErrBase64Decode, got %v", err)
	}
}

func TestValidateKeySize(t *testing.T) {
	key := make([]byte, kluis.KeySize)
	if err := kluis.ValidateKeySize(key); err != nil {
		t.Errorf("Unexpected error for valid key: %v", err)
	}

	for _, size := range []int{0, 16, 31, 33, 64} {
		if err := kluis.ValidateKeySize(make([]byte, size)); !errors.Is(err, kluis.ErrInvalidKeySize) {
			t.Errorf("Expected ErrInvalidKeySize for %d bytes, got %v", size, err)
		}
	}
}
