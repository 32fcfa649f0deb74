// cipher_test.go: Test cases for authenticated encryption and keyed hashing.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/kluislabs/kluis"
)

func newTestEngine(t *testing.T) *kluis.Engine {
	t.Helper()
	engine, err := kluis.New(context.Background(), kluis.NewMemoryStore())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	plaintext := "test-secret-value"
	envelope, err := engine.Cipher().Encrypt(plaintext, "doc:user42")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if envelope == "" {
		t.Fatal("Expected non-empty envelope")
	}
	if !strings.HasPrefix(envelope, "kluis.v1:") {
		t.Errorf("Expected kluis.v1 format tag, got %q", envelope)
	}
	if strings.Contains(envelope, plaintext) {
		t.Error("Envelope must not contain the plaintext")
	}

	decrypted, err := engine.Cipher().Decrypt(envelope, "doc:user42")
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Expected %q, got %q", plaintext, decrypted)
	}
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	engine := newTestEngine(t)

	envelope, err := engine.Cipher().Encrypt("", "doc:user42")
	if err != nil {
		t.Fatalf("Unexpected error for empty plaintext: %v", err)
	}
	if envelope != "" {
		t.Errorf("Expected empty envelope for empty plaintext, got %q", envelope)
	}

	decrypted, err := engine.Cipher().Decrypt("", "doc:user42")
	if err != nil {
		t.Fatalf("Unexpected error for empty envelope: %v", err)
	}
	if decrypted != "" {
		t.Errorf("Expected empty plaintext, got %q", decrypted)
	}
}

func TestDecrypt_WrongContext(t *testing.T) {
	engine := newTestEngine(t)

	envelope, err := engine.Cipher().Encrypt("hello world", "doc:user42")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	_, err = engine.Cipher().Decrypt(envelope, "doc:user43")
	if err == nil {
		t.Fatal("Expected error when decrypting under a different context")
	}
	if !errors.Is(err, kluis.ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity, got %v", err)
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	engine := newTestEngine(t)

	envelope, err := engine.Cipher().Encrypt("payload-to-tamper", "doc:user42")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	// Flip one bit in the decoded body and reassemble the envelope.
	encoded := strings.TrimPrefix(envelope, "kluis.v1:")
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("Failed to decode envelope body: %v", err)
	}
	body[len(body)/2] ^= 0x01
	tampered := "kluis.v1:" + base64.StdEncoding.EncodeToString(body)

	_, err = engine.Cipher().Decrypt(tampered, "doc:user42")
	if err == nil {
		t.Fatal("Expected error for tampered ciphertext")
	}
	if !errors.Is(err, kluis.ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity, got %v", err)
	}
}

func TestDecrypt_MalformedEnvelopes(t *testing.T) {
	engine := newTestEngine(t)

	cases := []struct {
		name     string
		envelope string
		want     error
	}{
		{"unknown tag", "vault.v9:AAAA", kluis.ErrUnsupportedFormat},
		{"no tag separator", "justsomedata", kluis.ErrUnsupportedFormat},
		{"invalid base64", "kluis.v1:!!!not-base64!!!", kluis.ErrBase64Decode},
		{"body too short", "kluis.v1:" + base64.StdEncoding.EncodeToString([]byte("short")), kluis.ErrCiphertextShort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Cipher().Decrypt(tc.envelope, "doc:user42")
			if err == nil {
				t.Fatal("Expected error")
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestEncrypt_NonceUniqueness(t *testing.T) {
	engine := newTestEngine(t)

	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		envelope, err := engine.Cipher().Encrypt("same plaintext", "doc:user42")
		if err != nil {
			t.Fatalf("Failed to encrypt: %v", err)
		}
		if seen[envelope] {
			t.Fatal("Envelope repeated: nonce reuse detected")
		}
		seen[envelope] = true
	}
}

func TestEncryptBytes_BinaryPayload(t *testing.T) {
	engine := newTestEngine(t)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	envelope, err := engine.Cipher().EncryptBytes(payload, "blob:report")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	decrypted, err := engine.Cipher().DecryptBytes(envelope, "blob:report")
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, payload) {
		t.Error("Decrypted payload differs from original")
	}
}

func TestHash_VerifyHash(t *testing.T) {
	engine := newTestEngine(t)

	data := []byte("audit-record-body")
	digest, err := engine.Cipher().Hash(data, "audit:log")
	if err != nil {
		t.Fatalf("Failed to hash: %v", err)
	}
	if len(digest) != 32 {
		t.Errorf("Expected 32-byte HMAC-SHA-256 digest, got %d", len(digest))
	}

	again, err := engine.Cipher().Hash(data, "audit:log")
	if err != nil {
		t.Fatalf("Failed to hash: %v", err)
	}
	if !bytes.Equal(digest, again) {
		t.Error("Hash is not deterministic for the same context")
	}

	ok, err := engine.Cipher().VerifyHash(data, digest, "audit:log")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if !ok {
		t.Error("Expected digest to verify")
	}

	ok, err = engine.Cipher().VerifyHash([]byte("different data"), digest, "audit:log")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if ok {
		t.Error("Expected verification to fail for modified data")
	}

	ok, err = engine.Cipher().VerifyHash(data, digest, "audit:other")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if ok {
		t.Error("Expected verification to fail under a different context")
	}
}

func TestDecrypt_AfterMasterRotation(t *testing.T) {
	engine := newTestEngine(t)

	envelope, err := engine.Cipher().Encrypt("pre-rotation value", "doc:user42")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	if err := engine.RotateMasterSecret(context.Background()); err != nil {
		t.Fatalf("Failed to rotate master secret: %v", err)
	}

	// Migration window: the previous epoch still decrypts.
	decrypted, err := engine.Cipher().Decrypt(envelope, "doc:user42")
	if err != nil {
		t.Fatalf("Failed to decrypt after rotation: %v", err)
	}
	if decrypted != "pre-rotation value" {
		t.Errorf("Unexpected plaintext: %q", decrypted)
	}

	// Re-encrypt under the current epoch, then rotate again; the original
	// envelope is now two epochs behind and must fail closed.
	reEncrypted, err := engine.Cipher().Encrypt(decrypted, "doc:user42")
	if err != nil {
		t.Fatalf("Failed to re-encrypt: %v", err)
	}
	if err := engine.RotateMasterSecret(context.Background()); err != nil {
		t.Fatalf("Failed to rotate master secret: %v", err)
	}

	if _, err := engine.Cipher().Decrypt(envelope, "doc:user42"); !errors.Is(err, kluis.ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity for envelope two epochs behind, got %v", err)
	}
	if _, err := engine.Cipher().Decrypt(reEncrypted, "doc:user42"); err != nil {
		t.Errorf("Re-encrypted envelope should decrypt through the window: %v", err)
	}
}
