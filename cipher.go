// cipher.go: Authenticated encryption with context-derived keys (AES-256-GCM).
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	goerrors "github.com/agilira/go-errors"
)

// KeySize is the key size for AES-256 and HMAC-SHA-256 in bytes.
const KeySize = 32

// Cipher provides authenticated encryption and keyed hashing over keys
// derived per context by a KeyDeriver. Instances are safe for concurrent
// use: encryption is a pure function of (key, input) aside from nonce
// generation, and the GCM cache is guarded.
//
// Every operation emits an audit event to the configured sink, best effort;
// a failing sink never affects the cryptographic result.
type Cipher struct {
	deriver *KeyDeriver
	sink    AuditSink

	// GCM instances are cached per key fingerprint to skip the
	// aes.NewCipher + cipher.NewGCM setup on repeated context use.
	cacheMu  sync.RWMutex
	gcmCache map[string]cipher.AEAD
}

// NewCipher creates a Cipher over an initialized KeyDeriver.
func NewCipher(deriver *KeyDeriver, sink AuditSink) *Cipher {
	return &Cipher{
		deriver:  deriver,
		sink:     sink,
		gcmCache: make(map[string]cipher.AEAD),
	}
}

// Encrypt encrypts a string under the key derived for context and returns
// the envelope string. Empty plaintext returns an empty envelope without
// touching the cipher.
func (c *Cipher) Encrypt(plaintext, context string) (string, error) {
	return c.EncryptBytes([]byte(plaintext), context)
}

// EncryptBytes encrypts a byte slice under the key derived for context.
//
// A fresh 96-bit nonce comes from crypto/rand on every call; nonces are
// never cached, counted, or reused. The result is a kluis.v1 envelope
// carrying nonce, ciphertext, and the 128-bit authentication tag.
func (c *Cipher) EncryptBytes(plaintext []byte, context string) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	envelope, err := c.encryptBytes(plaintext, context)
	emitAudit(c.sink, "encrypt", context, "", outcomeOf(err))
	return envelope, err
}

func (c *Cipher) encryptBytes(plaintext []byte, context string) (string, error) {
	key, err := c.deriver.EncryptionKey(context)
	if err != nil {
		return "", err
	}
	gcm, err := c.cachedGCM(key)
	SecureWipe(key)
	if err != nil {
		return "", err
	}

	nonceBuf := getNonceBuffer()
	defer putNonceBuffer(nonceBuf)
	nonce := (*nonceBuf)[:NonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeNonceGen, "failed to generate nonce")
		return "", fmt.Errorf("%w: %w", ErrNonceGen, richErr)
	}

	scratch := getScratch()
	defer putScratch(scratch)
	sealed := gcm.Seal(scratch, nonce, plaintext, nil) // #nosec G407 -- nonce is generated from crypto/rand

	return sealEnvelope(nonce, sealed), nil
}

// Decrypt decrypts an envelope produced by Encrypt with the same context.
func (c *Cipher) Decrypt(envelope, context string) (string, error) {
	plaintext, err := c.DecryptBytes(envelope, context)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DecryptBytes decrypts an envelope produced by EncryptBytes with the same
// context. The format tag is validated before any cryptographic work, and
// the authentication tag is verified before any plaintext is released: on
// mismatch the call fails closed with ErrIntegrity and returns nothing.
//
// During a master-secret rotation window the previous epoch's key is tried
// after the current one, so callers can re-encrypt lazily.
func (c *Cipher) DecryptBytes(envelope, context string) ([]byte, error) {
	if envelope == "" {
		return nil, nil
	}

	plaintext, err := c.decryptBytes(envelope, context)
	emitAudit(c.sink, "decrypt", context, "", outcomeOf(err))
	return plaintext, err
}

func (c *Cipher) decryptBytes(envelope, context string) ([]byte, error) {
	nonce, sealed, err := openEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	key, err := c.deriver.EncryptionKey(context)
	if err != nil {
		return nil, err
	}
	gcm, err := c.cachedGCM(key)
	SecureWipe(key)
	if err != nil {
		return nil, err
	}

	plaintext, openErr := gcm.Open(nil, nonce, sealed, nil)
	if openErr == nil {
		return plaintext, nil
	}

	// Migration window: a value sealed before RotateMasterSecret still
	// authenticates under the previous epoch's context key.
	if prevKey, ok, prevErr := c.deriver.previousEncryptionKey(context); prevErr == nil && ok {
		prevGCM, err := c.cachedGCM(prevKey)
		SecureWipe(prevKey)
		if err == nil {
			if plaintext, err := prevGCM.Open(nil, nonce, sealed, nil); err == nil {
				return plaintext, nil
			}
		}
	}

	richErr := goerrors.Wrap(openErr, ErrCodeIntegrity, "authentication tag verification failed")
	return nil, fmt.Errorf("%w: %w", ErrIntegrity, richErr)
}

// Hash computes an HMAC-SHA-256 digest of data under the signing key derived
// for context. Signing keys are disjoint from encryption keys by derivation
// label, so a hash never leaks anything about ciphertexts in that context.
func (c *Cipher) Hash(data []byte, context string) ([]byte, error) {
	digest, err := c.hash(data, context)
	emitAudit(c.sink, "hash", context, "", outcomeOf(err))
	return digest, err
}

func (c *Cipher) hash(data []byte, context string) ([]byte, error) {
	key, err := c.deriver.SigningKey(context)
	if err != nil {
		return nil, err
	}
	defer SecureWipe(key)

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyHash reports whether digest matches Hash(data, context), using a
// constant-time comparison.
func (c *Cipher) VerifyHash(data, digest []byte, context string) (bool, error) {
	expected, err := c.hash(data, context)
	emitAudit(c.sink, "verify_hash", context, "", outcomeOf(err))
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, digest), nil
}

// cachedGCM returns the GCM instance for a key, constructing and caching it
// on first use. The cache key is the key fingerprint, never the key itself.
func (c *Cipher) cachedGCM(key []byte) (cipher.AEAD, error) {
	fingerprint := KeyFingerprint(key)

	c.cacheMu.RLock()
	if gcm, ok := c.gcmCache[fingerprint]; ok {
		c.cacheMu.RUnlock()
		return gcm, nil
	}
	c.cacheMu.RUnlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeInvalidKey, "failed to create AES cipher")
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeySize, richErr)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeInvalidKey, "failed to create GCM")
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeySize, richErr)
	}

	c.cacheMu.Lock()
	c.gcmCache[fingerprint] = gcm
	c.cacheMu.Unlock()
	return gcm, nil
}
