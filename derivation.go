// derivation.go: Master-secret lifecycle and context-separated key derivation.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"golang.org/x/crypto/hkdf"
)

// masterSecretStoreKey is where the wrapped master-secret record lives in the
// platform secure store. The store is responsible for at-rest protection.
const masterSecretStoreKey = "kluis/master-secret"

// Derivation purpose labels. A derived key serves exactly one purpose:
// encryption keys and signing keys come from disjoint HKDF info strings and
// are computationally unlinkable.
const (
	labelEncryption = "enc"
	labelSigning    = "sig"
)

// masterSecretRecord is the persisted form of the master secret. JSON keeps
// the record self-describing across engine versions; the secret field is
// base64 via encoding/json's []byte handling.
type masterSecretRecord struct {
	Epoch     int       `json:"epoch"`
	Secret    []byte    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyDeriver owns the master secret and derives purpose-specific keys from
// (master secret, context, purpose label, epoch) with HKDF-SHA256.
//
// Derivation is deterministic: the same context always yields the same key
// for a given master-secret epoch, so derived keys are never persisted and
// are recomputed on demand. Two different contexts yield independent keys.
//
// The master secret itself is never logged, exported, or included in any
// audit payload.
type KeyDeriver struct {
	mu    sync.RWMutex
	store SecureStore
	sink  AuditSink

	secret []byte
	epoch  int

	// Previous epoch, retained in process memory only, so callers can lazily
	// re-encrypt after RotateMasterSecret. Dropped on the next rotation and
	// on Close.
	prevSecret []byte
	prevEpoch  int

	initialized bool
}

// NewKeyDeriver creates a deriver bound to a secure store and an audit sink.
// Initialize must be called before any derivation.
func NewKeyDeriver(store SecureStore, sink AuditSink) *KeyDeriver {
	return &KeyDeriver{store: store, sink: sink}
}

// Initialize loads the master secret from the secure store, generating and
// persisting a fresh one on first run. It fails with ErrInitialization when
// the store is unavailable.
func (d *KeyDeriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}
	if d.store == nil {
		richErr := goerrors.New(ErrCodeInitialization, "secure store is not configured")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}

	raw, err := d.store.Read(ctx, masterSecretStoreKey)
	if err != nil {
		emitAudit(d.sink, "master_secret.load", "", "", OutcomeFailure)
		richErr := goerrors.Wrap(err, ErrCodeInitialization, "secure store read failed")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}

	if raw == nil {
		if err := d.generateAndPersistLocked(ctx, 1); err != nil {
			return err
		}
		emitAudit(d.sink, "master_secret.generate", "", "", OutcomeSuccess)
		d.initialized = true
		return nil
	}

	var record masterSecretRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		emitAudit(d.sink, "master_secret.load", "", "", OutcomeFailure)
		richErr := goerrors.Wrap(err, ErrCodeInitialization, "master secret record is corrupt")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	if len(record.Secret) != KeySize {
		emitAudit(d.sink, "master_secret.load", "", "", OutcomeFailure)
		richErr := goerrors.New(ErrCodeInitialization,
			fmt.Sprintf("master secret has invalid size %d", len(record.Secret)))
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}

	d.secret = record.Secret
	d.epoch = record.Epoch
	d.initialized = true
	emitAudit(d.sink, "master_secret.load", "", "", OutcomeSuccess)
	return nil
}

// generateAndPersistLocked creates a new master secret for the given epoch
// and writes it to the store before adopting it, so a failed write leaves
// the prior state intact.
func (d *KeyDeriver) generateAndPersistLocked(ctx context.Context, epoch int) error {
	secret, err := GenerateKey()
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeInitialization, "master secret generation failed")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}

	record := masterSecretRecord{
		Epoch:     epoch,
		Secret:    secret,
		CreatedAt: timecache.CachedTime().UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		SecureWipe(secret)
		richErr := goerrors.Wrap(err, ErrCodeInitialization, "master secret record marshal failed")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	if err := d.store.Write(ctx, masterSecretStoreKey, raw); err != nil {
		SecureWipe(secret)
		Zeroize(raw)
		richErr := goerrors.Wrap(err, ErrCodeInitialization, "secure store write failed")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	Zeroize(raw)

	if d.secret != nil {
		// Keep exactly one previous epoch for lazy re-encryption.
		if d.prevSecret != nil {
			SecureWipe(d.prevSecret)
		}
		d.prevSecret = d.secret
		d.prevEpoch = d.epoch
	}
	d.secret = secret
	d.epoch = epoch
	return nil
}

// RotateMasterSecret generates a new master secret under the next derivation
// epoch and persists it. Existing ciphertexts are NOT re-encrypted: keys of
// the previous epoch stay derivable in this process until the next rotation,
// and callers are expected to re-encrypt lazily during that window.
func (d *KeyDeriver) RotateMasterSecret(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.requireInitLocked(); err != nil {
		return err
	}
	if err := d.generateAndPersistLocked(ctx, d.epoch+1); err != nil {
		emitAudit(d.sink, "master_secret.rotate", "", "", OutcomeFailure)
		return err
	}
	emitAudit(d.sink, "master_secret.rotate", "", "epoch:"+strconv.Itoa(d.epoch), OutcomeSuccess)
	return nil
}

// EncryptionKey derives the current-epoch encryption key for a context.
func (d *KeyDeriver) EncryptionKey(context string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.requireInitLocked(); err != nil {
		return nil, err
	}
	return deriveContextKey(d.secret, labelEncryption, d.epoch, context)
}

// SigningKey derives the current-epoch signing key for a context. Signing
// keys are disjoint from encryption keys: the same context never yields a
// key that serves both purposes.
func (d *KeyDeriver) SigningKey(context string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.requireInitLocked(); err != nil {
		return nil, err
	}
	return deriveContextKey(d.secret, labelSigning, d.epoch, context)
}

// previousEncryptionKey derives the prior-epoch encryption key for a context
// when a rotation migration window is open. The second return reports
// whether a previous epoch is available.
func (d *KeyDeriver) previousEncryptionKey(context string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.prevSecret == nil {
		return nil, false, nil
	}
	key, err := deriveContextKey(d.prevSecret, labelEncryption, d.prevEpoch, context)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// Epoch returns the current derivation epoch.
func (d *KeyDeriver) Epoch() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.epoch
}

// Close wipes the master secret and any retained previous epoch from memory.
// The deriver is unusable afterwards.
func (d *KeyDeriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.secret != nil {
		SecureWipe(d.secret)
		d.secret = nil
	}
	if d.prevSecret != nil {
		SecureWipe(d.prevSecret)
		d.prevSecret = nil
	}
	d.initialized = false
}

func (d *KeyDeriver) requireInitLocked() error {
	if !d.initialized {
		richErr := goerrors.New(ErrCodeInitialization, "key deriver is not initialized")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	return nil
}

// deriveContextKey runs HKDF-SHA256 over the master secret with an info
// string binding purpose label, epoch, and caller context.
func deriveContextKey(secret []byte, label string, epoch int, context string) ([]byte, error) {
	info := []byte(formatTag + "|" + label + "|epoch:" + strconv.Itoa(epoch) + "|" + context)
	reader := hkdf.New(sha256.New, secret, nil, info)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeKeyGeneration, "HKDF expansion failed")
		return nil, fmt.Errorf("%w: %w", ErrNonceGen, richErr)
	}
	return key, nil
}
