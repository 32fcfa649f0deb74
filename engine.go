// engine.go: Engine facade wiring derivation, encryption, lifecycle, and guard.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import "context"

// Engine is the single stable surface of the key management and
// authenticated encryption engine. It owns a KeyDeriver (master-secret
// lifecycle), a Cipher (authenticated encryption and keyed hashing), a
// KeyManager (managed key lifecycle and escrow), and a CitizenIDGuard
// (special-category data protection), all sharing one secure store and one
// audit sink.
//
// Engines are explicitly constructed and independently disposable: tests
// instantiate isolated engines over in-memory collaborators, and teardown is
// Close, not process exit.
type Engine struct {
	store  SecureStore
	sink   AuditSink
	policy Policy

	deriver *KeyDeriver
	cipher  *Cipher
	keys    *KeyManager
	guard   *CitizenIDGuard
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithAuditSink routes the engine's audit events to sink. Without it the
// engine runs silently (emission is always best-effort).
func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithPolicy overrides the default security policy. Zero fields keep their
// defaults.
func WithPolicy(policy Policy) Option {
	return func(e *Engine) { e.policy = policy }
}

// New constructs an engine over a secure store and initializes the master
// secret (loading it, or generating and persisting one on first run). It
// fails with ErrInitialization when the store is nil or unavailable.
func New(ctx context.Context, store SecureStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:  store,
		policy: DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.deriver = NewKeyDeriver(store, e.sink)
	if err := e.deriver.Initialize(ctx); err != nil {
		return nil, err
	}

	e.cipher = NewCipher(e.deriver, e.sink)
	e.keys = NewKeyManager(e.policy, store, e.sink)
	e.guard = NewCitizenIDGuard(e.cipher, e.sink)
	return e, nil
}

// Cipher returns the authenticated encryption component.
func (e *Engine) Cipher() *Cipher { return e.cipher }

// Keys returns the key lifecycle manager.
func (e *Engine) Keys() *KeyManager { return e.keys }

// Guard returns the special-category data guard.
func (e *Engine) Guard() *CitizenIDGuard { return e.guard }

// Deriver returns the key derivation component.
func (e *Engine) Deriver() *KeyDeriver { return e.deriver }

// Policy returns the engine's effective security policy.
func (e *Engine) Policy() Policy { return e.keys.Policy() }

// RotateMasterSecret advances the derivation epoch. Existing ciphertexts are
// not re-encrypted; they remain decryptable through the in-process previous
// epoch until the next rotation or Close, and callers must re-encrypt them
// under the new epoch during that window.
func (e *Engine) RotateMasterSecret(ctx context.Context) error {
	return e.deriver.RotateMasterSecret(ctx)
}

// Close wipes the master secret and retained epochs from memory. The engine
// is unusable afterwards.
func (e *Engine) Close() error {
	e.deriver.Close()
	return nil
}
