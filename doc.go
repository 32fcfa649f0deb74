// Package kluis provides key management and authenticated encryption for
// applications handling regulated personal data.
//
// The package covers:
//   - AES-256-GCM authenticated encryption with versioned envelopes and
//     cipher caching
//   - HKDF-SHA256 context key derivation from a stored master secret, with
//     separate encryption and signing key trees
//   - PBKDF2-SHA256 and Argon2id password-based key derivation
//   - Key lifecycle management: generation, rotation with grace periods,
//     expiry tracking, and Shamir secret-sharing escrow
//   - A guard for Dutch citizen service numbers (BSN) with checksum
//     validation before encryption and after decryption
//   - Streaming encryption for large document payloads
//   - Cryptographically secure random generation, secure memory wiping,
//     and buffer pooling
//
// # Quick Start
//
// The Engine wires all components together around a SecureStore:
//
//	store := kluis.NewMemoryStore()
//	engine, err := kluis.New(ctx, store)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	envelope, err := engine.Cipher().Encrypt("sensitive data", "doc:user42")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	plaintext, err := engine.Cipher().Decrypt(envelope, "doc:user42")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Every context string derives an independent key, so an envelope sealed
// under one context never opens under another.
//
// # Error Handling
//
// Failures wrap a public sentinel (ErrIntegrity, ErrValidation, ...) that
// callers classify with errors.Is, together with a machine-readable code
// from github.com/agilira/go-errors.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0
package kluis
