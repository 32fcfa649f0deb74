// errors.go: Sentinel errors and error codes for the kluis engine.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import "errors"

// Public sentinel errors. Callers classify failures with errors.Is;
// richer machine-readable detail travels alongside via go-errors codes.
var (
	// ErrInitialization is returned when the secure store is unavailable
	// and the master secret can neither be loaded nor generated.
	ErrInitialization = errors.New("kluis: initialization failed")

	// ErrValidation is returned when an input value fails the domain
	// checksum before encryption is ever attempted.
	ErrValidation = errors.New("kluis: validation failed")

	// ErrUnsupportedFormat is returned when an envelope carries an unknown
	// format tag. The tag is checked before any cryptographic operation.
	ErrUnsupportedFormat = errors.New("kluis: unsupported envelope format")

	// ErrIntegrity is returned when GCM tag verification fails. No partial
	// plaintext is ever released; the operation fails closed.
	ErrIntegrity = errors.New("kluis: integrity check failed")

	// ErrWeakParameter is returned when a salt, iteration count, or key
	// length falls below the engine's security policy.
	ErrWeakParameter = errors.New("kluis: parameter below security policy")

	// ErrInsufficientShares is returned when escrow recovery is attempted
	// with fewer distinct shares than the escrow threshold.
	ErrInsufficientShares = errors.New("kluis: insufficient escrow shares")

	// ErrKeyNotFound is returned when a key identifier resolves to no
	// managed key, or the key has been destroyed.
	ErrKeyNotFound = errors.New("kluis: key not found")

	// ErrPostDecryptValidation is returned when a decrypted value fails the
	// domain checksum, indicating corruption or a downgrade attack.
	ErrPostDecryptValidation = errors.New("kluis: post-decrypt validation failed")

	// ErrInvalidKeySize is returned when key material is not exactly
	// KeySize bytes.
	ErrInvalidKeySize = errors.New("kluis: invalid key size")

	// ErrNonceGen is returned when the system CSPRNG fails.
	ErrNonceGen = errors.New("kluis: nonce generation error")

	// ErrBase64Decode is returned when an envelope body is not valid base64.
	ErrBase64Decode = errors.New("kluis: base64 decode error")

	// ErrCiphertextShort is returned when an envelope body is too short to
	// contain a nonce and an authentication tag.
	ErrCiphertextShort = errors.New("kluis: ciphertext too short")
)

// Error codes for rich error handling via github.com/agilira/go-errors.
const (
	ErrCodeInitialization   = "KLUIS_INIT"
	ErrCodeValidation       = "KLUIS_VALIDATION"
	ErrCodeFormat           = "KLUIS_FORMAT"
	ErrCodeIntegrity        = "KLUIS_INTEGRITY"
	ErrCodeWeakParameter    = "KLUIS_WEAK_PARAMETER"
	ErrCodeShares           = "KLUIS_SHARES"
	ErrCodeKeyNotFound      = "KLUIS_KEY_NOT_FOUND"
	ErrCodePostDecrypt      = "KLUIS_POST_DECRYPT"
	ErrCodeInvalidKey       = "KLUIS_INVALID_KEY"
	ErrCodeNonceGen         = "KLUIS_NONCE_GEN"
	ErrCodeBase64Decode     = "KLUIS_BASE64_DECODE"
	ErrCodeCiphertextShort  = "KLUIS_CIPHERTEXT_SHORT"
	ErrCodeKeyGeneration    = "KLUIS_KEY_GENERATION"
	ErrCodeKeyRotation      = "KLUIS_KEY_ROTATION"
	ErrCodeStore            = "KLUIS_STORE"
	ErrCodeEscrow           = "KLUIS_ESCROW"
)
