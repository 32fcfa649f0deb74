// guard.go: Special-category data guard for Dutch citizen service numbers.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"fmt"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// guardFormatTag prefixes envelopes produced by the guard, so protected
// values are distinguishable from legacy/unversioned strings at a glance.
const guardFormatTag = "scd.v1"

// guardContextPrefix is the reserved context namespace for special-category
// data. No other component derives keys under it.
const guardContextPrefix = "special-category:"

// bsnLength is the fixed length of a citizen service number.
const bsnLength = 9

// CitizenIDGuard gates all access to citizen service numbers (BSN): values
// are checksum-validated before encryption and re-validated after
// decryption, encrypted under a per-subject reserved context, and exposed to
// UIs and logs only through Mask and AuditDigest.
type CitizenIDGuard struct {
	cipher *Cipher
	sink   AuditSink
}

// NewCitizenIDGuard creates a guard over an authenticated cipher.
func NewCitizenIDGuard(cipher *Cipher, sink AuditSink) *CitizenIDGuard {
	return &CitizenIDGuard{cipher: cipher, sink: sink}
}

// Validate reports whether a raw value is a well-formed citizen service
// number. Formatting characters (spaces, dots, dashes) are stripped; the
// value must then be exactly nine digits and pass the elfproef:
//
//	(9·d1 + 8·d2 + ... + 2·d8) mod 11
//
// A remainder of 10 can never match a check digit and marks the number
// invalid outright; otherwise the remainder must equal the ninth digit.
// Malformed input returns false, never an error.
func (g *CitizenIDGuard) Validate(rawValue string) bool {
	digits, ok := normalizeBSN(rawValue)
	if !ok {
		return false
	}
	return elfproef(digits)
}

// Protect validates and encrypts a citizen service number for a subject.
// The ciphertext context is "special-category:<subjectID>", so values
// protected for one subject never decrypt under another.
func (g *CitizenIDGuard) Protect(rawValue, subjectID string) (string, error) {
	digits, ok := normalizeBSN(rawValue)
	if !ok || !elfproef(digits) {
		emitAudit(g.sink, "scd.protect", guardContextPrefix+subjectID, "", OutcomeFailure)
		richErr := goerrors.New(ErrCodeValidation, "value failed citizen service number validation")
		return "", fmt.Errorf("%w: %w", ErrValidation, richErr)
	}
	defer Zeroize(digits)

	envelope, err := g.cipher.EncryptBytes(digits, guardContextPrefix+subjectID)
	if err != nil {
		emitAudit(g.sink, "scd.protect", guardContextPrefix+subjectID, "", OutcomeFailure)
		return "", err
	}

	emitAudit(g.sink, "scd.protect", guardContextPrefix+subjectID, "", OutcomeSuccess)
	return guardFormatTag + ":" + envelope, nil
}

// Reveal decrypts a protected value and re-validates its checksum before
// release. A decrypted value that fails the elfproef indicates storage
// corruption or a downgrade attack and fails with ErrPostDecryptValidation.
func (g *CitizenIDGuard) Reveal(protected, subjectID string) (string, error) {
	value, err := g.reveal(protected, subjectID)
	emitAudit(g.sink, "scd.reveal", guardContextPrefix+subjectID, "", outcomeOf(err))
	return value, err
}

func (g *CitizenIDGuard) reveal(protected, subjectID string) (string, error) {
	tag, envelope, found := strings.Cut(protected, ":")
	if !found || tag != guardFormatTag {
		richErr := goerrors.New(ErrCodeFormat, fmt.Sprintf("unknown guard format tag %q", tag))
		return "", fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}

	digits, err := g.cipher.DecryptBytes(envelope, guardContextPrefix+subjectID)
	if err != nil {
		return "", err
	}

	if len(digits) != bsnLength || !elfproef(digits) {
		SecureWipe(digits)
		richErr := goerrors.New(ErrCodePostDecrypt,
			"decrypted value failed checksum re-validation")
		return "", fmt.Errorf("%w: %w", ErrPostDecryptValidation, richErr)
	}
	return string(digits), nil
}

// Mask returns a partially redacted display form: the first three and last
// two characters visible, the rest replaced by asterisks. No decryption is
// performed; callers pass the raw value they already hold. Values too short
// to mask meaningfully are fully redacted.
func (g *CitizenIDGuard) Mask(rawValue string) string {
	digits, ok := normalizeBSN(rawValue)
	if !ok {
		return strings.Repeat("*", bsnLength)
	}
	return string(digits[:3]) + strings.Repeat("*", bsnLength-5) + string(digits[bsnLength-2:])
}

// AuditDigest returns a one-way HMAC token for a citizen service number,
// suitable for correlating records across logs without revealing the value.
// The digest uses a signing key from the guard's reserved context, disjoint
// from all encryption keys.
func (g *CitizenIDGuard) AuditDigest(rawValue string) (string, error) {
	digits, ok := normalizeBSN(rawValue)
	if !ok {
		richErr := goerrors.New(ErrCodeValidation, "value is not a well-formed citizen service number")
		return "", fmt.Errorf("%w: %w", ErrValidation, richErr)
	}
	defer Zeroize(digits)

	digest, err := g.cipher.Hash(digits, guardContextPrefix+"audit-digest")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", digest), nil
}

// normalizeBSN strips formatting characters and checks the fixed length.
// It returns the bare digit bytes and whether the value is well formed.
func normalizeBSN(rawValue string) ([]byte, bool) {
	digits := make([]byte, 0, bsnLength)
	for _, r := range rawValue {
		switch {
		case r >= '0' && r <= '9':
			if len(digits) == bsnLength {
				return nil, false
			}
			digits = append(digits, byte(r))
		case r == ' ' || r == '.' || r == '-':
			// Formatting characters are tolerated and stripped.
		default:
			return nil, false
		}
	}
	if len(digits) != bsnLength {
		return nil, false
	}
	return digits, true
}

// elfproef runs the mod-11 weighted checksum over nine digit bytes. The
// first eight digits carry descending weights 9..2; a remainder of 10 is the
// invalid sentinel, otherwise the remainder must equal the check digit.
func elfproef(digits []byte) bool {
	sum := 0
	for i := 0; i < bsnLength-1; i++ {
		sum += int(digits[i]-'0') * (bsnLength - i)
	}
	if sum == 0 {
		// All-zero body: arithmetically self-consistent but not a number
		// that is ever issued.
		return false
	}
	remainder := sum % 11
	if remainder == 10 {
		return false
	}
	return remainder == int(digits[bsnLength-1]-'0')
}
