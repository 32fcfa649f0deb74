// envelope.go: Versioned wire format for encrypted values.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"encoding/base64"
	"fmt"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// formatTag identifies the current envelope format:
//
//	kluis.v1:<base64(nonce(12B) || ciphertext || tag(16B))>
//
// The tag is validated before any cryptographic operation; unknown tags are
// rejected, never guessed. Consumers persisting envelopes must treat them as
// opaque strings.
const formatTag = "kluis.v1"

// gcmTagSize is the GCM authentication tag size in bytes (128 bits).
const gcmTagSize = 16

// sealEnvelope assembles the wire form from nonce and sealed ciphertext
// (ciphertext already carries the trailing authentication tag).
func sealEnvelope(nonce, sealed []byte) string {
	body := make([]byte, 0, len(nonce)+len(sealed))
	body = append(body, nonce...)
	body = append(body, sealed...)
	return formatTag + ":" + base64.StdEncoding.EncodeToString(body)
}

// openEnvelope validates the format tag and splits the body into nonce and
// sealed ciphertext. No cryptographic work happens here.
func openEnvelope(envelope string) (nonce, sealed []byte, err error) {
	tag, encoded, found := strings.Cut(envelope, ":")
	if !found || tag != formatTag {
		richErr := goerrors.New(ErrCodeFormat, fmt.Sprintf("unknown envelope format tag %q", tag))
		return nil, nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}

	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeBase64Decode, "failed to decode envelope body")
		return nil, nil, fmt.Errorf("%w: %w", ErrBase64Decode, richErr)
	}
	if len(body) < NonceSize+gcmTagSize {
		richErr := goerrors.New(ErrCodeCiphertextShort,
			fmt.Sprintf("envelope body too short: %d bytes", len(body)))
		return nil, nil, fmt.Errorf("%w: %w", ErrCiphertextShort, richErr)
	}

	return body[:NonceSize], body[NonceSize:], nil
}
