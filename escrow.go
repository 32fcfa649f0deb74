// escrow.go: Shamir secret-sharing escrow and quorum recovery.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/corvus-ch/shamir"
	"github.com/google/uuid"
)

// EscrowShare is one trustee's share of an escrowed key: an x-coordinate and
// the share value. Any subset of shares below the escrow threshold carries
// zero information about the key (information-theoretic Shamir property).
type EscrowShare struct {
	Index byte   `json:"index"`
	Value []byte `json:"value"`
}

// EscrowRecord is the result of splitting a key for escrow. Shares are
// returned once, for distribution to trustees; they are NOT persisted —
// only the metadata (threshold, trustees, fingerprint) is written to the
// secure store.
type EscrowRecord struct {
	ID        string        `json:"id"`
	KeyID     string        `json:"key_id"`
	Shares    []EscrowShare `json:"shares,omitempty"`
	Threshold int           `json:"threshold"`
	Trustees  []string      `json:"trustees"`
	CreatedAt time.Time     `json:"created_at"`
}

// escrowMetadata is the persisted form of an escrow: everything except the
// share values.
type escrowMetadata struct {
	ID          string    `json:"id"`
	KeyID       string    `json:"key_id"`
	ShareCount  int       `json:"share_count"`
	Threshold   int       `json:"threshold"`
	Trustees    []string  `json:"trustees"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

func escrowStoreKey(keyID string) string {
	return "kluis/escrow/" + keyID
}

// SetupEscrow splits a managed key's material into shares such that any
// threshold of them reconstructs it and any fewer reveal nothing. Escrow
// metadata is persisted to the secure store; if that write fails the escrow
// is not established and no shares are returned.
func (m *KeyManager) SetupEscrow(ctx context.Context, keyID string, shares, threshold int, trustees []string) (*EscrowRecord, error) {
	record, err := m.setupEscrow(ctx, keyID, shares, threshold, trustees)
	emitAudit(m.sink, "escrow.setup", "", keyID, outcomeOf(err))
	return record, err
}

func (m *KeyManager) setupEscrow(ctx context.Context, keyID string, shares, threshold int, trustees []string) (*EscrowRecord, error) {
	if shares <= 0 {
		shares = m.policy.EscrowShares
	}
	if threshold <= 0 {
		threshold = m.policy.EscrowThreshold
	}
	if threshold < 2 || threshold > shares || shares > 255 {
		richErr := goerrors.New(ErrCodeWeakParameter,
			fmt.Sprintf("invalid escrow parameters: %d shares, threshold %d", shares, threshold))
		return nil, fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}
	if len(trustees) != 0 && len(trustees) != shares {
		richErr := goerrors.New(ErrCodeEscrow,
			fmt.Sprintf("trustee count %d does not match share count %d", len(trustees), shares))
		return nil, fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok || len(key.Key) == 0 {
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key %s not found", keyID))
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	}

	parts, err := shamir.Split(key.Key, shares, threshold)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeEscrow, "secret split failed")
		return nil, fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}

	record := &EscrowRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		KeyID:     keyID,
		Shares:    orderShares(parts),
		Threshold: threshold,
		Trustees:  trustees,
		CreatedAt: timecache.CachedTime().UTC(),
	}

	meta := &escrowMetadata{
		ID:          record.ID,
		KeyID:       keyID,
		ShareCount:  shares,
		Threshold:   threshold,
		Trustees:    trustees,
		Fingerprint: key.Fingerprint(),
		CreatedAt:   record.CreatedAt,
	}
	if err := m.persistEscrow(ctx, meta); err != nil {
		// Failed persistence leaves no escrow state behind: shares are
		// wiped and the prior (non-escrowed) state remains observable.
		for _, share := range record.Shares {
			SecureWipe(share.Value)
		}
		return nil, err
	}

	m.escrows[keyID] = meta
	return record, nil
}

func (m *KeyManager) persistEscrow(ctx context.Context, meta *escrowMetadata) error {
	if m.store == nil {
		richErr := goerrors.New(ErrCodeStore, "secure store is not configured")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeEscrow, "escrow metadata marshal failed")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	if err := m.store.Write(ctx, escrowStoreKey(meta.KeyID), raw); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeStore, "escrow metadata write failed")
		return fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	return nil
}

// RecoverFromEscrow reconstructs key material from trustee shares. It fails
// with ErrInsufficientShares when fewer than threshold distinct shares are
// provided, and with ErrIntegrity when the reconstruction's fingerprint does
// not match the escrowed key's recorded fingerprint (corrupted or forged
// shares).
func (m *KeyManager) RecoverFromEscrow(ctx context.Context, keyID string, provided []EscrowShare) ([]byte, error) {
	material, err := m.recoverFromEscrow(ctx, keyID, provided)
	emitAudit(m.sink, "escrow.recover", "", keyID, outcomeOf(err))
	return material, err
}

func (m *KeyManager) recoverFromEscrow(ctx context.Context, keyID string, provided []EscrowShare) ([]byte, error) {
	meta, err := m.escrowFor(ctx, keyID)
	if err != nil {
		return nil, err
	}

	parts := make(map[byte][]byte, len(provided))
	for _, share := range provided {
		parts[share.Index] = share.Value
	}
	if len(parts) < meta.Threshold {
		richErr := goerrors.New(ErrCodeShares,
			fmt.Sprintf("got %d distinct shares, threshold is %d", len(parts), meta.Threshold))
		return nil, fmt.Errorf("%w: %w", ErrInsufficientShares, richErr)
	}

	material, err := shamir.Combine(parts)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeEscrow, "secret reconstruction failed")
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, richErr)
	}

	// Cross-check against the original key's fingerprint before trusting
	// the result. Catches corrupted shares, which Shamir reconstruction
	// cannot detect on its own.
	if meta.Fingerprint != "" && KeyFingerprint(material) != meta.Fingerprint {
		SecureWipe(material)
		richErr := goerrors.New(ErrCodeIntegrity, "reconstructed key fingerprint mismatch")
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, richErr)
	}
	return material, nil
}

// escrowFor resolves escrow metadata for a key, falling back to the secure
// store when the in-memory record is absent (e.g. after a restart).
func (m *KeyManager) escrowFor(ctx context.Context, keyID string) (*escrowMetadata, error) {
	m.mu.RLock()
	meta, ok := m.escrows[keyID]
	m.mu.RUnlock()
	if ok {
		return meta, nil
	}

	if m.store != nil {
		raw, err := m.store.Read(ctx, escrowStoreKey(keyID))
		if err == nil && raw != nil {
			loaded := &escrowMetadata{}
			if err := json.Unmarshal(raw, loaded); err == nil {
				m.mu.Lock()
				m.escrows[keyID] = loaded
				m.mu.Unlock()
				return loaded, nil
			}
		}
	}

	richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("no escrow for key %s", keyID))
	return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
}

// RevokeEscrow removes an escrow record. Outstanding trustee shares become
// unusable for recovery through this engine (the metadata, including the
// verification fingerprint, is deleted).
func (m *KeyManager) RevokeEscrow(ctx context.Context, keyID string) error {
	err := m.revokeEscrow(ctx, keyID)
	emitAudit(m.sink, "escrow.revoke", "", keyID, outcomeOf(err))
	return err
}

func (m *KeyManager) revokeEscrow(ctx context.Context, keyID string) error {
	if _, err := m.escrowFor(ctx, keyID); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, escrowStoreKey(keyID)); err != nil {
			richErr := goerrors.Wrap(err, ErrCodeStore, "escrow metadata delete failed")
			return fmt.Errorf("%w: %w", ErrInitialization, richErr)
		}
	}

	m.mu.Lock()
	delete(m.escrows, keyID)
	m.mu.Unlock()
	return nil
}

// orderShares converts the Shamir share map into an index-ordered slice.
func orderShares(parts map[byte][]byte) []EscrowShare {
	shares := make([]EscrowShare, 0, len(parts))
	for index, value := range parts {
		shares = append(shares, EscrowShare{Index: index, Value: value})
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })
	return shares
}
