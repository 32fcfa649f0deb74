// lifecycle.go: Managed key records, rotation, expiry, and usage policy.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KeyType classifies managed key material.
type KeyType string

const (
	KeyTypeSymmetric KeyType = "symmetric" // AES-256 material
	KeyTypeHMAC      KeyType = "hmac"      // HMAC-SHA-256 material
	KeyTypeDerived   KeyType = "derived"   // KDF output (password-based)
)

// KeyUsage defines what a key may be used for.
type KeyUsage string

const (
	UsageEncrypt KeyUsage = "encrypt"
	UsageDecrypt KeyUsage = "decrypt"
	UsageSign    KeyUsage = "sign"
	UsageVerify  KeyUsage = "verify"
)

// KeyStatus is the lifecycle state of a key version.
//
// Active -> (rotation) -> Superseded -> (grace elapsed) -> Destroyed
// Active -> Expired when past the validity window.
type KeyStatus string

const (
	StatusActive     KeyStatus = "active"
	StatusSuperseded KeyStatus = "superseded"
	StatusExpired    KeyStatus = "expired"
	StatusDestroyed  KeyStatus = "destroyed"
)

// RotationRecord documents one rotation in a key's history.
type RotationRecord struct {
	PreviousVersion int       `json:"previous_version"`
	RotatedAt       time.Time `json:"rotated_at"`
	Reason          string    `json:"reason,omitempty"`
}

// SecureKey is a managed key record. Records are never mutated in place:
// rotation produces a new version and the old version is retained or
// scheduled for destruction per policy.
type SecureKey struct {
	ID        string           `json:"id"`
	Type      KeyType          `json:"type"`
	Usage     []KeyUsage       `json:"usage"`
	Key       []byte           `json:"-"` // key material, never serialized
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	Version   int              `json:"version"`
	Status    KeyStatus        `json:"status"`
	History   []RotationRecord `json:"history,omitempty"`
}

// Fingerprint returns the key material's fingerprint, or "" for a destroyed key.
func (k *SecureKey) Fingerprint() string {
	return KeyFingerprint(k.Key)
}

// expired reports whether the key is past its validity window at now.
func (k *SecureKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Policy holds the engine's tunable security parameters. Zero values are
// replaced by the defaults below; callers own where these come from.
type Policy struct {
	// MinIterations is the lowest accepted PBKDF2 iteration count.
	MinIterations int

	// KeyLength is the default key length in bytes.
	KeyLength int

	// RotationMaxAge is the age at which a key counts as needing rotation.
	RotationMaxAge time.Duration

	// GracePeriod is how long a superseded version survives after a
	// rotation that preserves it, supporting lazy re-encryption.
	GracePeriod time.Duration

	// EscrowShares and EscrowThreshold are the default Shamir parameters.
	EscrowShares    int
	EscrowThreshold int
}

// DefaultPolicy returns the engine defaults: 100,000 PBKDF2 iterations,
// 32-byte keys, 90-day rotation age, 7-day rotation grace, 3-of-5 escrow.
func DefaultPolicy() Policy {
	return Policy{
		MinIterations:   100_000,
		KeyLength:       KeySize,
		RotationMaxAge:  90 * 24 * time.Hour,
		GracePeriod:     7 * 24 * time.Hour,
		EscrowShares:    5,
		EscrowThreshold: 3,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MinIterations <= 0 {
		p.MinIterations = def.MinIterations
	}
	if p.KeyLength <= 0 {
		p.KeyLength = def.KeyLength
	}
	if p.RotationMaxAge <= 0 {
		p.RotationMaxAge = def.RotationMaxAge
	}
	if p.GracePeriod <= 0 {
		p.GracePeriod = def.GracePeriod
	}
	if p.EscrowShares <= 0 {
		p.EscrowShares = def.EscrowShares
	}
	if p.EscrowThreshold <= 0 {
		p.EscrowThreshold = def.EscrowThreshold
	}
	return p
}

// RotationResult reports the version transition of a completed rotation.
type RotationResult struct {
	KeyID      string
	OldVersion int
	NewVersion int
}

// supersededVersion is an old key version awaiting destruction.
type supersededVersion struct {
	key       *SecureKey
	destroyAt time.Time
}

// StatusReport summarizes the managed key population.
type StatusReport struct {
	TotalKeys       int
	Active          int
	Expired         int
	NeedingRotation int
	EscrowedCount   int
}

// KeyManager owns the lifecycle of managed keys: generation, password-based
// derivation, rotation with version history, expiry, and Shamir escrow
// (escrow.go). All mutations are serialized under one mutex, so concurrent
// rotations of the same key cannot produce divergent latest versions, and
// readers observe either the pre- or post-rotation key, never a partial one.
type KeyManager struct {
	mu     sync.RWMutex
	policy Policy
	sink   AuditSink
	store  SecureStore

	keys       map[string]*SecureKey          // latest version per key ID
	superseded map[string][]*supersededVersion // retained old versions per key ID
	escrows    map[string]*escrowMetadata      // active escrow per key ID
}

// NewKeyManager creates a manager with the given policy. The store persists
// escrow metadata; the sink receives audit events.
func NewKeyManager(policy Policy, store SecureStore, sink AuditSink) *KeyManager {
	return &KeyManager{
		policy:     policy.withDefaults(),
		sink:       sink,
		store:      store,
		keys:       make(map[string]*SecureKey),
		superseded: make(map[string][]*supersededVersion),
		escrows:    make(map[string]*escrowMetadata),
	}
}

// Policy returns the manager's effective policy.
func (m *KeyManager) Policy() Policy {
	return m.policy
}

// GenerateKey creates a fresh random key of the given type and usage.
// A zero length uses the policy default; a zero validity never expires.
func (m *KeyManager) GenerateKey(keyType KeyType, usage []KeyUsage, length int, validity time.Duration) (*SecureKey, error) {
	if length <= 0 {
		length = m.policy.KeyLength
	}

	material, err := randomBytes(length, "key")
	if err != nil {
		emitAudit(m.sink, "key.generate", "", "", OutcomeFailure)
		return nil, err
	}

	now := timecache.CachedTime().UTC()
	key := &SecureKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      keyType,
		Usage:     usage,
		Key:       material,
		CreatedAt: now,
		Version:   1,
		Status:    StatusActive,
	}
	if validity > 0 {
		expires := now.Add(validity)
		key.ExpiresAt = &expires
	}

	m.mu.Lock()
	m.keys[key.ID] = key
	m.mu.Unlock()

	emitAudit(m.sink, "key.generate", "", key.ID, OutcomeSuccess)
	return key, nil
}

// DeriveKey derives a managed key from a password using PBKDF2-HMAC-SHA-256.
// Salts shorter than SaltSize bytes and iteration counts below the policy
// minimum are rejected with ErrWeakParameter.
func (m *KeyManager) DeriveKey(password, salt []byte, iterations, length int) (*SecureKey, error) {
	if err := m.checkDerivationParams(salt, iterations, length); err != nil {
		emitAudit(m.sink, "key.derive", "", "", OutcomeFailure)
		return nil, err
	}
	if length <= 0 {
		length = m.policy.KeyLength
	}

	material := pbkdf2.Key(password, salt, iterations, length, sha256.New)
	key := m.adoptDerived(material)
	emitAudit(m.sink, "key.derive", "", key.ID, OutcomeSuccess)
	return key, nil
}

// DeriveKeyArgon2 derives a managed key from a password using Argon2id with
// time=3, memory=64MB, threads=4. Argon2id is the recommended path for new
// password-based keys; DeriveKey (PBKDF2) remains for interoperability.
func (m *KeyManager) DeriveKeyArgon2(password, salt []byte, length int) (*SecureKey, error) {
	if len(salt) < SaltSize {
		emitAudit(m.sink, "key.derive", "", "", OutcomeFailure)
		richErr := goerrors.New(ErrCodeWeakParameter,
			fmt.Sprintf("salt must be at least %d bytes, got %d", SaltSize, len(salt)))
		return nil, fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}
	if length <= 0 {
		length = m.policy.KeyLength
	}

	material := argon2.IDKey(password, salt, 3, 64*1024, 4, uint32(length)) // #nosec G115 -- length validated above
	key := m.adoptDerived(material)
	emitAudit(m.sink, "key.derive", "", key.ID, OutcomeSuccess)
	return key, nil
}

func (m *KeyManager) adoptDerived(material []byte) *SecureKey {
	key := &SecureKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      KeyTypeDerived,
		Usage:     []KeyUsage{UsageEncrypt, UsageDecrypt},
		Key:       material,
		CreatedAt: timecache.CachedTime().UTC(),
		Version:   1,
		Status:    StatusActive,
	}

	m.mu.Lock()
	m.keys[key.ID] = key
	m.mu.Unlock()
	return key
}

func (m *KeyManager) checkDerivationParams(salt []byte, iterations, length int) error {
	if len(salt) < SaltSize {
		richErr := goerrors.New(ErrCodeWeakParameter,
			fmt.Sprintf("salt must be at least %d bytes, got %d", SaltSize, len(salt)))
		return fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}
	if iterations < m.policy.MinIterations {
		richErr := goerrors.New(ErrCodeWeakParameter,
			fmt.Sprintf("iteration count %d below policy minimum %d", iterations, m.policy.MinIterations))
		return fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}
	if length < 0 {
		richErr := goerrors.New(ErrCodeWeakParameter, "key length must not be negative")
		return fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}
	return nil
}

// RotateKey replaces a key's material with a fresh version. The new record
// carries the full rotation history; the old version is wiped immediately
// when preserveOld is false, otherwise retained until gracePeriod elapses
// (zero uses the policy grace period) so in-flight data can be re-encrypted.
//
// The rotation is atomic under the manager mutex: callers observe either the
// old or the new version, never a half-rotated key.
func (m *KeyManager) RotateKey(keyID string, preserveOld bool, gracePeriod time.Duration, reason string) (RotationResult, error) {
	result, err := m.rotateKey(keyID, preserveOld, gracePeriod, reason)
	emitAudit(m.sink, "key.rotate", "", keyID, outcomeOf(err))
	return result, err
}

func (m *KeyManager) rotateKey(keyID string, preserveOld bool, gracePeriod time.Duration, reason string) (RotationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := timecache.CachedTime().UTC()
	m.sweepLocked(now)

	old, ok := m.keys[keyID]
	if !ok {
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key %s not found", keyID))
		return RotationResult{}, fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	}

	// New material is generated before any state changes, so a CSPRNG
	// failure leaves the prior key fully intact.
	material, err := randomBytes(len(old.Key), "key")
	if err != nil {
		return RotationResult{}, err
	}

	history := make([]RotationRecord, len(old.History), len(old.History)+1)
	copy(history, old.History)
	history = append(history, RotationRecord{
		PreviousVersion: old.Version,
		RotatedAt:       now,
		Reason:          reason,
	})

	replacement := &SecureKey{
		ID:        old.ID,
		Type:      old.Type,
		Usage:     old.Usage,
		Key:       material,
		CreatedAt: now,
		ExpiresAt: old.ExpiresAt,
		Version:   old.Version + 1,
		Status:    StatusActive,
		History:   history,
	}
	m.keys[keyID] = replacement

	if preserveOld {
		if gracePeriod <= 0 {
			gracePeriod = m.policy.GracePeriod
		}
		old.Status = StatusSuperseded
		m.superseded[keyID] = append(m.superseded[keyID], &supersededVersion{
			key:       old,
			destroyAt: now.Add(gracePeriod),
		})
	} else {
		SecureWipe(old.Key)
		old.Key = nil
		old.Status = StatusDestroyed
	}

	return RotationResult{KeyID: keyID, OldVersion: old.Version, NewVersion: replacement.Version}, nil
}

// Key returns the latest version of a managed key. The returned record is
// shared; callers must not mutate it.
func (m *KeyManager) Key(keyID string) (*SecureKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[keyID]
	if !ok {
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key %s not found", keyID))
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	}
	return key, nil
}

// SupersededKey returns a retained previous version of a key, if its grace
// period has not elapsed. Used for lazy re-encryption after rotation.
func (m *KeyManager) SupersededKey(keyID string, version int) (*SecureKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sv := range m.superseded[keyID] {
		if sv.key.Version == version && sv.key.Status == StatusSuperseded {
			return sv.key, nil
		}
	}
	richErr := goerrors.New(ErrCodeKeyNotFound,
		fmt.Sprintf("key %s version %d not found or destroyed", keyID, version))
	return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
}

// DestroyKey wipes all versions of a key and removes it from management.
func (m *KeyManager) DestroyKey(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok {
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key %s not found", keyID))
		return fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	}

	SecureWipe(key.Key)
	key.Key = nil
	key.Status = StatusDestroyed
	delete(m.keys, keyID)

	for _, sv := range m.superseded[keyID] {
		SecureWipe(sv.key.Key)
		sv.key.Key = nil
		sv.key.Status = StatusDestroyed
	}
	delete(m.superseded, keyID)

	emitAudit(m.sink, "key.destroy", "", keyID, OutcomeSuccess)
	return nil
}

// Status reports population counters: total managed keys, active, expired,
// keys whose latest version is older than the rotation policy age, and keys
// under escrow. Grace-expired superseded versions are destroyed as a side
// effect.
func (m *KeyManager) Status() StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := timecache.CachedTime().UTC()
	m.sweepLocked(now)

	report := StatusReport{
		TotalKeys:     len(m.keys),
		EscrowedCount: len(m.escrows),
	}
	for _, key := range m.keys {
		if key.expired(now) {
			key.Status = StatusExpired
			report.Expired++
			continue
		}
		report.Active++
		if now.Sub(key.CreatedAt) >= m.policy.RotationMaxAge {
			report.NeedingRotation++
		}
	}
	return report
}

// sweepLocked destroys superseded versions whose grace period has elapsed.
func (m *KeyManager) sweepLocked(now time.Time) {
	for keyID, versions := range m.superseded {
		remaining := versions[:0]
		for _, sv := range versions {
			if now.Before(sv.destroyAt) {
				remaining = append(remaining, sv)
				continue
			}
			SecureWipe(sv.key.Key)
			sv.key.Key = nil
			sv.key.Status = StatusDestroyed
		}
		if len(remaining) == 0 {
			delete(m.superseded, keyID)
		} else {
			m.superseded[keyID] = remaining
		}
	}
}
