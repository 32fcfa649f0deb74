// keystore.go: Secure key-value store collaborators and provider registry.
//
// The engine persists only two things outside process memory: the wrapped
// master-secret record and escrow metadata. Both go through SecureStore,
// which the platform implements (OS keystore, HSM-backed store, remote KMS).
// A provider registry with a go-plugins manager hook allows out-of-process
// store providers, mirroring hardware-backed deployments.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
)

// SecureStore is the platform secure-storage collaborator. The engine treats
// it as at-least-once durable and implements no durability layer of its own.
// Read returns (nil, nil) when the key does not exist.
type SecureStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// StoreProvider is a managed SecureStore with an explicit lifecycle, used by
// StoreManager for pluggable backends.
type StoreProvider interface {
	SecureStore

	Name() string
	Initialize(ctx context.Context, config map[string]interface{}) error
	IsHealthy() bool
	Close() error
}

// StoreRequest is the wire request for out-of-process store providers.
type StoreRequest struct {
	Operation string `json:"operation"` // "read", "write", "delete"
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
}

// StoreResponse is the wire response for out-of-process store providers.
type StoreResponse struct {
	Success bool   `json:"success"`
	Value   []byte `json:"value,omitempty"`
	Found   bool   `json:"found"`
	Error   string `json:"error,omitempty"`
}

// StoreManagerConfig configures the provider registry.
type StoreManagerConfig struct {
	DefaultProvider  string                            `json:"default_provider"`
	ProviderConfigs  map[string]map[string]interface{} `json:"provider_configs"`
	OperationTimeout time.Duration                     `json:"operation_timeout"`
}

// StoreManager manages SecureStore providers. In-process providers register
// directly; remote providers are reached through the go-plugins manager.
type StoreManager struct {
	mu              sync.RWMutex
	pluginManager   *goplugins.Manager[StoreRequest, StoreResponse]
	activeProviders map[string]StoreProvider
	defaultProvider string
	config          *StoreManagerConfig
}

// NewStoreManager creates a provider registry. pluginManager may be nil when
// only in-process providers are used.
func NewStoreManager(config *StoreManagerConfig, pluginManager *goplugins.Manager[StoreRequest, StoreResponse]) *StoreManager {
	if config == nil {
		config = &StoreManagerConfig{OperationTimeout: 10 * time.Second}
	}
	return &StoreManager{
		pluginManager:   pluginManager,
		activeProviders: make(map[string]StoreProvider),
		config:          config,
	}
}

// RegisterProvider initializes a provider with its configuration and adds it
// to the registry. The first registered provider becomes the default unless
// the configuration names one explicitly.
func (m *StoreManager) RegisterProvider(name string, provider StoreProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if provider == nil {
		return goerrors.New(ErrCodeStore, "provider cannot be nil")
	}

	ctx := context.Background()
	if timeout := m.config.OperationTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := provider.Initialize(ctx, m.config.ProviderConfigs[name]); err != nil {
		return fmt.Errorf("failed to initialize store provider %s: %w", name, err)
	}

	m.activeProviders[name] = provider
	if m.defaultProvider == "" || m.config.DefaultProvider == name {
		m.defaultProvider = name
	}
	return nil
}

// Provider returns a registered provider by name, or the default provider
// when name is empty. Unhealthy providers are not returned.
func (m *StoreManager) Provider(name string) (StoreProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "" {
		name = m.defaultProvider
	}
	provider, exists := m.activeProviders[name]
	if !exists {
		richErr := goerrors.New(ErrCodeStore, fmt.Sprintf("store provider %s not found", name))
		return nil, fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	if !provider.IsHealthy() {
		richErr := goerrors.New(ErrCodeStore, fmt.Sprintf("store provider %s failed health check", name))
		return nil, fmt.Errorf("%w: %w", ErrInitialization, richErr)
	}
	return provider, nil
}

// Close shuts down all registered providers.
func (m *StoreManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, provider := range m.activeProviders {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store provider %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close some store providers: %v", errs)
	}
	return nil
}

// MemoryStore is an in-process SecureStore. It backs tests and development
// setups; production deployments register a platform-backed provider.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Name implements StoreProvider.
func (s *MemoryStore) Name() string { return "memory" }

// Initialize implements StoreProvider.
func (s *MemoryStore) Initialize(_ context.Context, _ map[string]interface{}) error { return nil }

// IsHealthy implements StoreProvider.
func (s *MemoryStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Read returns a copy of the stored value, or (nil, nil) when absent.
func (s *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, goerrors.New(ErrCodeStore, "store is closed")
	}
	value, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Write stores a copy of the value.
func (s *MemoryStore) Write(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return goerrors.New(ErrCodeStore, "store is closed")
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}

// Delete wipes and removes the stored value. Deleting an absent key is not
// an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return goerrors.New(ErrCodeStore, "store is closed")
	}
	if value, ok := s.values[key]; ok {
		Zeroize(value)
		delete(s.values, key)
	}
	return nil
}

// Close wipes all stored values and marks the store unusable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range s.values {
		Zeroize(value)
		delete(s.values, key)
	}
	s.closed = true
	return nil
}
