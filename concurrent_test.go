// concurrent_test.go: Concurrent test cases for the engine under contention.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kluislabs/kluis"
)

func TestConcurrentEncryptDecrypt_DuringMasterRotation(t *testing.T) {
	engine := newTestEngine(t)

	const numGoroutines = 8
	const cyclesPerGoroutine = 200

	var wg sync.WaitGroup
	start := make(chan struct{})

	// One master rotation fires while all workers are mid-cycle. Each cycle
	// decrypts immediately after encrypting, so every envelope is at most one
	// epoch behind and must stay readable through the migration window.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		if err := engine.RotateMasterSecret(context.Background()); err != nil {
			t.Errorf("Concurrent master rotation failed: %v", err)
		}
	}()

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			<-start
			for j := 0; j < cyclesPerGoroutine; j++ {
				plaintext := fmt.Sprintf("worker-%d-cycle-%d", id, j)
				envelope, err := engine.Cipher().Encrypt(plaintext, "doc:concurrent")
				if err != nil {
					t.Errorf("Concurrent encrypt %d/%d failed: %v", id, j, err)
					return
				}
				decrypted, err := engine.Cipher().Decrypt(envelope, "doc:concurrent")
				if err != nil {
					t.Errorf("Concurrent decrypt %d/%d failed: %v", id, j, err)
					return
				}
				if decrypted != plaintext {
					t.Errorf("Concurrent round-trip %d/%d mismatch: got %q", id, j, decrypted)
					return
				}
			}
		}(i)
	}

	close(start)
	wg.Wait()

	if got := engine.Deriver().Epoch(); got != 2 {
		t.Errorf("Expected epoch 2 after one rotation, got %d", got)
	}
}

func TestConcurrentRotateKey_SerializedVersions(t *testing.T) {
	manager := newTestManager(kluis.Policy{})

	key, err := manager.GenerateKey(kluis.KeyTypeSymmetric, []kluis.KeyUsage{kluis.UsageEncrypt}, 0, 0)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	const numGoroutines = 8
	const rotationsPerGoroutine = 25
	const totalRotations = numGoroutines * rotationsPerGoroutine

	var wg sync.WaitGroup
	var mu sync.Mutex
	seenVersions := make(map[int]bool)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < rotationsPerGoroutine; j++ {
				result, err := manager.RotateKey(key.ID, false, 0, "contention")
				if err != nil {
					t.Errorf("Concurrent rotation %d/%d failed: %v", id, j, err)
					return
				}
				mu.Lock()
				if seenVersions[result.NewVersion] {
					t.Errorf("Version %d produced by two rotations", result.NewVersion)
				}
				seenVersions[result.NewVersion] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Rotations are serialized under the manager mutex: the version counter
	// advances by exactly one per rotation and the history is complete and
	// chronological, never a divergent latest version.
	latest, err := manager.Key(key.ID)
	if err != nil {
		t.Fatalf("Failed to load key: %v", err)
	}
	if latest.Version != totalRotations+1 {
		t.Errorf("Expected version %d, got %d", totalRotations+1, latest.Version)
	}
	if len(latest.History) != totalRotations {
		t.Errorf("Expected %d history records, got %d", totalRotations, len(latest.History))
	}
	for i := 1; i < len(latest.History); i++ {
		if latest.History[i].PreviousVersion != latest.History[i-1].PreviousVersion+1 {
			t.Errorf("History gap at record %d: %d after %d",
				i, latest.History[i].PreviousVersion, latest.History[i-1].PreviousVersion)
		}
		if latest.History[i].RotatedAt.Before(latest.History[i-1].RotatedAt) {
			t.Errorf("History record %d out of chronological order", i)
		}
	}
}

func TestConcurrentMasterRotations_WindowLimit(t *testing.T) {
	engine := newTestEngine(t)

	envelope, err := engine.Cipher().Encrypt("sealed before any rotation", "doc:user42")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	// The migration window holds exactly one previous epoch. After several
	// rotations the original envelope is unreachable and must fail closed.
	const numRotations = 8
	var wg sync.WaitGroup
	for i := 0; i < numRotations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.RotateMasterSecret(context.Background()); err != nil {
				t.Errorf("Concurrent master rotation failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := engine.Deriver().Epoch(); got != numRotations+1 {
		t.Errorf("Expected epoch %d, got %d", numRotations+1, got)
	}
	if _, err := engine.Cipher().Decrypt(envelope, "doc:user42"); !errors.Is(err, kluis.ErrIntegrity) {
		t.Errorf("Expected ErrIntegrity for envelope outside the migration window, got %v", err)
	}
}

func TestConcurrentGuardProtectReveal(t *testing.T) {
	engine := newTestEngine(t)

	const numGoroutines = 10
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			subject := fmt.Sprintf("subject-%d", id)
			protected, err := engine.Guard().Protect("123456782", subject)
			if err != nil {
				t.Errorf("Concurrent protect %d failed: %v", id, err)
				return
			}
			revealed, err := engine.Guard().Reveal(protected, subject)
			if err != nil {
				t.Errorf("Concurrent reveal %d failed: %v", id, err)
				return
			}
			if revealed != "123456782" {
				t.Errorf("Concurrent guard round-trip %d mismatch: %q", id, revealed)
			}
		}(i)
	}
	wg.Wait()
}
