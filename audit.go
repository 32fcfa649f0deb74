// audit.go: Tamper-evident audit event emission.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// Outcome of an audited operation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent records one engine operation. Events carry context strings and
// key identifiers, never raw secrets: the master secret, derived keys, and
// plaintext are structurally absent from this type.
type AuditEvent struct {
	ID        uuid.UUID `json:"id"`
	Operation string    `json:"operation"`
	Context   string    `json:"context,omitempty"`
	KeyID     string    `json:"key_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditSink is the external append-log collaborator. Record is write-once,
// append-only from the engine's perspective; the log store belongs to the
// collaborator.
type AuditSink interface {
	Record(event AuditEvent) error
}

// emitAudit sends an event to the sink, best effort. Sink errors and panics
// are swallowed: audit emission must never abort a cryptographic operation.
func emitAudit(sink AuditSink, operation, context, keyID, outcome string) {
	if sink == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	_ = sink.Record(AuditEvent{
		ID:        uuid.Must(uuid.NewV7()),
		Operation: operation,
		Context:   context,
		KeyID:     keyID,
		Outcome:   outcome,
		Timestamp: timecache.CachedTime().UTC(),
	})
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// MemorySink is an in-process AuditSink that retains events in order.
// It backs tests and local development.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements AuditSink.
func (s *MemorySink) Record(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of all recorded events in emission order.
func (s *MemorySink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}
