// Package store provides in-memory ProfileStore and CredentialStore
// implementations.
package store

import (
	"context"
	"sync"

	"github.com/chat997709/nexus/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	profiles    map[ledger.ProfileID]ledger.Profile
	credentials map[string][]byte
	updates     int

	// fault injection
	failures []error
}

func NewMemory() *Memory {
	return &Memory{
		profiles:    make(map[ledger.ProfileID]ledger.Profile),
		credentials: make(map[string][]byte),
	}
}

func (m *Memory) Fetch(_ context.Context, id ledger.ProfileID) (*ledger.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ledger.ErrProfileNotFound
	}
	c := p.Clone()
	return &c, nil
}

// Initialize stores p unless a profile with the same identity exists.
func (m *Memory) Initialize(_ context.Context, p ledger.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.Identity]; ok {
		return nil
	}
	m.profiles[p.Identity] = p.Clone()
	return nil
}

// Update applies the populated fields of patch.
func (m *Memory) Update(_ context.Context, id ledger.ProfileID, patch ledger.ProfilePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}

	p, ok := m.profiles[id]
	if !ok {
		return ledger.ErrProfileNotFound
	}
	p = p.Clone()
	p.Apply(patch)
	m.profiles[id] = p
	m.updates++
	return nil
}

// FailNextUpdates makes the next len(errs) Update calls return errs in order.
func (m *Memory) FailNextUpdates(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Updates returns how many Update calls were applied.
func (m *Memory) Updates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// =============================================================================
// CREDENTIALS
// =============================================================================

func (m *Memory) SaveCredential(_ context.Context, email string, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[email]; ok {
		return ledger.ErrAccountExists
	}
	m.credentials[email] = append([]byte(nil), hash...)
	return nil
}

func (m *Memory) PasswordHash(_ context.Context, email string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.credentials[email]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return append([]byte(nil), h...), nil
}
