package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/dialdesk/dialdesk/internal/core"
	"github.com/dialdesk/dialdesk/internal/domain"
)

// MemoryStore is an in-memory core.CallStore for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[domain.CallID]domain.CallRecord
	creates int
	updates int
}

var _ core.CallStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[domain.CallID]domain.CallRecord)}
}

func (m *MemoryStore) CreateCallRecord(_ context.Context, rec domain.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.CallID]; exists {
		return fmt.Errorf("store: create call %s: duplicate call id", rec.CallID)
	}
	m.records[rec.CallID] = rec
	m.creates++
	return nil
}

func (m *MemoryStore) UpdateCallRecord(_ context.Context, id domain.CallID, patch core.CallPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("store: update call %s: unknown call id", id)
	}
	if patch.State != "" {
		rec.State = patch.State
	}
	if patch.EndReason != "" {
		rec.EndReason = patch.EndReason
	}
	if patch.ConnectedAt != nil {
		rec.ConnectedAt = patch.ConnectedAt
	}
	if patch.EndedAt != nil {
		rec.EndedAt = patch.EndedAt
	}
	m.records[id] = rec
	m.updates++
	return nil
}

func (m *MemoryStore) Get(id domain.CallID) (domain.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Writes reports how many creates and updates were applied.
func (m *MemoryStore) Writes() (creates, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates
}

func (m *MemoryStore) Close() error { return nil }
