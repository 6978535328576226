package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// Memory is a ReceiptRepository for tests and database-less runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string]entity.ReceiptRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]entity.ReceiptRecord)}
}

func (m *Memory) Create(_ context.Context, rec entity.ReceiptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("receipt %s: %w", rec.ID, common.ErrConflict)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (entity.ReceiptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return entity.ReceiptRecord{}, fmt.Errorf("receipt %s: %w", id, common.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *Memory) Update(_ context.Context, rec entity.ReceiptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return fmt.Errorf("receipt %s: %w", rec.ID, common.ErrNotFound)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) UpdateInFlight(_ context.Context, rec entity.ReceiptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.ID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", rec.ID, common.ErrNotFound)
	}
	if !cur.Status.InFlight() {
		return fmt.Errorf("receipt %s is %s: %w", rec.ID, cur.Status, common.ErrConflict)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses ...constants.ReceiptStatus) ([]entity.ReceiptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []entity.ReceiptRecord
	for _, rec := range m.records {
		if len(statuses) == 0 || slices.Contains(statuses, rec.Status) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
