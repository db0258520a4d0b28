package store

import (
	"context"
	"sort"
	"sync"

	"github.com/synapse-ops/synapse/internal/models"
)

// MemoryStore is an in-process Store used by tests and as a scratch backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.Record
	workers map[string]*models.Worker
	cycles  []*models.Cycle
	results map[uint64][]models.JobResult
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.Record),
		workers: make(map[string]*models.Worker),
		results: make(map[uint64][]models.JobResult),
	}
}

// GetRecord implements Store.
func (m *MemoryStore) GetRecord(_ context.Context, id string) (*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// PutRecord implements Store.
func (m *MemoryStore) PutRecord(_ context.Context, rec *models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

// DeleteRecord implements Store.
func (m *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// QueryRecords implements Store.
func (m *MemoryStore) QueryRecords(_ context.Context, q Query) (QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*models.Record
	for _, rec := range m.records {
		if !matches(rec, q) {
			continue
		}
		cp := *rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return QueryResult{Records: records}, nil
}

func matches(rec *models.Record, q Query) bool {
	if q.Kind != nil && rec.Kind != *q.Kind {
		return false
	}
	if q.Tier != nil && rec.Tier != *q.Tier {
		return false
	}
	if q.Protected != nil && rec.Protected != *q.Protected {
		return false
	}
	switch {
	case q.TombstonedBefore != nil:
		if rec.TombstonedAt == nil || !rec.TombstonedAt.Before(*q.TombstonedBefore) {
			return false
		}
	case !q.IncludeTombstoned:
		if rec.TombstonedAt != nil {
			return false
		}
	}
	if len(q.SimilarTo) > 0 {
		if CosineSimilarity(q.SimilarTo, rec.Embedding) < q.MinSimilarity {
			return false
		}
	}
	return true
}

// GetWorker implements Store.
func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// PutWorker implements Store.
func (m *MemoryStore) PutWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

// ListWorkers implements Store.
func (m *MemoryStore) ListWorkers(_ context.Context) ([]*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var workers []*models.Worker
	for _, w := range m.workers {
		cp := *w
		workers = append(workers, &cp)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// AppendCycle implements Store.
func (m *MemoryStore) AppendCycle(_ context.Context, cycle *models.Cycle, results []models.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cycle
	m.cycles = append(m.cycles, &cp)
	m.results[cycle.Number] = append([]models.JobResult(nil), results...)
	return nil
}

// LatestCycle implements Store.
func (m *MemoryStore) LatestCycle(_ context.Context) (*models.Cycle, []models.JobResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.cycles) == 0 {
		return nil, nil, ErrNotFound
	}
	latest := m.cycles[len(m.cycles)-1]
	cp := *latest
	return &cp, append([]models.JobResult(nil), m.results[latest.Number]...), nil
}

// memoryDriver exposes MemoryStore through the driver registry.
type memoryDriver struct{}

func (d *memoryDriver) Name() string { return "memory" }

func (d *memoryDriver) Open(_ context.Context, _ string) (Store, func() error, error) {
	return NewMemoryStore(), func() error { return nil }, nil
}

func init() {
	RegisterDriver(&memoryDriver{})
}
