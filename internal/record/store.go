package record

import (
	"context"
	"sort"
	"sync"
	"time"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// Store persists staged records. Implementations guarantee atomicity per
// single-record operation; the runtime assumes nothing stronger.
type Store interface {
	Put(ctx context.Context, rec StagedRecord) error
	Get(ctx context.Context, id RecordID) (*StagedRecord, error)
	ListByType(ctx context.Context, recordType string) ([]StagedRecord, error)
	ListBySource(ctx context.Context, source string) ([]StagedRecord, error)
	Delete(ctx context.Context, id RecordID) error
	DeleteByTypeAndSource(ctx context.Context, recordType, source string) (int, error)
	Count(ctx context.Context) (int, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// MemoryStore is an in-process Store used by tests and by ephemeral runs
// that do not want a database file.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]StagedRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]StagedRecord)}
}

func (m *MemoryStore) Put(_ context.Context, rec StagedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID.String()] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id RecordID) (*StagedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id.String()]
	if !ok {
		return nil, runtimeerrors.NewNotFound(id.String())
	}
	out := rec.Clone()
	return &out, nil
}

func (m *MemoryStore) ListByType(_ context.Context, recordType string) ([]StagedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StagedRecord
	for _, rec := range m.records {
		if rec.RecordType == recordType {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) ListBySource(_ context.Context, source string) ([]StagedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StagedRecord
	for _, rec := range m.records {
		if rec.Source == source {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.String()
	if _, ok := m.records[key]; !ok {
		return runtimeerrors.NewNotFound(key)
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) DeleteByTypeAndSource(_ context.Context, recordType, source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.records {
		if rec.RecordType == recordType && rec.Source == source {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MemoryStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.records {
		if rec.Timestamp.Before(cutoff) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

// sortRecords orders newest-first, with id as the tiebreaker so listings
// are stable under equal timestamps.
func sortRecords(recs []StagedRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.After(recs[j].Timestamp)
		}
		return recs[i].ID.String() < recs[j].ID.String()
	})
}
