package dedup

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	provider string
	eventID  string
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory dedup store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) InsertPending(ctx context.Context, record Record) (Record, error) {
	key := recordKey{provider: record.Provider, eventID: record.ProviderEventID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok {
		return existing, ErrDuplicate
	}

	record.Status = StatusPending
	record.RetryCount = 0
	record.CreatedAt = s.now()
	s.records[key] = record
	return record, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, provider, providerEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{provider: provider, eventID: providerEventID}
	record, ok := s.records[key]
	if !ok {
		return ErrRecordNotFound
	}

	now := s.now()
	record.Status = StatusProcessed
	record.ProcessedAt = &now
	record.ErrorMessage = ""
	s.records[key] = record
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, provider, providerEventID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{provider: provider, eventID: providerEventID}
	record, ok := s.records[key]
	if !ok {
		return ErrRecordNotFound
	}

	record.Status = StatusFailed
	record.RetryCount++
	record.ErrorMessage = errMsg
	s.records[key] = record
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, provider, providerEventID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordKey{provider: provider, eventID: providerEventID}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

func (s *MemoryStore) ListFailed(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []Record
	for _, record := range s.records {
		if record.Status == StatusFailed {
			failed = append(failed, record)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })

	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}
