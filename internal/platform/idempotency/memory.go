package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used by tests and single-instance development runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Record
	if record, ok := s.records[key]; ok {
		existing = &record
	}
	res, write, err := reserve(existing, key, fingerprint, now.UTC(), lease)
	if err != nil {
		return Reservation{}, err
	}
	if write != nil {
		s.records[key] = *write
	}
	return res, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Record
	if record, ok := s.records[key]; ok {
		existing = &record
	}
	record, err := complete(existing, key, fingerprint, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	s.records[key] = record
	return nil
}

// Release implements Store. Only the holder of fingerprint can release the key.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[key]; ok && record.Fingerprint == fingerprint {
		delete(s.records, key)
	}
	return nil
}

// Purge implements Store, removing the oldest expired records first.
func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Record
	for _, record := range s.records {
		if !now.Before(record.ExpiresAt) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(s.records, record.Key)
	}
	return len(expired), nil
}
