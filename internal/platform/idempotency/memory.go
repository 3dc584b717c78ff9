package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It is the test double for RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := storageKey(key)
	record, ok := s.records[id]
	if !ok || !now.Before(record.ExpiresAt) {
		record = Record{Key: key, Fingerprint: fingerprint, Status: StatusPending, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		s.records[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := storageKey(key)
	existing, ok := s.records[id]
	if ok && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = completedRecord(key, fingerprint, resp, existing.CreatedAt, now, ttl)
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, storageKey(key))
	return nil
}
