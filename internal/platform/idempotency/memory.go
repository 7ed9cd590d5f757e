package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. It backs unit tests and local runs
// where a Firestore emulator is not worth the setup.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	id := recordID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok || expiredAt(rec.ExpiresAt, now) {
		rec = pendingRecord(key, fingerprint, now, ttl)
		s.byID[id] = rec
		return Reservation{State: ReservationStateNew, Record: rec}, nil
	}
	if rec.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if rec.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: rec}, nil
	}
	return Reservation{State: ReservationStatePending, Record: rec}, nil
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	id := recordID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	switch {
	case ok && rec.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	case !ok:
		rec = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	case rec.CreatedAt.IsZero():
		rec.CreatedAt = now
	}

	rec.Status = StatusCompleted
	rec.ResponseStatus = resp.Status
	rec.ResponseHeaders = storableHeaders(resp.Headers)
	rec.ResponseBody = nil
	if len(resp.Body) > 0 {
		rec.ResponseBody = append([]byte(nil), resp.Body...)
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	s.byID[id] = rec
	return nil
}

// Release implements Store. Dropping the record lets the caller retry.
func (s *MemoryStore) Release(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byID, recordID(key))
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.byID) {
		limit = len(s.byID)
	}
	removed := 0
	for id, rec := range s.byID {
		if removed >= limit {
			break
		}
		if !expiredAt(rec.ExpiresAt, now) {
			continue
		}
		delete(s.byID, id)
		removed++
	}
	return removed, nil
}
