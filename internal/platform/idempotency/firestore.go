package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection   = "idempotency_keys"
	defaultTxAttempts   = 5
	defaultCleanupBatch = 100
)

// FirestoreStore implements Store on a Firestore collection. Reserve and
// SaveResponse run in transactions so concurrent retries of the same key
// serialize on the document.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// FirestoreOption adjusts a FirestoreStore under construction.
type FirestoreOption func(*FirestoreStore)

// WithCollection changes the backing collection name.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts changes the transaction retry budget.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// NewFirestoreStore wraps client in a Store over the idempotency_keys
// collection.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultTxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	ref := s.docRef(key)

	var out Reservation
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, found, err := readKeyDoc(tx, ref)
		if err != nil {
			return err
		}

		// An expired record is reclaimable no matter who held it.
		if !found || expiredAt(current.ExpiresAt, now) {
			fresh := pendingRecord(key, fingerprint, now, ttl)
			if err := tx.Set(ref, keyDocFrom(fresh)); err != nil {
				return err
			}
			out = Reservation{State: ReservationStateNew, Record: fresh}
			return nil
		}
		if current.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}

		state := ReservationStatePending
		if current.Status == string(StatusCompleted) {
			state = ReservationStateCompleted
		}
		out = Reservation{State: state, Record: current.asRecord()}
		return nil
	}, firestore.MaxAttempts(s.attempts()))

	return out, err
}

// SaveResponse implements Store.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	ref := s.docRef(key)

	headers := storableHeaders(resp.Headers)
	var body []byte
	if len(resp.Body) > 0 {
		body = append([]byte(nil), resp.Body...)
	}

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, found, err := readKeyDoc(tx, ref)
		if err != nil {
			return err
		}
		switch {
		case found && doc.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		case !found:
			doc = keyDoc{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		case doc.CreatedAt.IsZero():
			doc.CreatedAt = now
		}

		doc.Status = string(StatusCompleted)
		doc.ResponseStatus = resp.Status
		doc.ResponseHeaders = headers
		doc.ResponseBody = body
		doc.UpdatedAt = now
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(s.attempts()))
}

// Release implements Store. A missing document is fine; the retry path only
// needs the reservation gone.
func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	_, err := s.docRef(key).Delete(ctx)
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired implements Store. It deletes at most limit expired documents
// per call so the background sweep stays cheap.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupBatch
	}

	iter := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	writer := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			writer.End()
			return 0, err
		}
		job, err := writer.Delete(snap.Ref)
		if err != nil {
			writer.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	writer.End()

	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *FirestoreStore) docRef(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(recordID(key))
}

func (s *FirestoreStore) attempts() int {
	if s.maxAttempts > 0 {
		return s.maxAttempts
	}
	return 1
}

func readKeyDoc(tx *firestore.Transaction, ref *firestore.DocumentRef) (keyDoc, bool, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return keyDoc{}, false, nil
	}
	if err != nil {
		return keyDoc{}, false, err
	}
	var doc keyDoc
	if err := snap.DataTo(&doc); err != nil {
		return keyDoc{}, false, err
	}
	return doc, true, nil
}

type keyDoc struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func keyDocFrom(rec Record) keyDoc {
	return keyDoc{
		Key:             rec.Key,
		Fingerprint:     rec.Fingerprint,
		Status:          string(rec.Status),
		ResponseStatus:  rec.ResponseStatus,
		ResponseHeaders: rec.ResponseHeaders,
		ResponseBody:    rec.ResponseBody,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		ExpiresAt:       rec.ExpiresAt,
	}
}

func (d keyDoc) asRecord() Record {
	return Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.ResponseStatus,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ExpiresAt:       d.ExpiresAt,
	}
}
