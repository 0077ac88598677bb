package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection = "idempotencyRecords"
	defaultAttempts   = 5
	defaultPurgeLimit = 200
)

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection records are written to.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts bounds transaction retries on contention.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// FirestoreStore shares reservations across API instances. Each key is one document addressed by
// the SHA-256 of the scoped key.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// NewFirestoreStore builds a store on client.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: defaultCollection, attempts: defaultAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type recordDoc struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Completed   bool                `firestore:"completed"`
	Status      int                 `firestore:"status,omitempty"`
	Header      map[string][]string `firestore:"header,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func docFromRecord(r Record) recordDoc {
	return recordDoc(r)
}

func (d recordDoc) record() Record {
	return Record(d)
}

func (s *FirestoreStore) ref(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentID(key))
}

// load reads the record inside tx, returning nil when the document does not exist.
func load(tx *firestore.Transaction, ref *firestore.DocumentRef) (*Record, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc recordDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	record := doc.record()
	return &record, nil
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error) {
	ref := s.ref(key)
	var result Reservation
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing, err := load(tx, ref)
		if err != nil {
			return err
		}
		res, write, err := reserve(existing, key, fingerprint, now.UTC(), lease)
		if err != nil {
			return err
		}
		result = res
		if write == nil {
			return nil
		}
		return tx.Set(ref, docFromRecord(*write))
	}, firestore.MaxAttempts(s.attempts))
	return result, err
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ref := s.ref(key)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing, err := load(tx, ref)
		if err != nil {
			return err
		}
		record, err := complete(existing, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return tx.Set(ref, docFromRecord(record))
	}, firestore.MaxAttempts(s.attempts))
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	ref := s.ref(key)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing, err := load(tx, ref)
		if err != nil || existing == nil || existing.Fingerprint != fingerprint {
			return err
		}
		return tx.Delete(ref)
	}, firestore.MaxAttempts(s.attempts))
}

// Purge implements Store.
func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	docs, err := s.client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bw.End()

	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err == nil {
			removed++
		}
	}
	return removed, nil
}
