package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const defaultAttempts = 5

var errContention = errors.New("memory: transaction contention")

// Error implements repositories.RepositoryError for the in-memory store.
type Error struct {
	op       string
	err      error
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the document is missing.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports an optimistic race that survived every attempt, or a duplicate create.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable is always false for the in-memory store.
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, key string) error {
	return &Error{op: op, err: fmt.Errorf("document %s not found", key), notFound: true}
}

func conflict(op string, err error) error {
	return &Error{op: op, err: err, conflict: true}
}

type entry struct {
	version uint64
	value   any
}

// Store is a versioned document map with optimistic commit-or-retry transactions.
// Stored values are treated as immutable; repositories clone on the way in and out.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]entry
	sequence uint64
	attempts int
	// beforeCommit runs between an attempt's reads and its commit.
	beforeCommit func()
}

// Option customises a Store.
type Option func(*Store)

// WithAttempts overrides how many times a transaction is retried on contention.
func WithAttempts(attempts int) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// WithBeforeCommit installs a hook that runs before every commit attempt. Tests use it to force interleavings.
func WithBeforeCommit(hook func()) Option {
	return func(s *Store) {
		s.beforeCommit = hook
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{docs: make(map[string]entry), attempts: defaultAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Tx collects reads and buffered writes for one attempt.
type Tx struct {
	store  *Store
	reads  map[string]uint64
	writes map[string]any
}

// RunTransaction runs fn until its reads are still current at commit time. Errors returned by fn abort
// without writes and are passed through unchanged.
func (s *Store) RunTransaction(ctx context.Context, op string, fn func(tx *Tx) error) error {
	for attempt := 0; attempt < s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &Tx{store: s, reads: make(map[string]uint64), writes: make(map[string]any)}
		if err := fn(tx); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			s.beforeCommit()
		}
		if s.commit(tx) {
			return nil
		}
	}
	return conflict(op, errContention)
}

func (s *Store) commit(tx *Tx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, seen := range tx.reads {
		if s.docs[key].version != seen {
			return false
		}
	}
	for key, value := range tx.writes {
		if value == nil {
			delete(s.docs, key)
			continue
		}
		s.sequence++
		s.docs[key] = entry{version: s.sequence, value: value}
	}
	return true
}

// Get reads key inside the transaction, honouring the transaction's own buffered writes.
func (tx *Tx) Get(key string) (any, bool) {
	if value, ok := tx.writes[key]; ok {
		return value, value != nil
	}
	tx.store.mu.RLock()
	current, ok := tx.store.docs[key]
	tx.store.mu.RUnlock()
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = current.version
	}
	return current.value, ok
}

// Set buffers a write.
func (tx *Tx) Set(key string, value any) {
	tx.writes[key] = value
}

// Get reads key outside any transaction.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.docs[key]
	return current.value, ok
}

// Put writes key outside any transaction.
func (s *Store) Put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	s.docs[key] = entry{version: s.sequence, value: value}
}

// Scan returns the documents directly inside the collection path, ordered by key.
func (s *Store) Scan(collection string) []any {
	prefix := strings.TrimSuffix(collection, "/") + "/"
	s.mu.RLock()
	keys := make([]string, 0)
	for key := range s.docs {
		if strings.HasPrefix(key, prefix) && !strings.Contains(key[len(prefix):], "/") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([]any, 0, len(keys))
	for _, key := range keys {
		values = append(values, s.docs[key].value)
	}
	s.mu.RUnlock()
	return values
}

func path(segments ...string) string {
	return strings.Join(segments, "/")
}
