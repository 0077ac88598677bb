// Package idempotency replays the stored outcome of order mutations retried with the same
// Idempotency-Key, so a flaky connection cannot place or advance an order twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

const (
	// DefaultTTL bounds how long a completed response stays replayable.
	DefaultTTL = 24 * time.Hour
	// DefaultLease bounds how long an in-flight reservation blocks retries before it is reclaimed.
	DefaultLease = time.Minute
)

// State is the outcome of a reservation attempt.
type State int

const (
	// StateFresh means the caller owns the key and must run the handler.
	StateFresh State = iota
	// StateReplay means a completed response is stored for the key.
	StateReplay
	// StateInFlight means another request holds the key.
	StateInFlight
)

// ErrKeyReused is returned when a key comes back with a different request fingerprint.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// Record is the stored state of one key.
type Record struct {
	Key         string
	Fingerprint string
	Completed   bool
	Status      int
	Header      map[string][]string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Reservation pairs the state with the record it was decided from.
type Reservation struct {
	State  State
	Record Record
}

// Response is the handler output persisted for replay.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists reservations and completed responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// reserve decides a reservation against the existing record, if any. It returns the record to
// write when the caller should persist one.
func reserve(existing *Record, key, fingerprint string, now time.Time, lease time.Duration) (Reservation, *Record, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	if existing == nil || !now.Before(existing.ExpiresAt) {
		record := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(lease)}
		return Reservation{State: StateFresh, Record: record}, &record, nil
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, nil, ErrKeyReused
	}
	if existing.Completed {
		return Reservation{State: StateReplay, Record: *existing}, nil, nil
	}
	return Reservation{State: StateInFlight, Record: *existing}, nil, nil
}

// complete applies resp to the existing record.
func complete(existing *Record, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	if existing != nil {
		if existing.Fingerprint != fingerprint {
			return Record{}, ErrKeyReused
		}
		record.CreatedAt = existing.CreatedAt
	}
	record.Completed = true
	record.Status = resp.Status
	record.Header = replayableHeader(resp.Header)
	if len(resp.Body) > 0 {
		record.Body = append([]byte(nil), resp.Body...)
	}
	record.ExpiresAt = now.Add(ttl)
	return record, nil
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// replayableHeaders are the response headers order handlers set that a replay must reproduce.
var replayableHeaders = []string{"Content-Type", "Location", "Etag"}

func replayableHeader(header http.Header) map[string][]string {
	out := make(map[string][]string)
	for _, name := range replayableHeaders {
		if values := header.Values(name); len(values) > 0 {
			out[name] = append([]string(nil), values...)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
