package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is the body of a read-modify-write. Firestore may call it more than once, so it must not
// have side effects outside tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption tunes a single transaction.
type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts caps how many times Firestore retries a contended transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(s *txSettings) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the whole transaction, retries included. A shorter caller deadline wins.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(s *txSettings) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func runTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts []TxOption) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	settings := txSettings{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > settings.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.timeout)
		defer cancel()
	}

	err := client.RunTransaction(ctx, fn, firestore.MaxAttempts(settings.attempts))
	return WrapError("transaction", err)
}
