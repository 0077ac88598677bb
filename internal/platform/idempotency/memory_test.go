package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, res.State)

	require.NoError(t, store.Complete(ctx, "k", "fp", Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}, "Set-Cookie": {"x"}},
		Body:   []byte(`{}`),
	}, fixedTime, time.Hour))

	res, err = store.Reserve(ctx, "k", "fp", fixedTime.Add(30*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateReplay, res.State)
	assert.Equal(t, map[string][]string{"Content-Type": {"application/json"}}, res.Record.Header)
	assert.Equal(t, fixedTime, res.Record.CreatedAt)

	_, err = store.Reserve(ctx, "k", "other", fixedTime, time.Minute)
	require.ErrorIs(t, err, ErrKeyReused)

	res, err = store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, res.State)
}

func TestMemoryStoreReleaseChecksFingerprint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "k", "intruder"))
	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, res.State)

	require.NoError(t, store.Release(ctx, "k", "fp"))
	res, err = store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, res.State)
}

func TestMemoryStorePurgeOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i, key := range []string{"a", "b", "c"} {
		_, err := store.Reserve(ctx, key, "fp", fixedTime.Add(time.Duration(i)*time.Minute), time.Minute)
		require.NoError(t, err)
	}

	removed, err := store.Purge(ctx, fixedTime.Add(10*time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Reserve(ctx, "c", "other", fixedTime.Add(2*time.Minute), time.Minute)
	require.ErrorIs(t, err, ErrKeyReused)

	res, err := store.Reserve(ctx, "a", "other", fixedTime.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, res.State)

	removed, err = store.Purge(ctx, fixedTime, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRunPurgerStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunPurger(ctx, NewMemoryStore(), time.Millisecond, 10, zaptest.NewLogger(t))
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done
}
