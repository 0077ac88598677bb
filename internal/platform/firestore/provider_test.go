package firestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tableside/api/internal/platform/config"
	"github.com/tableside/api/internal/repositories"
)

func TestWrapErrorClassifiesCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))

			var repoErr repositories.RepositoryError
			require.True(t, errors.As(err, &repoErr))
			assert.Equal(t, tc.notFound, repoErr.IsNotFound())
			assert.Equal(t, tc.conflict, repoErr.IsConflict())
			assert.Equal(t, tc.unavailable, repoErr.IsUnavailable())

			var fsErr *Error
			require.ErrorAs(t, err, &fsErr)
			assert.Equal(t, tc.code, fsErr.Code)
			assert.Contains(t, err.Error(), "orders.get: ")
		})
	}
}

func TestWrapErrorPassesContextErrorsThrough(t *testing.T) {
	assert.NoError(t, WrapError("op", nil))
	assert.Equal(t, context.Canceled, WrapError("op", status.Error(codes.Canceled, "gone")))
	assert.Equal(t, context.DeadlineExceeded, WrapError("op", status.Error(codes.DeadlineExceeded, "slow")))
	assert.ErrorIs(t, WrapError("op", context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestWrapErrorKeepsInnermostOperation(t *testing.T) {
	inner := WrapError("", status.Error(codes.NotFound, "missing"))
	outer := WrapError("tenants.get", inner)
	assert.Equal(t, "tenants.get: rpc error: code = NotFound desc = missing", outer.Error())

	again := WrapError("transaction", outer)
	assert.Equal(t, "tenants.get: rpc error: code = NotFound desc = missing", again.Error())
}

func TestProviderRequiresProjectID(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	provider := NewProvider(config.FirestoreConfig{})

	_, err := provider.Client(context.Background())
	require.ErrorContains(t, err, "project id is required")
}

func TestProviderClosedRejectsWork(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{ProjectID: "tableside-test"})
	require.NoError(t, provider.Close(context.Background()))
	require.NoError(t, provider.Close(context.Background()))

	_, err := provider.Client(context.Background())
	require.ErrorIs(t, err, ErrProviderClosed)
	require.ErrorIs(t, provider.Ping(context.Background()), ErrProviderClosed)
	require.ErrorIs(t, provider.RunTransaction(context.Background(), nil), ErrProviderClosed)
}

func TestRunTransactionRejectsNilBody(t *testing.T) {
	err := runTransaction(context.Background(), nil, nil, nil)
	require.ErrorContains(t, err, "transaction function is nil")
}
