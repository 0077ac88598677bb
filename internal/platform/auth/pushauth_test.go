package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pushAudience = "https://api.tableside.test/internal/payments/pubsub"
	pushAccount  = "psp-push@tableside.iam.gserviceaccount.com"
)

var pushNow = time.Unix(1_700_000_000, 0)

type recordingMetrics struct {
	mu      sync.Mutex
	reasons []string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, kind+":"+reason)
}

func (m *recordingMetrics) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reasons) == 0 {
		return ""
	}
	return m.reasons[len(m.reasons)-1]
}

type jwksServer struct {
	key      *rsa.PrivateKey
	requests atomic.Int32
	status   atomic.Int32
	server   *httptest.Server
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := &jwksServer{key: key}
	s.status.Store(http.StatusOK)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.requests.Add(1)
		if code := int(s.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "push-key",
			Algorithm: jwt.SigningMethodRS256.Alg(),
			Use:       "sig",
		}}})
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *jwksServer) sign(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":            pushAudience,
		"iss":            "https://accounts.google.com",
		"sub":            "1234567890",
		"email":          pushAccount,
		"email_verified": true,
		"iat":            pushNow.Unix(),
		"exp":            pushNow.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "push-key"
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func freezeJWTTime(t *testing.T) {
	t.Helper()
	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return pushNow }
	t.Cleanup(func() { jwt.TimeFunc = original })
}

func servePush(v *PushVerifier, token string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	var identity *ServiceIdentity
	handler := v.Require()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/payments/pubsub", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, identity
}

func TestKeySetCachesAndSharesFetches(t *testing.T) {
	srv := newJWKSServer(t)
	keys := NewKeySet(srv.server.URL, WithKeySetClock(func() time.Time { return pushNow }))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := keys.Key(context.Background(), "push-key")
			assert.NoError(t, err)
			assert.IsType(t, &rsa.PublicKey{}, key)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, srv.requests.Load(), int32(8))

	before := srv.requests.Load()
	_, err := keys.Key(context.Background(), "push-key")
	require.NoError(t, err)
	assert.Equal(t, before, srv.requests.Load())

	_, err = keys.Key(context.Background(), "rotated")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, before, srv.requests.Load(), "unknown kid right after a fetch must not refetch")
}

func TestKeySetServesStaleKeyWhenRefreshFails(t *testing.T) {
	srv := newJWKSServer(t)
	now := pushNow
	keys := NewKeySet(srv.server.URL, WithKeySetClock(func() time.Time { return now }))
	_, err := keys.Key(context.Background(), "push-key")
	require.NoError(t, err)

	srv.status.Store(http.StatusInternalServerError)
	now = now.Add(time.Hour)
	key, err := keys.Key(context.Background(), "push-key")
	require.NoError(t, err)
	assert.NotNil(t, key)

	_, err = NewKeySet(srv.server.URL).Key(context.Background(), "push-key")
	require.ErrorIs(t, err, ErrKeySetUnavailable)
}

func TestPushVerifierAcceptsAllowedAccount(t *testing.T) {
	freezeJWTTime(t)
	srv := newJWKSServer(t)
	metrics := &recordingMetrics{}
	v := NewPushVerifier(NewKeySet(srv.server.URL), pushAudience,
		WithServiceAccounts(pushAccount),
		WithPushMetrics(metrics),
	)

	rr, identity := servePush(v, srv.sign(t, nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, identity)
	assert.Equal(t, pushAccount, identity.Email)
	assert.Equal(t, "1234567890", identity.Subject)
	assert.Equal(t, "push:ok", metrics.last())
}

func TestPushVerifierRejections(t *testing.T) {
	freezeJWTTime(t)
	srv := newJWKSServer(t)

	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		token  string
		status int
		reason string
	}{
		{name: "missing token", token: "-", status: http.StatusUnauthorized, reason: "token_missing"},
		{name: "audience", mutate: func(c jwt.MapClaims) { c["aud"] = "https://elsewhere" }, status: http.StatusUnauthorized, reason: "audience_mismatch"},
		{name: "issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, status: http.StatusUnauthorized, reason: "issuer_mismatch"},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = pushNow.Add(-time.Minute).Unix() }, status: http.StatusUnauthorized, reason: "token_invalid"},
		{name: "other account", mutate: func(c jwt.MapClaims) { c["email"] = "intruder@example.com" }, status: http.StatusForbidden, reason: "caller_not_allowed"},
		{name: "unverified email", mutate: func(c jwt.MapClaims) { c["email_verified"] = false }, status: http.StatusForbidden, reason: "caller_not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			v := NewPushVerifier(NewKeySet(srv.server.URL), pushAudience,
				WithServiceAccounts(pushAccount),
				WithPushMetrics(metrics),
			)
			token := tc.token
			if token == "" {
				token = srv.sign(t, tc.mutate)
			} else if token == "-" {
				token = ""
			}
			rr, identity := servePush(v, token)
			assert.Equal(t, tc.status, rr.Code)
			assert.Nil(t, identity)
			assert.Equal(t, "push:"+tc.reason, metrics.last())
		})
	}
}

func TestPushVerifierUnavailable(t *testing.T) {
	freezeJWTTime(t)
	srv := newJWKSServer(t)
	token := srv.sign(t, nil)

	rr, _ := servePush(NewPushVerifier(NewKeySet(srv.server.URL), ""), token)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	srv.status.Store(http.StatusBadGateway)
	metrics := &recordingMetrics{}
	rr, _ = servePush(NewPushVerifier(NewKeySet(srv.server.URL), pushAudience, WithPushMetrics(metrics)), token)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "push:jwks_unavailable", metrics.last())
}

func TestPushVerifierReadsBearerScheme(t *testing.T) {
	freezeJWTTime(t)
	srv := newJWKSServer(t)
	token := srv.sign(t, nil)
	v := NewPushVerifier(NewKeySet(srv.server.URL), pushAudience, WithServiceAccounts(pushAccount))
	handler := v.Require()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for header, status := range map[string]int{
		"bearer " + token:  http.StatusNoContent,
		"  Bearer " + token: http.StatusNoContent,
		"Basic " + token:   http.StatusUnauthorized,
		token:              http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodPost, "/internal/payments/pubsub", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, status, rr.Code, header[:8])
	}
}

func TestMaxAge(t *testing.T) {
	d, ok := maxAge("public, max-age=19800, must-revalidate")
	assert.True(t, ok)
	assert.Equal(t, 19800*time.Second, d)

	_, ok = maxAge("no-store")
	assert.False(t, ok)
}
