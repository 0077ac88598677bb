package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeyNotFound is returned when no published key matches the token's kid.
	ErrKeyNotFound = errors.New("auth: signing key not found")
	// ErrKeySetUnavailable wraps transport and decoding failures while fetching keys.
	ErrKeySetUnavailable = errors.New("auth: signing keys unavailable")
)

const (
	defaultKeySetTTL     = 15 * time.Minute
	defaultKeySetTimeout = 5 * time.Second
	// minForcedRefresh throttles refetches triggered by unknown key ids.
	minForcedRefresh = 30 * time.Second
)

// KeySet caches the RSA keys Google publishes for signing OIDC tokens. Concurrent misses share
// a single fetch.
type KeySet struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
	ttl     time.Duration
	timeout time.Duration

	mu        sync.RWMutex
	keys      map[string]any
	expiry    time.Time
	fetchedAt time.Time

	fetches singleflight.Group
}

// KeySetOption customises a KeySet.
type KeySetOption func(*KeySet)

// WithKeySetHTTPClient overrides the HTTP client.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(k *KeySet) {
		if client != nil {
			k.client = client
		}
	}
}

// WithKeySetLogger sets the logger for refresh events.
func WithKeySetLogger(logger *zap.Logger) KeySetOption {
	return func(k *KeySet) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// WithKeySetClock overrides time.Now.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) {
		if now != nil {
			k.now = now
		}
	}
}

// WithKeySetTTL sets the lifetime used when the response carries no max-age.
func WithKeySetTTL(ttl time.Duration) KeySetOption {
	return func(k *KeySet) {
		if ttl > 0 {
			k.ttl = ttl
		}
	}
}

// NewKeySet returns a cache for the JWKS document at url.
func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
		now:     time.Now,
		ttl:     defaultKeySetTTL,
		timeout: defaultKeySetTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Key returns the public key for kid, fetching the document when the cache is stale or when
// kid is unknown and the last fetch is old enough.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	now := k.now()
	key, fresh, fetchedAt := k.lookup(kid, now)
	if key != nil && fresh {
		return key, nil
	}
	if key == nil && fresh && now.Sub(fetchedAt) < minForcedRefresh {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	_, err, _ := k.fetches.Do("jwks", func() (any, error) {
		return nil, k.refresh(ctx)
	})
	if err != nil {
		if key != nil {
			k.logger.Warn("jwks refresh failed; serving stale key", zap.Error(err))
			return key, nil
		}
		return nil, err
	}
	if key, _, _ = k.lookup(kid, k.now()); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (k *KeySet) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token has no kid header")
		}
		return k.Key(ctx, kid)
	}
}

func (k *KeySet) lookup(kid string, now time.Time) (key any, fresh bool, fetchedAt time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[kid], len(k.keys) > 0 && now.Before(k.expiry), k.fetchedAt
}

func (k *KeySet) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeySetUnavailable, err)
	}
	keys := make(map[string]any, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no signing keys", ErrKeySetUnavailable)
	}

	ttl := k.ttl
	if maxAge, ok := maxAge(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	now := k.now()
	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = now
	k.expiry = now.Add(ttl)
	k.mu.Unlock()

	k.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func maxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
