package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/tableside/api/internal/platform/requestctx"
)

// MetricsRecorder receives one call per token verification.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// ServiceIdentity is the Google service account that signed a push request.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// WithServiceIdentity stores identity on ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the identity set by PushVerifier.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// PushVerifier authenticates Pub/Sub push deliveries and other Google-signed callers of the
// internal routes.
type PushVerifier struct {
	keys     *KeySet
	audience string
	issuers  map[string]struct{}
	accounts map[string]struct{}
	metrics  MetricsRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// PushOption customises a PushVerifier.
type PushOption func(*PushVerifier)

// WithIssuers replaces the accepted issuers. An empty list keeps Google's defaults.
func WithIssuers(issuers ...string) PushOption {
	return func(v *PushVerifier) {
		if set := stringSet(issuers); len(set) > 0 {
			v.issuers = set
		}
	}
}

// WithServiceAccounts restricts callers to the given verified service account emails.
func WithServiceAccounts(emails ...string) PushOption {
	return func(v *PushVerifier) {
		v.accounts = stringSet(emails)
	}
}

// WithPushMetrics sets the verification recorder.
func WithPushMetrics(recorder MetricsRecorder) PushOption {
	return func(v *PushVerifier) {
		v.metrics = recorder
	}
}

// WithPushLogger sets the logger used when a token is rejected.
func WithPushLogger(logger *zap.Logger) PushOption {
	return func(v *PushVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithPushClock overrides time.Now for latency measurement.
func WithPushClock(now func() time.Time) PushOption {
	return func(v *PushVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewPushVerifier accepts RS256 tokens signed by keys and minted for audience. Google's issuers
// are accepted by default.
func NewPushVerifier(keys *KeySet, audience string, opts ...PushOption) *PushVerifier {
	v := &PushVerifier{
		keys:     keys,
		audience: strings.TrimSpace(audience),
		issuers:  stringSet([]string{"https://accounts.google.com", "accounts.google.com"}),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type pushClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// rejection is a verification failure with its metric reason and HTTP mapping.
type rejection struct {
	reason string
	status int
	code   string
}

func (r rejection) Error() string { return r.reason }

// Require rejects requests without a valid token and stores the ServiceIdentity on success.
func (v *PushVerifier) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			identity, err := v.verify(ctx, r)
			var rej rejection
			if err != nil {
				if !errors.As(err, &rej) {
					rej = rejection{reason: "token_invalid", status: http.StatusUnauthorized, code: "invalid_token"}
				}
				v.record(ctx, false, rej.reason, start)
				requestctx.Logger(ctx).Warn("push token rejected", zap.String("reason", rej.reason), zap.Error(err))
				respondAuthError(ctx, w, rej.status, rej.code, "push token verification failed")
				return
			}
			v.record(ctx, true, "ok", start)
			ctx = WithServiceIdentity(ctx, identity)
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("caller", identity.Email)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (v *PushVerifier) verify(ctx context.Context, r *http.Request) (*ServiceIdentity, error) {
	if v.keys == nil || v.audience == "" {
		return nil, rejection{reason: "not_configured", status: http.StatusServiceUnavailable, code: "push_auth_unavailable"}
	}
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, rejection{reason: "token_missing", status: http.StatusUnauthorized, code: "unauthenticated"}
	}

	var claims pushClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, &claims, v.keys.keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, rejection{reason: "jwks_unavailable", status: http.StatusServiceUnavailable, code: "push_auth_unavailable"}
		}
		return nil, err
	}
	if _, ok := v.issuers[strings.ToLower(claims.Issuer)]; !ok {
		return nil, rejection{reason: "issuer_mismatch", status: http.StatusUnauthorized, code: "invalid_token"}
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, rejection{reason: "audience_mismatch", status: http.StatusUnauthorized, code: "invalid_token"}
	}
	if len(v.accounts) > 0 {
		if _, ok := v.accounts[strings.ToLower(claims.Email)]; !ok || !claims.EmailVerified {
			return nil, rejection{reason: "caller_not_allowed", status: http.StatusForbidden, code: "forbidden"}
		}
	}
	return &ServiceIdentity{Subject: claims.Subject, Email: claims.Email, Issuer: claims.Issuer}, nil
}

func (v *PushVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "push", success, reason, v.now().Sub(start))
	}
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
			set[value] = struct{}{}
		}
	}
	return set
}
