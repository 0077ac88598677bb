package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/tableside/api/internal/platform/httpx"
	"github.com/tableside/api/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultTenantClaim   = "tenants"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
	bearerChallenge      = `Bearer realm="tableside"`
)

// ErrTokenExpired signals that the Firebase ID token has expired.
var ErrTokenExpired = errors.New("auth: firebase id token expired")

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// ClaimNames names the token claims an Identity is read from. Empty fields keep the defaults.
type ClaimNames struct {
	Role   string
	Tenant string
	Email  string
}

// Authenticator turns Firebase bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier     TokenVerifier
	claims       ClaimNames
	fallbackRole string
	timeout      time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithClaimNames overrides the claims roles, tenants and email are read from.
func WithClaimNames(names ClaimNames) Option {
	return func(a *Authenticator) {
		if v := strings.TrimSpace(names.Role); v != "" {
			a.claims.Role = v
		}
		if v := strings.TrimSpace(names.Tenant); v != "" {
			a.claims.Tenant = v
		}
		if v := strings.TrimSpace(names.Email); v != "" {
			a.claims.Email = v
		}
	}
}

// WithFallbackRole sets the role granted to tokens without a role claim. An empty role rejects them.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

// NewAuthenticator builds an Authenticator. Tokens without a role claim are treated as diners.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		claims:       ClaimNames{Role: defaultRoleClaim, Tenant: defaultTenantClaim, Email: defaultEmailClaim},
		fallbackRole: RoleDiner,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth admits requests with a valid bearer token. With roles given, the identity must
// carry at least one of them.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "auth_unavailable", "authorization service unavailable")
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
			cancel()
			if err != nil {
				respondVerificationError(ctx, w, err)
				return
			}

			identity := a.identity(token)
			if len(identity.Roles) == 0 {
				respondAuthError(ctx, w, http.StatusForbidden, "missing_role", "no roles associated with identity")
				return
			}
			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("uid", identity.UID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) identity(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:     token.UID,
		Email:   stringClaim(token.Claims, a.claims.Email),
		Roles:   rolesFromClaims(token.Claims, a.claims.Role),
		Tenants: tenantsFromClaims(token.Claims, a.claims.Tenant),
	}
	if identity.Email == "" && a.claims.Email != defaultEmailClaim {
		identity.Email = stringClaim(token.Claims, defaultEmailClaim)
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity
}

// rolesFromClaims accepts "staff", ["staff", "runner"], or {"staff": true}. Roles are lower cased.
func rolesFromClaims(claims map[string]any, key string) []string {
	var values []string
	switch v := claims[key].(type) {
	case string:
		values = []string{v}
	case []any:
		values = stringsOf(v)
	case []string:
		values = v
	case map[string]any:
		for role, granted := range v {
			if on, _ := granted.(bool); on {
				values = append(values, role)
			}
		}
	}
	return distinct(values, normaliseRole)
}

// tenantsFromClaims accepts a single tenant id, a list, or a comma separated string. Ids keep their case.
func tenantsFromClaims(claims map[string]any, key string) []string {
	var values []string
	switch v := claims[key].(type) {
	case string:
		values = strings.Split(v, ",")
	case []any:
		values = stringsOf(v)
	case []string:
		values = v
	}
	return distinct(values, strings.TrimSpace)
}

func stringsOf(values []any) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func distinct(values []string, normalise func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = normalise(value)
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", bearerChallenge)
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenRevoked):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_revoked", "session has been revoked")
	case errors.Is(err, context.DeadlineExceeded):
		respondAuthError(ctx, w, http.StatusServiceUnavailable, "auth_unavailable", "token verification timed out")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	}
}
