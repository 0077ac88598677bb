package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/tableside/api/internal/platform/config"
)

// ErrTokenRevoked signals that a staff session was revoked after the token was minted.
var ErrTokenRevoked = errors.New("auth: firebase session revoked")

// firebaseClient is the subset of the Admin SDK auth client the verifier calls.
type firebaseClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier verifies diner and staff ID tokens with the Admin SDK. When revocation checks
// are on, tokens carrying an operator role also pay the round-trip to Firebase.
type FirebaseVerifier struct {
	client       firebaseClient
	timeout      time.Duration
	checkRevoked bool
	roleClaim    string
}

// FirebaseOption customises a FirebaseVerifier.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout bounds each Admin SDK call.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRevocationCheck enables revocation checks for staff and admin tokens.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.checkRevoked = enabled
	}
}

// NewFirebaseVerifier initialises the Admin SDK for cfg.ProjectID. FIREBASE_AUTH_EMULATOR_HOST is
// honoured by the SDK itself.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	opts = append([]FirebaseOption{WithRevocationCheck(cfg.CheckRevoked)}, opts...)
	v := newFirebaseVerifier(client, opts...)
	if claim := strings.TrimSpace(cfg.RoleClaim); claim != "" {
		v.roleClaim = claim
	}
	return v, nil
}

func newFirebaseVerifier(client firebaseClient, opts ...FirebaseOption) *FirebaseVerifier {
	v := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout, roleClaim: defaultRoleClaim}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// VerifyIDToken implements TokenVerifier.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil || !v.checkRevoked || !operatorToken(token, v.roleClaim) {
		return token, err
	}
	token, err = v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	if firebaseauth.IsIDTokenRevoked(err) || firebaseauth.IsUserDisabled(err) {
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	return token, err
}

func operatorToken(token *firebaseauth.Token, roleClaim string) bool {
	if token == nil {
		return false
	}
	for _, role := range rolesFromClaims(token.Claims, roleClaim) {
		if role == RoleStaff || role == RoleAdmin {
			return true
		}
	}
	return false
}
