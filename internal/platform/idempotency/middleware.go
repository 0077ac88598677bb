package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tableside/api/internal/platform/auth"
	"github.com/tableside/api/internal/platform/httpx"
	"github.com/tableside/api/internal/platform/requestctx"
)

const (
	// DefaultHeader carries the client-chosen key.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks responses served from the store.
	ReplayHeader = "X-Idempotent-Replay"

	maxKeyLength = 255
)

type settings struct {
	header     string
	ttl        time.Duration
	lease      time.Duration
	requireKey bool
	clock      func() time.Time
}

// Option customises Middleware.
type Option func(*settings)

// WithHeader overrides the request header the key is read from.
func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLease sets how long an unfinished request holds its key.
func WithLease(lease time.Duration) Option {
	return func(s *settings) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// RequireKey rejects mutations that arrive without a key.
func RequireKey() Option {
	return func(s *settings) {
		s.requireKey = true
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Middleware guards POST, PUT, PATCH and DELETE requests that carry a key. Keys are scoped to the
// authenticated caller, so it must run after authentication. Successful and client-error
// responses are stored for replay; server errors release the key so the client can retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	s := settings{header: DefaultHeader, ttl: DefaultTTL, lease: DefaultLease, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(s.header))
			switch {
			case key == "" && !s.requireKey:
				next.ServeHTTP(w, r)
				return
			case key == "":
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", s.header+" header is required", http.StatusBadRequest))
				return
			case len(key) > maxKeyLength:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", s.header+" header is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			caller := requester(ctx)
			scoped := caller + "\x00" + key
			fingerprint := fingerprintOf(r, caller, body)
			logger := requestctx.Logger(ctx).With(zap.String("idempotencyKey", key))

			res, err := store.Reserve(ctx, scoped, fingerprint, s.clock().UTC(), s.lease)
			if err != nil {
				if errors.Is(err, ErrKeyReused) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used for a different request", http.StatusUnprocessableEntity))
					return
				}
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to check idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch res.State {
			case StateReplay:
				replay(w, res.Record)
				return
			case StateInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			buf := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(buf, r)

			// Storage failures after the handler ran are logged but never change the response the
			// handler produced.
			if buf.status() >= http.StatusInternalServerError {
				if err := store.Release(context.WithoutCancel(ctx), scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else {
				resp := Response{Status: buf.status(), Header: buf.header, Body: buf.body.Bytes()}
				if err := store.Complete(context.WithoutCancel(ctx), scoped, fingerprint, resp, s.clock().UTC(), s.ttl); err != nil {
					logger.Error("idempotency complete failed", zap.Error(err))
				}
			}
			buf.flush(w)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func fingerprintOf(r *http.Request, caller string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, caller} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(ReplayHeader, "true")
	status := record.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.Body)
}

// bufferedWriter holds the handler output until the outcome is stored.
type bufferedWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.code == 0 {
		b.code = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.status())
	_, _ = w.Write(b.body.Bytes())
}
