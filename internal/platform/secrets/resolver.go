// Package secrets resolves secret:// references used by configuration, such as the
// Stripe webhook signing secret, against Google Secret Manager.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	scheme          = "secret://"
	defaultCacheTTL = 5 * time.Minute
	latestVersion   = "latest"
)

var (
	// ErrInvalidReference is returned for references that are not secret://name[?version=&project=].
	ErrInvalidReference = errors.New("secrets: invalid reference")
	// ErrNotFound reports that neither Secret Manager nor the fallback file know the secret.
	ErrNotFound = errors.New("secrets: secret not found")
	// ErrNoBackend is returned when no project is configured and the fallback file has no value.
	ErrNoBackend = errors.New("secrets: no backend configured")
)

type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for fallback and refresh events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProject sets the Google Cloud project secrets are read from when a reference names none.
func WithProject(projectID string) Option {
	return func(r *Resolver) {
		r.project = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile loads name=value lines used when Secret Manager is unreachable or unconfigured.
func WithFallbackFile(path string) Option {
	return func(r *Resolver) {
		r.fallbackPath = strings.TrimSpace(path)
	}
}

// WithVersionPins pins secret names to a version when the reference asks for latest.
func WithVersionPins(pins map[string]string) Option {
	return func(r *Resolver) {
		for name, version := range pins {
			name = strings.TrimPrefix(strings.TrimSpace(name), scheme)
			if name != "" && strings.TrimSpace(version) != "" {
				r.pins[name] = strings.TrimSpace(version)
			}
		}
	}
}

// WithCacheTTL overrides how long resolved values are served from memory.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(r *Resolver) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// WithMeter overrides the meter used for fetch metrics.
func WithMeter(meter metric.Meter) Option {
	return func(r *Resolver) {
		if meter != nil {
			r.meter = meter
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func withClient(client accessor) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

type cached struct {
	value   string
	fetched time.Time
}

// Resolver turns secret references into values, caching successful reads for a TTL.
type Resolver struct {
	client       accessor
	ownsClient   bool
	clientOpts   []option.ClientOption
	project      string
	fallbackPath string
	fallback     map[string]string
	pins         map[string]string
	ttl          time.Duration
	now          func() time.Time
	logger       *zap.Logger
	meter        metric.Meter

	mu    sync.RWMutex
	cache map[string]cached
	group singleflight.Group

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

// NewResolver builds a Resolver. A Secret Manager client is only created when a project is configured.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		pins:   make(map[string]string),
		ttl:    defaultCacheTTL,
		now:    time.Now,
		logger: zap.NewNop(),
		meter:  otel.Meter("github.com/tableside/api/internal/platform/secrets"),
		cache:  make(map[string]cached),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	fallback, err := readFallback(r.fallbackPath)
	if err != nil {
		return nil, err
	}
	r.fallback = fallback

	if r.client == nil && r.project != "" {
		client, err := secretmanager.NewClient(ctx, r.clientOpts...)
		if err != nil {
			if len(r.fallback) == 0 {
				return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
			}
			r.logger.Warn("secret manager unavailable; using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}

	if r.latency, err = r.meter.Float64Histogram("secrets.fetch.latency", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("secrets: latency histogram: %w", err)
	}
	if r.cacheHits, err = r.meter.Int64Counter("secrets.fetch.cache_hits"); err != nil {
		return nil, fmt.Errorf("secrets: cache hit counter: %w", err)
	}
	return r, nil
}

// Close releases the Secret Manager client when the Resolver created it.
func (r *Resolver) Close() error {
	if r == nil || r.client == nil || !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

// Resolve returns the secret value for ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	if parsed.version == latestVersion {
		if pinned, ok := r.pins[parsed.name]; ok {
			parsed.version = pinned
		}
	}
	if parsed.project == "" {
		parsed.project = r.project
	}
	key := parsed.key()

	if value, ok := r.lookup(key); ok {
		r.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", parsed.name)))
		return value, nil
	}

	value, err, _ := r.group.Do(key, func() (any, error) {
		return r.fetch(ctx, parsed)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (r *Resolver) fetch(ctx context.Context, ref reference) (string, error) {
	if r.client == nil || ref.project == "" {
		if value, ok := r.fallback[ref.name]; ok {
			r.store(ref.key(), value)
			return value, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNoBackend, ref.name)
	}

	started := r.now()
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", ref.project, ref.name, ref.version),
	})
	r.latency.Record(ctx, float64(r.now().Sub(started).Microseconds())/1000,
		metric.WithAttributes(attribute.String("secret", ref.name), attribute.Bool("error", err != nil)))
	if err == nil {
		value := string(resp.GetPayload().GetData())
		r.store(ref.key(), value)
		return value, nil
	}

	code := status.Code(err)
	if code == codes.NotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref.name)
	}
	if fallbackable(code) {
		if value, ok := r.fallback[ref.name]; ok {
			r.logger.Warn("secret manager read failed; serving fallback value",
				zap.String("secret", ref.name),
				zap.String("code", code.String()),
			)
			return value, nil
		}
	}
	return "", fmt.Errorf("secrets: access %s: %w", ref.name, err)
}

func (r *Resolver) lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[key]
	if !ok || r.now().Sub(entry.fetched) >= r.ttl {
		return "", false
	}
	return entry.value, true
}

func (r *Resolver) store(key, value string) {
	r.mu.Lock()
	r.cache[key] = cached{value: value, fetched: r.now()}
	r.mu.Unlock()
}

func fallbackable(code codes.Code) bool {
	switch code {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) key() string {
	return r.project + "/" + r.name + "@" + r.version
}

func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, scheme) {
		return reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	rest := strings.TrimPrefix(raw, scheme)
	name, query, _ := strings.Cut(rest, "?")
	name = strings.Trim(name, "/")
	if name == "" || strings.ContainsAny(name, " \t") {
		return reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	ref := reference{
		name:    strings.ReplaceAll(name, "/", "-"),
		version: strings.TrimSpace(values.Get("version")),
		project: strings.TrimSpace(values.Get("project")),
	}
	if ref.version == "" {
		ref.version = latestVersion
	}
	return ref, nil
}

// readFallback parses NAME=value lines. Names may carry the secret:// prefix; blank lines and # comments are skipped.
func readFallback(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("secrets: open fallback file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("secrets: fallback file %s:%d: expected name=value", path, line)
		}
		name = strings.Trim(strings.TrimPrefix(strings.TrimSpace(name), scheme), "/")
		if name == "" {
			return nil, fmt.Errorf("secrets: fallback file %s:%d: empty name", path, line)
		}
		values[strings.ReplaceAll(name, "/", "-")] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read fallback file: %w", err)
	}
	return values, nil
}
