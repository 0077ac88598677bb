package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tableside/api/internal/platform/httpx"
	"github.com/tableside/api/internal/platform/requestctx"
)

// scopeParams are route parameters copied into the access log when a route resolves them.
var scopeParams = map[string]string{
	"tenantID":    "tenantId",
	"orderID":     "orderId",
	"promotionID": "promotionId",
}

// ContextLogger stores logger on every request context.
func ContextLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// AccessLog writes one entry per request once the response is complete. Handlers see a logger
// already tagged with the request and trace identifiers.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)

			fields := []zap.Field{zap.String("requestId", middleware.GetReqID(ctx))}
			if info.TraceID != "" {
				fields = append(fields, zap.String("traceId", info.TraceID))
				if info.ProjectID != "" {
					fields = append(fields,
						zap.String("logging.googleapis.com/trace", fmt.Sprintf("projects/%s/traces/%s", info.ProjectID, info.TraceID)),
						zap.Bool("logging.googleapis.com/trace_sampled", info.Sampled),
					)
				}
			}
			logger := requestctx.Logger(ctx).With(fields...)
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			panicked := true
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if panicked {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				annotateSpan(trace.SpanFromContext(ctx), route, status)

				entry := []zap.Field{
					zap.String("route", route),
					zap.Object("httpRequest", httpRequest{r: r, status: status, size: ww.BytesWritten(), latency: time.Since(start)}),
				}
				entry = append(entry, scopeFields(r)...)
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", entry...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", entry...)
				default:
					logger.Info("request completed", entry...)
				}
			}()

			next.ServeHTTP(ww, r)
			panicked = false
		})
	}
}

// Recover turns panics into a logged 500 with the standard error envelope.
func Recover(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// httpRequest renders the Cloud Logging HttpRequest object.
type httpRequest struct {
	r       *http.Request
	status  int
	size    int
	latency time.Duration
}

func (h httpRequest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("requestMethod", clean(h.r.Method, 10))
	if h.r.URL != nil {
		enc.AddString("requestUrl", clean(h.r.URL.RequestURI(), 512))
	}
	enc.AddInt("status", h.status)
	enc.AddInt("responseSize", h.size)
	enc.AddString("latency", fmt.Sprintf("%.6fs", h.latency.Seconds()))
	if ip := remoteIP(h.r); ip != "" {
		enc.AddString("remoteIp", ip)
	}
	if ua := h.r.UserAgent(); ua != "" {
		enc.AddString("userAgent", clean(ua, 256))
	}
	enc.AddString("protocol", h.r.Proto)
	return nil
}

func scopeFields(r *http.Request) []zap.Field {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	var fields []zap.Field
	for i, key := range rctx.URLParams.Keys {
		name, ok := scopeParams[key]
		if !ok || i >= len(rctx.URLParams.Values) {
			continue
		}
		if value := clean(rctx.URLParams.Values[i], 128); value != "" {
			fields = append(fields, zap.String(name, value))
		}
	}
	return fields
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return clean(pattern, 180)
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return clean(r.URL.Path, 180)
	}
	return "/"
}

func annotateSpan(span trace.Span, route string, status int) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clean(addr, 64)
}

// clean strips control characters and caps the rune count so request data cannot forge log lines.
func clean(value string, limit int) string {
	out := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return string(out)
}
