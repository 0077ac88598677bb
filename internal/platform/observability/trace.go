package observability

import (
	"encoding/binary"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tableside/api/internal/platform/requestctx"
)

// CloudTraceHeader is the propagation header set by Google front ends.
const CloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/tableside/api/internal/platform/observability")

// Trace starts a server span, continuing the caller's Cloud Trace context when the header is
// present, and records the identifiers on the request context.
func Trace(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := parseCloudTrace(r.Header.Get(CloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("server.address", r.Host),
				),
			)
			defer span.End()

			sc := span.SpanContext()
			ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			})
			if header := formatCloudTrace(sc); header != "" {
				w.Header().Set(CloudTraceHeader, header)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseCloudTrace reads "TRACE_ID/SPAN_ID;o=OPTIONS". The span id is decimal; some proxies
// forward it as 16 hex digits, which is accepted too.
func parseCloudTrace(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	traceHex, rest, ok := strings.Cut(header, "/")
	if !ok {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")

	var spanID trace.SpanID
	if n, err := strconv.ParseUint(spanPart, 10, 64); err == nil {
		binary.BigEndian.PutUint64(spanID[:], n)
	} else if id, err := trace.SpanIDFromHex(spanPart); err == nil {
		spanID = id
	}
	if !spanID.IsValid() {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	for _, opt := range strings.Split(options, ";") {
		if strings.TrimSpace(opt) == "o=1" {
			flags = trace.FlagsSampled
		}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func formatCloudTrace(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	spanID := sc.SpanID()
	option := "0"
	if sc.IsSampled() {
		option = "1"
	}
	return sc.TraceID().String() + "/" + strconv.FormatUint(binary.BigEndian.Uint64(spanID[:]), 10) + ";o=" + option
}
