package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes added on top of the otelhttp defaults.
const (
	attrRoute     = attribute.Key("http.route")
	attrRequestID = attribute.Key("ledger.request_id")
)

// Tracing starts a server span per request and extracts W3C traceparent and
// tracestate from incoming headers. Spans are named after the normalized route
// (GET /v1/streams/{id}/verify) so stream ids never reach span names, and carry
// the request id the RequestID middleware assigned. Probe and scrape endpoints
// are not traced.
//
// Tracing must wrap RequestID.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		annotated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attrRoute.String(normalizePath(r.URL.Path)))
			next.ServeHTTP(w, r)
			if id := w.Header().Get(RequestIDHeader); id != "" {
				span.SetAttributes(attrRequestID.String(id))
			}
		})
		return otelhttp.NewHandler(annotated, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				switch r.URL.Path {
				case "/health", "/ready", "/metrics":
					return false
				}
				return true
			}),
		)
	}
}

// TraceID returns the id of the trace active in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanID returns the id of the span active in ctx, or "".
func SpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
