package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// streamSubresources lists the subresources served under /v1/streams/{id}/.
var streamSubresources = map[string]bool{
	"events":  true,
	"verify":  true,
	"export":  true,
	"archive": true,
	"tail":    true,
}

// unmatchedRoute is the metrics label for paths no route serves.
const unmatchedRoute = "unmatched"

// normalizePath maps a request path onto its route pattern, e.g.
// /v1/streams/6f1c/verify to /v1/streams/{id}/verify. Anything the router does
// not serve collapses into unmatchedRoute so probes cannot grow the series count.
func normalizePath(path string) string {
	switch path {
	case "/", "/v1/events", "/v1/streams", "/health", "/ready", "/metrics":
		return path
	}

	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	// parts[0] is the empty segment before the leading slash.
	if len(parts) < 4 || parts[1] != "v1" || parts[3] == "" {
		return unmatchedRoute
	}

	switch parts[2] {
	case "events":
		if len(parts) == 4 {
			return "/v1/events/{id}"
		}
	case "streams":
		if len(parts) == 5 && streamSubresources[parts[4]] {
			return "/v1/streams/{id}/" + parts[4]
		}
	}
	return unmatchedRoute
}

// metricsResponseWriter records the status and body size written by a handler.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// Hijack supports the websocket tail endpoint.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(mrw.ResponseWriter).Hijack()
}

// updateContext forwards to the logging writer underneath, if any.
func (mrw *metricsResponseWriter) updateContext(ctx context.Context) {
	UpdateResponseContext(mrw.ResponseWriter, ctx)
}

// newMetricsResponseWriter starts at 200, the status net/http sends when a handler only writes a body.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics records duration, request and response size, and a request count
// for every ledger route. Probe and scrape endpoints are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)
			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				declaredSize(r),
				mrw.size,
			)
		})
	}
}

// declaredSize is the request's Content-Length header, or 0 when absent or malformed.
func declaredSize(r *http.Request) int64 {
	size, err := strconv.ParseInt(r.Header.Get("Content-Length"), 10, 64)
	if err != nil || size < 0 {
		return 0
	}
	return size
}
