package observability

import (
	"net/http"
	"strconv"
	"time"
)

// Routes with their own metric label. Anything else (proxied traffic) is
// labeled "proxy" to keep label cardinality bounded.
var knownRoutes = map[string]bool{
	"/v1/authorize":          true,
	"/healthz":               true,
	"/readyz":                true,
	"/metrics":               true,
	"/.well-known/jwks.json": true,
}

// MetricsMiddleware wraps an HTTP handler to record
// gateway_http_requests_total and gateway_http_request_duration_seconds.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "proxy"
		if knownRoutes[r.URL.Path] {
			route = r.URL.Path
		}
		statusStr := strconv.Itoa(sw.status/100) + "xx"

		RequestsTotal.WithLabelValues(r.Method, statusStr, route).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Flush lets proxied streaming responses pass through.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
