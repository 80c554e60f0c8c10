package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/duplex-chat/duplex/internal/metrics"
)

// Metrics returns middleware that records Prometheus metrics. The chi
// wrapper preserves the Hijacker and Flusher surface of the underlying
// writer; the websocket upgrade on /subscribe depends on that surviving
// the whole middleware chain.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(status),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path,
		).Observe(duration)
	})
}

// normalizePath normalizes paths to avoid high cardinality in metrics.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/conversations/") && len(path) > len("/conversations/") {
		rest := strings.TrimPrefix(path, "/conversations/")
		switch {
		case strings.HasSuffix(rest, "/messages"):
			return "/conversations/:id/messages"
		case strings.HasSuffix(rest, "/read"):
			return "/conversations/:id/read"
		case strings.HasSuffix(rest, "/unread"):
			return "/conversations/:id/unread"
		default:
			return "/conversations/:id"
		}
	}
	if strings.HasPrefix(path, "/messages/") && len(path) > len("/messages/") {
		return "/messages/:id"
	}
	return path
}
