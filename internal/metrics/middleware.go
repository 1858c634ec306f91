package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath groups paths to avoid high-cardinality labels. Path
// segments that carry entity IDs are replaced with a placeholder.
func normalizePath(path string) string {
	switch path {
	case "/metrics", "/ws/worker", "/ws/frontend":
		return path
	}
	if !strings.HasPrefix(path, "/api/") {
		return "/other"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	switch parts[0] {
	case "task":
		if len(parts) == 2 {
			// /api/task/create, /api/task/assign
			return path
		}
		if len(parts) == 3 {
			return "/api/task/:id/" + parts[2]
		}
	case "user":
		if len(parts) == 3 {
			return "/api/user/:id/" + parts[2]
		}
	case "rates":
		if len(parts) == 3 {
			return "/api/rates/" + parts[1] + "/:id"
		}
		return path
	case "inbox":
		return path
	case "super-admin":
		if len(parts) == 4 {
			return "/api/super-admin/worker/:id/" + parts[3]
		}
	}
	return "/api/other"
}
