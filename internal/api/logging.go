package api

import (
	"log/slog"
	"net/http"
	"time"
)

// responseWriter captures the status code and bytes written, which the
// standard ResponseWriter does not expose after the handler returns.
type responseWriter struct {
	http.ResponseWriter
	status       int
	wroteHeader  bool
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush forwards to the underlying writer so the SSE handler can stream
// through the wrapper. A non-Flusher underlying writer makes this a no-op.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer for http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// healthPaths are probed constantly by orchestrators; logging them is noise.
var healthPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
}

// RequestLogger logs one structured line per request: method, path, status,
// duration, sizes. 4xx logs at warn, 5xx at error.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.status),
			slog.String("duration", time.Since(start).String()),
			slog.Int64("request_size", r.ContentLength),
			slog.Int("response_size", wrapped.bytesWritten),
		}
		if reqID := RequestIDFromContext(r.Context()); reqID != "" {
			attrs = append(attrs, slog.String("request_id", reqID))
		}

		msg := "request completed"
		switch {
		case wrapped.status >= 500:
			slog.LogAttrs(r.Context(), slog.LevelError, msg, attrs...)
		case wrapped.status >= 400:
			slog.LogAttrs(r.Context(), slog.LevelWarn, msg, attrs...)
		default:
			slog.LogAttrs(r.Context(), slog.LevelInfo, msg, attrs...)
		}
	})
}
