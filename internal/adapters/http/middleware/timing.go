package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultSlowRequest is the threshold used when Timing is given none.
const DefaultSlowRequest = 200 * time.Millisecond

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

var requestSeq atomic.Uint64

// untimed lists path prefixes that are served without a log line.
var untimed = []string{"/static/", "/metrics", "/healthz"}

// recorder remembers the status written by the wrapped handler.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *recorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// requestID returns the caller's id when it sent a usable one.
func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(RequestIDHeader)); id != "" && len(id) <= 64 {
		return id
	}
	return fmt.Sprintf("req-%d", requestSeq.Add(1))
}

// Timing logs one line per request and echoes the request id.
// Requests slower than threshold are logged as slow_request at WARN, the rest
// at DEBUG. A threshold <= 0 uses DefaultSlowRequest.
// POST: the log line is written even when the handler panics
func Timing(threshold time.Duration) func(http.Handler) http.Handler {
	if threshold <= 0 {
		threshold = DefaultSlowRequest
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range untimed {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			id := requestID(r)
			w.Header().Set(RequestIDHeader, id)
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			defer func() {
				elapsed := time.Since(start)
				attrs := []any{
					"request_id", id,
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"bytes", rec.bytes,
					"duration_ms", float64(elapsed.Microseconds()) / 1000.0,
				}
				if elapsed >= threshold {
					slog.Warn("slow_request", attrs...)
					return
				}
				slog.Debug("request", attrs...)
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
