package httpapi

import (
	"net/http"
	"time"

	"github.com/mylxsw/asteria/log"
)

// statusRecorder captures the status code a handler writes so the
// access log can report it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one access-log line per request. The debug
// API is a local bench surface, so the log stays at debug level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.Debugf("httpapi: %s %s -> %d in %v (%s)",
			r.Method, r.URL.Path, rec.status, time.Since(start), r.RemoteAddr)
	})
}

// RecoveryMiddleware converts a handler panic into a 500 so one bad
// request cannot take the debug server down.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("httpapi: panic serving %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
