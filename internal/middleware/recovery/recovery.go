// Package recovery turns handler panics into JSON 500 responses.
package recovery

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"findash/internal/log"
)

type Middleware struct {
	logger *log.Logger
	panics int64
}

func NewMiddleware(logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.Discard()
	}
	return &Middleware{logger: logger.WithComponent(log.ComponentHTTP)}
}

func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			atomic.AddInt64(&m.panics, 1)

			logger := log.FromContext(r.Context())
			if logger.Component() == "unknown" {
				logger = m.logger
			}
			logger.ErrorContext(r.Context(), "Panic recovered",
				log.FieldError, fmt.Sprint(rec),
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path,
				"stack", string(debug.Stack()))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
		}()
		next.ServeHTTP(w, r)
	})
}

// Panics reports how many panics have been recovered.
func (m *Middleware) Panics() int64 {
	return atomic.LoadInt64(&m.panics)
}
