package api

import (
	"net/http"

	"github.com/signalsfoundry/qkd-kms/internal/logging"
)

const requestIDHeader = "X-Request-Id"

// withRequestID ensures a request_id is present on the context, sourcing it
// from the inbound header if provided, and attaches a per-request logger
// annotated with request_id, method, and path.
func withRequestID(base logging.Logger, next http.Handler) http.Handler {
	if base == nil {
		base = logging.Noop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(requestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}

		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRecovery converts handler panics into 500 responses instead of tearing
// down the connection.
func withRecovery(log logging.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = logging.Noop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error(r.Context(), "handler panic",
					logging.String("path", r.URL.Path),
					logging.Any("panic", rec),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
