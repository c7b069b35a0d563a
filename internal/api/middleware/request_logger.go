package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger attaches a request-scoped logger to the context, retrievable
// with zerolog.Ctx, and writes one access line per request. Server errors are
// logged at warn, everything else at info.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			l := logger.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			began := time.Now()
			next.ServeHTTP(ww, r.WithContext(l.WithContext(r.Context())))

			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			level := zerolog.InfoLevel
			if code >= http.StatusInternalServerError {
				level = zerolog.WarnLevel
			}
			l.WithLevel(level).
				Str("route", routeLabel(r)).
				Str("remote_addr", r.RemoteAddr).
				Int("status", code).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(began)).
				Msg("request")
		}
		return http.HandlerFunc(fn)
	}
}
