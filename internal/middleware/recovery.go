package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// Recovery turns a panic into a generic 500 failure body.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic serving request",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"success":false,"exception":"An unexpected error occurred","errors":[{"msg":"An unexpected error occurred"}]}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
