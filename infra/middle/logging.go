package middle

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/infra/redact"
)

type ctxKey int

const requestIDKey ctxKey = iota

// maximum request body kept for debug logging
const maxLoggedBody = 16 << 10

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// RequestIDFromContext returns the request id set by RequestLoggingMiddleware
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestLoggingMiddleware tags every request with an id and logs its outcome.
// Payment request bodies are logged at debug level with card data and keys masked.
func RequestLoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 64 {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

			var body []byte
			if isPaymentEndpoint(r.URL.Path) && r.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(r.Body, maxLoggedBody))
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.statusCode,
				"bytes":       rw.written,
				"duration_ms": time.Since(started).Milliseconds(),
				"client_ip":   GetClientIP(r),
			}
			lc := logger.LogContext{RequestID: requestID, Fields: fields}

			switch {
			case rw.statusCode >= http.StatusInternalServerError:
				logger.Error("request failed", nil, lc)
			case rw.statusCode >= http.StatusBadRequest:
				logger.Warn("request rejected", lc)
			default:
				logger.Info("request served", lc)
			}

			if len(body) > 0 {
				logger.Debug("request body", logger.LogContext{
					RequestID: requestID,
					Fields:    map[string]any{"path": r.URL.Path, "body": redact.JSON(body)},
				})
			}
		})
	}
}

func isPaymentEndpoint(path string) bool {
	for _, prefix := range []string{"/v1/checkout", "/v1/transactions", "/v1/installments", "/callback", "/webhooks"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
