package middle

import (
	"net/http"
	"strings"

	"github.com/mstgnz/paygate/infra/response"
)

const maxBodyBytes = 1 << 20

// SecurityHeadersMiddleware adds security headers to responses
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("Referrer-Policy", "no-referrer")

			next.ServeHTTP(w, r)
		})
	}
}

// RequestValidationMiddleware checks content type and caps the body size
func RequestValidationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				contentType := r.Header.Get("Content-Type")

				// the gateway posts the browser redirect as a form
				isGatewayEndpoint := strings.HasPrefix(r.URL.Path, "/callback") ||
					strings.HasPrefix(r.URL.Path, "/webhooks")

				switch {
				case contentType == "" && isGatewayEndpoint:
				case contentType == "":
					if r.ContentLength != 0 {
						response.Error(w, http.StatusBadRequest, "Content-Type header is required", nil)
						return
					}
				case isGatewayEndpoint:
					if !strings.Contains(contentType, "application/json") &&
						!strings.Contains(contentType, "application/x-www-form-urlencoded") {
						response.Error(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json or application/x-www-form-urlencoded", nil)
						return
					}
				default:
					if !strings.Contains(contentType, "application/json") {
						response.Error(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
						return
					}
				}
			}

			if r.ContentLength > maxBodyBytes {
				response.Error(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			}

			next.ServeHTTP(w, r)
		})
	}
}
