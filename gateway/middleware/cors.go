package middleware

import (
	"net/http"
	"strings"

	"github.com/renlabs-dev/communex/gateway/protocol"
)

type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
}

// CORS lets browser clients send the signing headers and read the rate-limit headers.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{
			"Content-Type",
			protocol.HeaderSignature,
			protocol.HeaderKey,
			protocol.HeaderCrypto,
			protocol.HeaderTimestamp,
			HeaderRequestID,
		}
	}
	exposed := cfg.ExposedHeaders
	if len(exposed) == 0 {
		exposed = []string{"X-RateLimit-Remaining", "X-RateLimit-TryAfter", "Retry-After", HeaderRequestID}
	}
	allowCredentials := "false"
	if cfg.AllowCredentials {
		allowCredentials = "true"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin(origins, r.Header.Get("Origin")))
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			w.Header().Set("Access-Control-Expose-Headers", strings.Join(exposed, ", "))
			w.Header().Set("Access-Control-Allow-Credentials", allowCredentials)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowedOrigin echoes origin when it is listed; otherwise the first configured origin is
// returned so that "*" keeps working.
func allowedOrigin(origins []string, origin string) string {
	for _, candidate := range origins {
		if candidate == origin {
			return origin
		}
	}
	return origins[0]
}
