package ratelimit

import (
	"net/http"
	"strings"
)

// KeyFunc extracts the rate-limit key from a request. Returning an empty
// string skips rate limiting for that request.
type KeyFunc func(r *http.Request) string

// DeniedHandler writes the 429 response body. Injected by the caller so the
// error envelope stays in one place and this package does not depend on the
// server package.
type DeniedHandler func(w http.ResponseWriter, r *http.Request)

// Middleware returns HTTP middleware that enforces a rate limit. The final
// bucket key is "<prefix>:<keyFunc(r)>". A nil limiter or a limiter error
// fails open.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc, denied DeniedHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil || ok {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", "1")
			denied(w, r)
		})
	}
}

// IPKeyFunc extracts the client IP from the request for rate limiting.
// Uses RemoteAddr only. X-Forwarded-For is not trusted because any client
// can set it to an arbitrary value and bypass the limit; a trusted reverse
// proxy should rewrite RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
