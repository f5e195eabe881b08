package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hezzy93/library-app-1/internal/bucket"
)

// Limiter hands out tokens per client key.
type Limiter interface {
	Take(ctx context.Context, key string, tokens float64) (*bucket.Result, error)
}

// maxRetryAfter caps the Retry-After hint in seconds.
const maxRetryAfter = 3600

// RateLimit rejects clients whose bucket is empty with 429. When the
// limiter itself fails the request is let through.
func RateLimit(limiter Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := ClientKey(r)

			result, err := limiter.Take(r.Context(), clientKey, 1)
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", "client", clientKey, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Capacity, 10))
			if !result.Allowed {
				retryAfter := result.RetryAfter
				if retryAfter > maxRetryAfter || retryAfter < 0 {
					retryAfter = 60
				}
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.FormatFloat(retryAfter, 'f', 0, 64))

				logger.Info("rate limit exceeded", "client", clientKey, "retry_after", retryAfter)
				http.Error(w, fmt.Sprintf("Rate limit exceeded. Try again after %.0f seconds.", retryAfter), http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(result.RemainingTokens, 'f', 0, 64))
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by API key, then forwarded address, then
// remote address.
func ClientKey(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return "api_key:" + apiKey
	}

	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		firstIP := strings.Split(forwardedFor, ",")[0]
		return "ip:" + strings.TrimSpace(firstIP)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return "ip:" + realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Logging logs every request once it has been served.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// responseWriter is a wrapper to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Recovery turns a handler panic into a 500.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(err))
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
