package middleware

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/davidbz/promptgate/internal/config"
)

// Headers the dispatcher sets on responses; browsers only see them when exposed.
//
//nolint:gochecknoglobals // fixed header list
var dispatchHeaders = []string{
	"X-Trace-Id",
	"X-Request-Id",
	"X-Promptgate-Cache",
	"X-Promptgate-Provider",
	"X-Promptgate-Retries",
	"X-Promptgate-Deduplicated",
}

// CORS applies the configured cross-origin policy. A nil config disables it.
func CORS(cfg *config.CORSConfig) Middleware {
	if cfg == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	policy := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   append(append([]string{}, cfg.AllowedHeaders...), "X-Trace-Id", "X-Request-Id"),
		ExposedHeaders:   dispatchHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})

	return policy.Handler
}
