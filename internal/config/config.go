package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/promptgate/internal/cache"
	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
	"github.com/davidbz/promptgate/internal/provider/anthropic"
	"github.com/davidbz/promptgate/internal/provider/catalog"
	"github.com/davidbz/promptgate/internal/provider/google"
	"github.com/davidbz/promptgate/internal/provider/openai"
	"github.com/davidbz/promptgate/internal/resilience"
)

// Config represents the dispatcher service configuration.
type Config struct {
	Server     ServerConfig
	CORS       CORSConfig
	Log        observability.Config
	Dispatcher domain.DispatcherConfig
	Retry      domain.RetryPolicy
	Breaker    resilience.BreakerConfig
	Cache      cache.Config
	Catalog    catalog.Config
	OpenAI     openai.Config
	Anthropic  anthropic.Config
	Google     google.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     int `env:"SERVER_READ_TIMEOUT"     envDefault:"30"`
	WriteTimeout    int `env:"SERVER_WRITE_TIMEOUT"    envDefault:"90"`
	ShutdownTimeout int `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server     *ServerConfig
	CORS       *CORSConfig
	Log        *observability.Config
	Dispatcher *domain.DispatcherConfig
	Retry      *domain.RetryPolicy
	Breaker    *resilience.BreakerConfig
	Cache      *cache.Config
	Catalog    *catalog.Config
	OpenAI     *openai.Config
	Anthropic  *anthropic.Config
	Google     *google.Config
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:     &cfg.Server,
		CORS:       &cfg.CORS,
		Log:        &cfg.Log,
		Dispatcher: &cfg.Dispatcher,
		Retry:      &cfg.Retry,
		Breaker:    &cfg.Breaker,
		Cache:      &cfg.Cache,
		Catalog:    &cfg.Catalog,
		OpenAI:     &cfg.OpenAI,
		Anthropic:  &cfg.Anthropic,
		Google:     &cfg.Google,
	}
}
