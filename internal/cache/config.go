package cache

import "time"

// Backend names a response cache implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendNone   Backend = "none"
)

// Config contains response cache settings.
type Config struct {
	Backend       Backend       `env:"CACHE_BACKEND"        envDefault:"memory"`
	Capacity      int           `env:"CACHE_CAPACITY"       envDefault:"10000"`
	SweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"1m"`
	KeyPrefix     string        `env:"CACHE_KEY_PREFIX"     envDefault:"cache:"`
	RedisAddr     string        `env:"REDIS_ADDR"           envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"             envDefault:"0"`
}
