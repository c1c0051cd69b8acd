package anthropic

// Config contains Anthropic provider configuration.
type Config struct {
	APIKey           string `env:"ANTHROPIC_API_KEY"`
	BaseURL          string `env:"ANTHROPIC_BASE_URL"`
	DefaultMaxTokens int    `env:"ANTHROPIC_DEFAULT_MAX_TOKENS" envDefault:"1024"`
}
