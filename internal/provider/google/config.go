package google

// Config contains Google Gemini provider configuration.
type Config struct {
	APIKey  string `env:"GOOGLE_API_KEY"`
	BaseURL string `env:"GOOGLE_BASE_URL"`
}
