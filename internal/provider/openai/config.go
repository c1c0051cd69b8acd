package openai

// Config contains OpenAI provider configuration.
// All fields map to OpenAI SDK options:
//   - APIKey: Maps to option.WithAPIKey()
//   - BaseURL: Maps to option.WithBaseURL()
//   - Organization: Maps to option.WithOrganization()
//
// SDK retries are always disabled; the dispatcher owns retrying.
type Config struct {
	APIKey       string `env:"OPENAI_API_KEY"`
	BaseURL      string `env:"OPENAI_BASE_URL"     envDefault:"https://api.openai.com/v1"`
	Organization string `env:"OPENAI_ORGANIZATION"`
}
