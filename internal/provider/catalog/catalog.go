// Package catalog loads provider descriptors from YAML.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/promptgate/internal/domain"
)

//go:embed default.yaml
var defaultCatalog []byte

// Config contains catalog settings.
type Config struct {
	Path string `env:"CATALOG_PATH"`
}

type document struct {
	Providers []domain.ProviderDescriptor `yaml:"providers"`
}

// Load reads descriptors from cfg.Path, or the built-in catalog when no path is set.
func Load(cfg *Config) ([]domain.ProviderDescriptor, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return Parse(defaultCatalog)
	}

	cleanPath := filepath.Clean(cfg.Path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %q: %w", cleanPath, err)
	}

	descriptors, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %q: %w", cleanPath, err)
	}
	return descriptors, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) ([]domain.ProviderDescriptor, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if len(doc.Providers) == 0 {
		return nil, errors.New("catalog has no providers defined")
	}

	seen := make(map[string]bool, len(doc.Providers))
	for i, d := range doc.Providers {
		if err := validate(d); err != nil {
			return nil, fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("providers[%d]: duplicate provider id %q", i, d.ID)
		}
		seen[d.ID] = true
	}

	return doc.Providers, nil
}

func validate(d domain.ProviderDescriptor) error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return errors.New("id is required")
	case len(d.Models) == 0:
		return fmt.Errorf("provider %s declares no models", d.ID)
	case d.RequestsPerMinute < 0:
		return fmt.Errorf("provider %s: requests_per_minute cannot be negative", d.ID)
	case d.Burst < 0:
		return fmt.Errorf("provider %s: burst cannot be negative", d.ID)
	case d.MaxConcurrent < 0:
		return fmt.Errorf("provider %s: max_concurrent cannot be negative", d.ID)
	case d.Timeout < 0:
		return fmt.Errorf("provider %s: timeout cannot be negative", d.ID)
	}
	return nil
}
