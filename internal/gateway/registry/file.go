package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

const defaultLocalServerURL = "http://localhost:11434"

type fileModel struct {
	Name               string   `yaml:"name"`
	Provider           string   `yaml:"provider"`
	ModelPath          string   `yaml:"model_path"`
	Endpoint           string   `yaml:"endpoint"`
	BaseURL            string   `yaml:"base_url"`
	AuthToken          string   `yaml:"auth_token"`
	MaxContextLength   int      `yaml:"max_context_length"`
	DefaultTemperature *float64 `yaml:"default_temperature"`
	DefaultMaxTokens   int      `yaml:"default_max_tokens"`
	AlwaysWarm         bool     `yaml:"always_warm"`
	IsActive           *bool    `yaml:"is_active"`
}

type fileConfig struct {
	Models []fileModel `yaml:"models"`
}

// FileSource reads model definitions from a YAML file. The file is re-read on
// every load so edits are picked up by the next refresh. Values may reference
// environment variables as ${NAME}.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by the YAML file at path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// ListModels parses the file and returns its active models
func (f *FileSource) ListModels(ctx context.Context) ([]models.Model, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse models file %s: %w", f.path, err)
	}

	out := make([]models.Model, 0, len(cfg.Models))
	for i, fm := range cfg.Models {
		if fm.Name == "" {
			return nil, fmt.Errorf("models file %s: entry %d has no name", f.path, i)
		}

		m := models.Model{
			ID:                 fm.Name,
			Name:               fm.Name,
			Provider:           models.ProviderKind(fm.Provider),
			ModelPath:          fm.ModelPath,
			Endpoint:           fm.Endpoint,
			BaseURL:            fm.BaseURL,
			AuthToken:          fm.AuthToken,
			MaxContextLength:   fm.MaxContextLength,
			DefaultTemperature: 0.7,
			DefaultMaxTokens:   fm.DefaultMaxTokens,
			AlwaysWarm:         fm.AlwaysWarm,
			IsActive:           true,
		}
		if m.Provider == "" {
			m.Provider = models.ProviderBatchingEngine
		}
		if m.Provider == models.ProviderLocalServer && m.BaseURL == "" {
			m.BaseURL = defaultLocalServerURL
		}
		if m.MaxContextLength == 0 {
			m.MaxContextLength = 4096
		}
		if m.DefaultMaxTokens == 0 {
			m.DefaultMaxTokens = 512
		}
		if fm.DefaultTemperature != nil {
			m.DefaultTemperature = *fm.DefaultTemperature
		}
		if fm.IsActive != nil {
			m.IsActive = *fm.IsActive
		}
		if !m.IsActive {
			continue
		}

		out = append(out, m)
	}

	return out, nil
}
