package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings is the optional YAML settings file. Zero values leave the
// corresponding configuration untouched.
type Settings struct {
	Model struct {
		Name        string   `yaml:"name"`
		BaseURL     string   `yaml:"base_url"`
		APIKey      string   `yaml:"api_key"`
		Temperature *float64 `yaml:"temperature"`
	} `yaml:"model"`
	CodeGen struct {
		GrammarPath      string `yaml:"grammar_path"`
		Language         string `yaml:"language"`
		MaxAttempts      int    `yaml:"max_attempts"`
		EditorConfigPath string `yaml:"editorconfig_path"`
	} `yaml:"codegen"`
	Validator struct {
		Backend     string `yaml:"backend"`
		GRPCAddr    string `yaml:"grpc_addr"`
		DockerImage string `yaml:"docker_image"`
	} `yaml:"validator"`
}

// LoadSettings parses the YAML file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return &s, nil
}

// Apply overlays non-zero settings onto cfg.
func (s *Settings) Apply(cfg *Config) {
	setString(&cfg.Model.Name, s.Model.Name)
	setString(&cfg.Model.BaseURL, s.Model.BaseURL)
	setString(&cfg.Model.APIKey, s.Model.APIKey)
	if s.Model.Temperature != nil {
		cfg.Model.Temperature = *s.Model.Temperature
	}

	setString(&cfg.CodeGen.GrammarPath, s.CodeGen.GrammarPath)
	setString(&cfg.CodeGen.Language, s.CodeGen.Language)
	setString(&cfg.CodeGen.EditorConfigPath, s.CodeGen.EditorConfigPath)
	if s.CodeGen.MaxAttempts > 0 {
		cfg.CodeGen.MaxAttempts = s.CodeGen.MaxAttempts
	}

	setString(&cfg.Validator.Backend, s.Validator.Backend)
	setString(&cfg.Validator.GRPCAddr, s.Validator.GRPCAddr)
	setString(&cfg.Validator.DockerImage, s.Validator.DockerImage)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
