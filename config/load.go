package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file on top of Default, applies HRASK_*
// environment overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if cfg.ModelsFile != "" {
		models, err := LoadModels(cfg.ModelsFile)
		if err != nil {
			return nil, err
		}
		cfg.Models = *models
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadModels reads a models.yml file.
func LoadModels(path string) (*ModelsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models %s: %w", path, err)
	}
	var m ModelsConfig
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse models %s: %w", path, err)
	}
	return &m, nil
}

// SaveModels writes models in the models.yml layout.
func SaveModels(path string, m *ModelsConfig) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HRASK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HRASK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HRASK_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("HRASK_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("HRASK_INDEX_ENDPOINT"); v != "" {
		cfg.Index.Endpoint = v
	}
	if v := os.Getenv("HRASK_INDEX_NAME"); v != "" {
		cfg.Index.Index = v
	}
	if v := os.Getenv("HRASK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HRASK_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("HRASK_DEFAULT_MODEL"); v != "" {
		cfg.Models.DefaultModel = v
	}
	if v := os.Getenv("HRASK_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.DefaultTopK = n
		}
	}
	// api keys are never written to config files
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		for name, m := range cfg.Models.Models {
			if m.Provider == "openai" && m.APIKey == "" {
				m.APIKey = v
				cfg.Models.Models[name] = m
			}
		}
	}
}
