package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("found %d configuration error(s):\n", len(errs)))
	for i, err := range errs {
		b.WriteString(fmt.Sprintf("  %d. [%s] %s\n", i+1, err.Field, err.Message))
	}
	return b.String()
}

var knownProviders = map[string]bool{"ollama": true, "openai": true}

var knownDrivers = map[string]bool{"postgres": true, "mysql": true, "sqlite": true, "clickhouse": true}

var knownIntents = map[string]bool{
	"employee_shifts":       true,
	"employee_by_id":        true,
	"employees_by_position": true,
	"labor_cost":            true,
}

// Validate validates the complete configuration
func (c *Config) Validate() error {
	var errs ValidationErrors
	errs = append(errs, c.validateRedis()...)
	errs = append(errs, c.validateDatabase()...)
	errs = append(errs, c.validateIndex()...)
	errs = append(errs, c.Models.Validate()...)
	errs = append(errs, c.validatePipeline()...)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateRedis() ValidationErrors {
	var errs ValidationErrors
	if c.Redis.Addr == "" {
		errs = append(errs, ValidationError{Field: "redis.addr", Message: "redis address is required"})
	}
	if c.Redis.AskQueue == "" || c.Redis.ResponseQueue == "" {
		errs = append(errs, ValidationError{Field: "redis.queues", Message: "ask and response queue names are required"})
	} else if c.Redis.AskQueue == c.Redis.ResponseQueue {
		errs = append(errs, ValidationError{Field: "redis.queues", Message: "ask and response queues must differ"})
	}
	if c.Redis.PopTimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "redis.pop_timeout_seconds",
			Message: fmt.Sprintf("pop timeout must be positive, got %d", c.Redis.PopTimeoutSeconds),
		})
	}
	return errs
}

func (c *Config) validateDatabase() ValidationErrors {
	var errs ValidationErrors
	if !knownDrivers[c.Database.Driver] {
		errs = append(errs, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unsupported database driver %q", c.Database.Driver),
		})
	}
	if c.Database.DSN == "" {
		errs = append(errs, ValidationError{Field: "database.dsn", Message: "database dsn is required"})
	}
	return errs
}

func (c *Config) validateIndex() ValidationErrors {
	var errs ValidationErrors
	if c.Index.Endpoint != "" && c.Index.Index == "" {
		errs = append(errs, ValidationError{Field: "index.index", Message: "index name is required when an endpoint is set"})
	}
	if c.Index.MaxTopK < 0 {
		errs = append(errs, ValidationError{Field: "index.max_top_k", Message: "max_top_k must not be negative"})
	}
	return errs
}

// Validate checks that a default exists and every template carries both placeholders.
func (m ModelsConfig) Validate() ValidationErrors {
	var errs ValidationErrors
	if len(m.Models) == 0 {
		return append(errs, ValidationError{Field: "models", Message: "at least one model configuration is required"})
	}
	if _, ok := m.Models[m.DefaultModel]; !ok {
		errs = append(errs, ValidationError{
			Field:   "models.default_model",
			Message: fmt.Sprintf("default model %q is not configured", m.DefaultModel),
		})
	}
	for name, mc := range m.Models {
		field := "models." + name
		if !knownProviders[mc.Provider] {
			errs = append(errs, ValidationError{Field: field + ".provider", Message: fmt.Sprintf("unsupported provider %q", mc.Provider)})
		}
		if mc.Endpoint == "" && mc.Provider == "ollama" {
			errs = append(errs, ValidationError{Field: field + ".endpoint", Message: "endpoint is required"})
		}
		if !strings.Contains(mc.PromptTemplate, "{context}") || !strings.Contains(mc.PromptTemplate, "{query}") {
			errs = append(errs, ValidationError{Field: field + ".prompt_template", Message: "prompt template must contain {context} and {query}"})
		}
		if mc.Parameters.Temperature < 0 || mc.Parameters.Temperature > 2 {
			errs = append(errs, ValidationError{
				Field:   field + ".parameters.temperature",
				Message: fmt.Sprintf("temperature %.2f is outside [0, 2]", mc.Parameters.Temperature),
			})
		}
	}
	return errs
}

func (c *Config) validatePipeline() ValidationErrors {
	var errs ValidationErrors
	if c.Pipeline.DefaultTopK <= 0 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.default_top_k",
			Message: fmt.Sprintf("default_top_k must be positive, got %d", c.Pipeline.DefaultTopK),
		})
	}
	for i, r := range c.Pipeline.Router.Rules {
		if strings.TrimSpace(r.Phrase) == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("pipeline.router.rules[%d].phrase", i), Message: "phrase is required"})
		}
		if !knownIntents[r.Intent] {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("pipeline.router.rules[%d].intent", i), Message: fmt.Sprintf("unknown intent %q", r.Intent)})
		}
	}
	return errs
}
