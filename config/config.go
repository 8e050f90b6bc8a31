package config

// Config represents the main configuration structure for the hrask middleware
type Config struct {
	Log      LogConfig         `json:"log" yaml:"log"`
	Redis    RedisConfig       `json:"redis" yaml:"redis"`
	Database DatabaseConfig    `json:"database" yaml:"database"`
	Index    IndexConfig       `json:"index" yaml:"index"`
	HTTP     *HTTPClientConfig `json:"http,omitempty" yaml:"http,omitempty"`
	Models   ModelsConfig      `json:"models" yaml:"models"`
	// ModelsFile points at a standalone models.yml; when set it replaces Models.
	ModelsFile string         `json:"models_file,omitempty" yaml:"models_file,omitempty"`
	Policy     PolicyConfig   `json:"policy" yaml:"policy"`
	Pipeline   PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Server     ServerConfig   `json:"server" yaml:"server"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // json or text
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
}

// RedisConfig configures the queue transport.
type RedisConfig struct {
	Addr          string `json:"addr" yaml:"addr"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
	DB            int    `json:"db,omitempty" yaml:"db,omitempty"`
	AskQueue      string `json:"ask_queue,omitempty" yaml:"ask_queue,omitempty"`
	ResponseQueue string `json:"response_queue,omitempty" yaml:"response_queue,omitempty"`
	// PopTimeoutSeconds bounds each blocking pop so the loop can observe shutdown.
	PopTimeoutSeconds int `json:"pop_timeout_seconds,omitempty" yaml:"pop_timeout_seconds,omitempty"`
}

// DatabaseConfig configures the structured store.
type DatabaseConfig struct {
	Driver         string `json:"driver" yaml:"driver"` // Available options: postgres, mysql, sqlite, clickhouse
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxOpenConns   int    `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns   int    `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	QueryTimeoutMs int    `json:"query_timeout_ms,omitempty" yaml:"query_timeout_ms,omitempty"`
}

// IndexConfig configures the Elasticsearch-style document index.
type IndexConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Index    string `json:"index" yaml:"index"`
	MaxTopK  int    `json:"max_top_k,omitempty" yaml:"max_top_k,omitempty"`
	// MetaField is the source field that holds document metadata, e.g. "meta".
	MetaField string       `json:"meta_field,omitempty" yaml:"meta_field,omitempty"`
	TimeoutMs int          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Cache     *CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// CacheConfig controls L1 caching of retrieval results.
type CacheConfig struct {
	Enable     bool `json:"enable,omitempty" yaml:"enable,omitempty"`
	Capacity   int  `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	TTLSeconds int  `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"`
}

// HTTPClientConfig holds defaults for outbound HTTP calls (index, ollama, identity service).
type HTTPClientConfig struct {
	TimeoutMs              int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry                  int      `json:"retry,omitempty" yaml:"retry,omitempty"`
	BackoffMinMs           int      `json:"backoff_min_ms,omitempty" yaml:"backoff_min_ms,omitempty"`
	BackoffMaxMs           int      `json:"backoff_max_ms,omitempty" yaml:"backoff_max_ms,omitempty"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	CircuitOpenSeconds     int      `json:"circuit_open_seconds,omitempty" yaml:"circuit_open_seconds,omitempty"`
	HostAllowlist          []string `json:"host_allowlist,omitempty" yaml:"host_allowlist,omitempty"`
}

// ModelsConfig mirrors the models.yml layout.
type ModelsConfig struct {
	DefaultModel string                 `json:"default_model" yaml:"default_model"`
	Models       map[string]ModelConfig `json:"models" yaml:"models"`
}

// ModelConfig describes one named language model backend.
type ModelConfig struct {
	Provider string `json:"provider" yaml:"provider"` // Available options: ollama, openai
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	// Model overrides the backend model id; defaults to the configuration name.
	Model          string          `json:"model,omitempty" yaml:"model,omitempty"`
	PromptTemplate string          `json:"prompt_template" yaml:"prompt_template"`
	Parameters     ModelParameters `json:"parameters" yaml:"parameters"`
}

// ModelParameters bounds generation.
type ModelParameters struct {
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	NumPredict     int     `json:"num_predict,omitempty" yaml:"num_predict,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// PolicyConfig configures team lookup.
type PolicyConfig struct {
	// Teams overrides the static role -> members mapping ("supervisor", "manager").
	Teams map[string][]string `json:"teams,omitempty" yaml:"teams,omitempty"`
	// IdentityEndpoint enables the HTTP team lookup when set.
	IdentityEndpoint string `json:"identity_endpoint,omitempty" yaml:"identity_endpoint,omitempty"`
}

// PipelineConfig tunes request processing.
type PipelineConfig struct {
	DefaultTopK         int  `json:"default_top_k,omitempty" yaml:"default_top_k,omitempty"`
	StructuredTimeoutMs int  `json:"structured_timeout_ms,omitempty" yaml:"structured_timeout_ms,omitempty"`
	RetrievalTimeoutMs  int  `json:"retrieval_timeout_ms,omitempty" yaml:"retrieval_timeout_ms,omitempty"`
	ModelFailureAsError bool `json:"model_failure_as_error,omitempty" yaml:"model_failure_as_error,omitempty"`
	// ContextMaxTokens bounds the rendered context; 0 disables the bound.
	ContextMaxTokens int `json:"context_max_tokens,omitempty" yaml:"context_max_tokens,omitempty"`
	// Tokenizer is a tiktoken encoding name, e.g. cl100k_base.
	Tokenizer string       `json:"tokenizer,omitempty" yaml:"tokenizer,omitempty"`
	Router    RouterConfig `json:"router,omitempty" yaml:"router,omitempty"`
}

// RouterConfig replaces the default phrase table when Rules is non-empty.
type RouterConfig struct {
	Rules []RouterRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RouterRule maps a phrase to a structured intent.
type RouterRule struct {
	Phrase string `json:"phrase" yaml:"phrase"`
	Intent string `json:"intent" yaml:"intent"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

const (
	DefaultAskQueue       = "hrask.ask.queue"
	DefaultResponseQueue  = "hrask.response.queue"
	DefaultModelName      = "llama3.1:8b"
	DefaultPromptTemplate = "You're an HR assistant answering questions based on employee data. Only use the provided context.\n\nContext:\n{context}\n\nQuestion: {query}\n\nAnswer:"
)

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Log: LogConfig{Format: "json", Level: "info"},
		Redis: RedisConfig{
			Addr:              "redis:6379",
			AskQueue:          DefaultAskQueue,
			ResponseQueue:     DefaultResponseQueue,
			PopTimeoutSeconds: 1,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			DSN:            "host=postgres user=postgres password=postgres dbname=hrask port=5432 sslmode=disable",
			MaxOpenConns:   10,
			MaxIdleConns:   2,
			QueryTimeoutMs: 5000,
		},
		Index: IndexConfig{
			Endpoint:  "http://elasticsearch:9200",
			Index:     "hr-data",
			MaxTopK:   50,
			MetaField: "meta",
			TimeoutMs: 3000,
		},
		Models: ModelsConfig{
			DefaultModel: DefaultModelName,
			Models: map[string]ModelConfig{
				DefaultModelName: {
					Provider:       "ollama",
					Endpoint:       "http://ollama:11434/api/generate",
					PromptTemplate: DefaultPromptTemplate,
					Parameters:     ModelParameters{Temperature: 0.1, NumPredict: 150, TimeoutSeconds: 100},
				},
			},
		},
		Pipeline: PipelineConfig{
			DefaultTopK:         5,
			StructuredTimeoutMs: 5000,
			RetrievalTimeoutMs:  5000,
			ContextMaxTokens:    3000,
			Tokenizer:           "cl100k_base",
		},
		Server: ServerConfig{Addr: ":8000"},
	}
}
