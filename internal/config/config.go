// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (INSIGHT_ prefix, runtime override)
//  2. Config file (insight.yaml in the working directory or /etc/insight)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - Server: listen address, CORS, proxy trust, rate limiting
//   - Storage: PostgreSQL connection (see storage.go)
//   - AI: provider, completion model, embedder model, vector dimension
//   - Retrieval: top-k, MMR fetch-k cap, lambda, minimum similarity
//   - Health: probe timeout and cache TTL
//
// Security: sensitive data (passwords) are never logged.
// Validation: range checks in validation.go with sentinel errors for errors.Is().
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// Retrieval tuning defaults and bounds.
const (
	// DefaultTopK is the number of passages retrieved per chat turn.
	DefaultTopK = 5

	// DefaultFetchKFactor multiplies k to size the MMR candidate pool.
	DefaultFetchKFactor = 2

	// MaxFetchK caps the MMR candidate pool. Pairwise scoring is O(fetchK²),
	// so this bound keeps a single diversified query tractable.
	MaxFetchK = 50

	// DefaultMMRLambda balances relevance against diversity (1 = pure relevance).
	DefaultMMRLambda = 0.5

	// DefaultVectorDimension matches the embeddings table column width.
	// Changing it requires a migration of the vector column.
	DefaultVectorDimension = 1536

	// DefaultMemoryTurns is the sliding-window size for conversational memory.
	DefaultMemoryTurns = 10
)

// Config stores application configuration.
type Config struct {
	// Server configuration
	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst   int      `mapstructure:"rate_burst"`  // Per-IP rate limiter burst (0 = default 60)

	// Logging
	LogLevel string `mapstructure:"log_level"` // debug|info|warn|error
	LogJSON  bool   `mapstructure:"log_json"`

	// AI provider and model configuration
	Provider        string `mapstructure:"provider"`         // "googleai" (default), "ollama"
	ModelName       string `mapstructure:"model_name"`       // Completion model (e.g. "googleai/gemini-2.5-flash")
	EmbedderModel   string `mapstructure:"embedder_model"`   // Embedding model (e.g. "gemini-embedding-001")
	VectorDimension int    `mapstructure:"vector_dimension"` // Must match the vector column width
	OllamaHost      string `mapstructure:"ollama_host"`      // Only used when provider is "ollama"

	// Retrieval configuration
	TopK          int     `mapstructure:"top_k"`
	FetchK        int     `mapstructure:"fetch_k"`    // MMR candidate pool (0 = 2*k, capped at MaxFetchK)
	MMRLambda     float64 `mapstructure:"mmr_lambda"` // [0,1]
	MemoryTurns   int     `mapstructure:"memory_turns"`
	DistanceFunc  string  `mapstructure:"distance_func"`  // "cosine" (default), "l2", "ip"
	MinSimilarity float64 `mapstructure:"min_similarity"` // Global floor, 0 disables

	// Ingestion. FeedbackAPIURL enables pull-by-id ingestion from the
	// feedback system of record; empty means items are only pushed.
	FeedbackAPIURL string `mapstructure:"feedback_api_url"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Health monitoring
	HealthCacheTTL   time.Duration `mapstructure:"health_cache_ttl"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"` // Circuit breaker opens after N failures
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, in ascending priority.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("insight")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/insight")

	// Missing config file is fine; env vars and defaults still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix("INSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("rate_burst", 60)

	v.SetDefault("provider", ProviderGoogleAI)
	v.SetDefault("model_name", "googleai/gemini-2.5-flash")
	v.SetDefault("embedder_model", "gemini-embedding-001")
	v.SetDefault("vector_dimension", DefaultVectorDimension)

	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("fetch_k", 0)
	v.SetDefault("mmr_lambda", DefaultMMRLambda)
	v.SetDefault("memory_turns", DefaultMemoryTurns)
	v.SetDefault("distance_func", "cosine")
	v.SetDefault("min_similarity", 0.0)
	v.SetDefault("feedback_api_url", "")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "insight")
	v.SetDefault("postgres_db_name", "insight")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("health_cache_ttl", 30*time.Second)
	v.SetDefault("probe_timeout", 5*time.Second)
	v.SetDefault("failure_threshold", 5)
}
