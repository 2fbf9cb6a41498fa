package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration validation.
// Wrap with context using fmt.Errorf("%w: details", ErrXxx) and check with errors.Is().
var (
	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the completion model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidVectorDimension indicates the configured vector dimension is out of range.
	ErrInvalidVectorDimension = errors.New("invalid vector dimension")

	// ErrInvalidTopK indicates the retrieval top-k is out of range.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidFetchK indicates the MMR candidate pool size is out of range.
	ErrInvalidFetchK = errors.New("invalid fetch_k")

	// ErrInvalidLambda indicates the MMR lambda is outside [0,1].
	ErrInvalidLambda = errors.New("invalid mmr_lambda")

	// ErrInvalidDistanceFunc indicates the distance function is not supported.
	ErrInvalidDistanceFunc = errors.New("invalid distance_func")

	// ErrInvalidMinSimilarity indicates the similarity floor is outside [0,1].
	ErrInvalidMinSimilarity = errors.New("invalid min_similarity")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// validSSLModes are the sslmode values accepted by libpq/pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// validDistanceFuncs maps config values to supported pgvector operators.
var validDistanceFuncs = map[string]struct{}{
	"cosine": {},
	"l2":     {},
	"ip":     {},
}

// Validate checks all configuration values and returns the first violation.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGoogleAI, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q (must be googleai or ollama)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}

	if c.VectorDimension < 1 || c.VectorDimension > 16000 {
		return fmt.Errorf("%w: %d (must be 1..16000)", ErrInvalidVectorDimension, c.VectorDimension)
	}

	if c.TopK < 1 || c.TopK > MaxFetchK {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidTopK, c.TopK, MaxFetchK)
	}
	if c.FetchK < 0 || c.FetchK > MaxFetchK {
		return fmt.Errorf("%w: %d (must be 0..%d, 0 = auto)", ErrInvalidFetchK, c.FetchK, MaxFetchK)
	}
	if c.FetchK != 0 && c.FetchK < c.TopK {
		return fmt.Errorf("%w: %d is below top_k %d", ErrInvalidFetchK, c.FetchK, c.TopK)
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("%w: %v (must be in [0,1])", ErrInvalidLambda, c.MMRLambda)
	}
	if _, ok := validDistanceFuncs[c.DistanceFunc]; !ok {
		return fmt.Errorf("%w: %q (must be cosine, l2 or ip)", ErrInvalidDistanceFunc, c.DistanceFunc)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: %v (must be in [0,1])", ErrInvalidMinSimilarity, c.MinSimilarity)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	return nil
}

// EffectiveFetchK resolves the MMR candidate pool size for a given k.
// Zero config means 2*k; the result is always capped at MaxFetchK.
func (c *Config) EffectiveFetchK(k int) int {
	fetchK := c.FetchK
	if fetchK == 0 {
		fetchK = k * DefaultFetchKFactor
	}
	if fetchK < k {
		fetchK = k
	}
	if fetchK > MaxFetchK {
		fetchK = MaxFetchK
	}
	return fetchK
}
