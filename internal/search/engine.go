package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/feedbackloop/insight/internal/log"
)

// Sentinel errors returned by Engine operations.
var (
	// ErrEmptyQuery indicates a blank search query.
	ErrEmptyQuery = errors.New("query must not be empty")

	// ErrEmbedderUnavailable indicates the embedding service failed after
	// all retries. Callers must surface this rather than return silently
	// empty results.
	ErrEmbedderUnavailable = errors.New("embedding service unavailable")
)

// embedTimeout bounds a single embedding attempt.
const embedTimeout = 10 * time.Second

// maxFetchK caps the MMR candidate pool. Pairwise scoring is O(fetchK²).
const maxFetchK = 50

// VectorStore is the neighbor query surface the engine needs.
// *embedding.Store satisfies it.
type VectorStore interface {
	NearestNeighbors(ctx context.Context, orgID string, queryVec []float32, k int, filter Filter) ([]Passage, error)
}

// Embedder is the embedding surface the engine needs. ai.Embedder
// satisfies it; tests substitute a fake without registering a Genkit
// embedder.
type Embedder interface {
	Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)
}

// StatusReporter receives dependency outcomes for health tracking.
// *health.Monitor satisfies it.
type StatusReporter interface {
	ReportSuccess(dependency string)
	ReportFailure(dependency string)
}

// nopReporter is used when no health monitor is wired.
type nopReporter struct{}

func (nopReporter) ReportSuccess(string) {}
func (nopReporter) ReportFailure(string) {}

// RetryConfig configures retry behavior for embedding calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for embedding API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups transient error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: String matching because Genkit and provider SDKs do not expose
// typed errors for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}

// Engine embeds queries and retrieves the most similar feedback passages.
//
// Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	store    VectorStore
	embedder Embedder
	reporter StatusReporter
	limiter  *rate.Limiter
	retryCfg RetryConfig
	minSim   float64
	logger   log.Logger
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithRetryConfig overrides the embedding retry configuration.
func WithRetryConfig(cfg RetryConfig) EngineOption {
	return func(e *Engine) { e.retryCfg = cfg }
}

// WithStatusReporter wires dependency outcomes into a health monitor.
func WithStatusReporter(r StatusReporter) EngineOption {
	return func(e *Engine) { e.reporter = r }
}

// WithRateLimiter gates each embedding attempt through limiter.
func WithRateLimiter(l *rate.Limiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithMinSimilarity sets a global similarity floor, applied whenever the
// caller's filter leaves MinSimilarity nil. A filter carrying an explicit
// floor, including zero, overrides it.
func WithMinSimilarity(floor float64) EngineOption {
	return func(e *Engine) { e.minSim = floor }
}

// NewEngine creates a search Engine.
func NewEngine(store VectorStore, embedder Embedder, logger log.Logger, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	e := &Engine{
		store:    store,
		embedder: embedder,
		reporter: nopReporter{},
		retryCfg: DefaultRetryConfig(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search embeds query and returns the k most similar passages for orgID,
// ordered by descending similarity. Returns ErrEmbedderUnavailable when the
// embedding service fails after all retries.
func (e *Engine) Search(ctx context.Context, orgID, query string, k int, filter Filter) ([]Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	filter.MinSimilarity = e.effectiveFloor(filter.MinSimilarity)

	queryVec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	passages, err := e.store.NearestNeighbors(ctx, orgID, queryVec, k, filter)
	if err != nil {
		e.reporter.ReportFailure("vector_store")
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}
	e.reporter.ReportSuccess("vector_store")

	return passages, nil
}

// DiversifiedSearch retrieves a candidate pool of fetchK passages and
// re-ranks it with maximal marginal relevance, returning k passages that
// balance query relevance against mutual diversity. lambda=1 reproduces the
// plain similarity ranking; lambda=0 maximizes diversity.
func (e *Engine) DiversifiedSearch(ctx context.Context, orgID, query string, k, fetchK int, lambda float64, filter Filter) ([]Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("lambda %v outside [0,1]", lambda)
	}
	if fetchK < k {
		fetchK = k
	}
	if fetchK > maxFetchK {
		fetchK = maxFetchK
	}
	filter.MinSimilarity = e.effectiveFloor(filter.MinSimilarity)

	queryVec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates, err := e.store.NearestNeighbors(ctx, orgID, queryVec, fetchK, filter)
	if err != nil {
		e.reporter.ReportFailure("vector_store")
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}
	e.reporter.ReportSuccess("vector_store")

	return maximalMarginalRelevance(candidates, k, lambda), nil
}

// effectiveFloor resolves the similarity floor for a request. A nil
// request floor falls back to the engine default; an explicit floor,
// including an explicit zero, wins.
func (e *Engine) effectiveFloor(requested *float64) *float64 {
	if requested != nil {
		return requested
	}
	if e.minSim > 0 {
		floor := e.minSim
		return &floor
	}
	return nil
}

// embedQuery generates the query embedding with bounded retry.
// Each attempt is rate limited and individually timed out.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var lastErr error
	delay := e.retryCfg.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= e.retryCfg.MaxRetries; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		vec, err := e.embedOnce(ctx, query)
		if err == nil {
			e.reporter.ReportSuccess("embedder")
			e.logger.Debug("query embedded",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return vec, nil
		}

		lastErr = err

		if !retryableError(err) {
			e.reporter.ReportFailure("embedder")
			return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
		}

		if attempt == e.retryCfg.MaxRetries {
			break
		}

		e.logger.Debug("retrying embedding after error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, e.retryCfg.MaxInterval)
		}
	}

	e.reporter.ReportFailure("embedder")
	return nil, fmt.Errorf("%w after %d retries (elapsed: %v): %v",
		ErrEmbedderUnavailable, e.retryCfg.MaxRetries, time.Since(start), lastErr)
}

// embedOnce performs a single embedding attempt with a timeout.
func (e *Engine) embedOnce(ctx context.Context, query string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	resp, err := e.embedder.Embed(embedCtx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(query, nil)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embeddings[0].Embedding, nil
}
