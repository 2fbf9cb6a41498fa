package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedbackloop/insight/internal/chat"
	"github.com/feedbackloop/insight/internal/config"
	"github.com/feedbackloop/insight/internal/database"
	"github.com/feedbackloop/insight/internal/embedding"
	"github.com/feedbackloop/insight/internal/health"
	"github.com/feedbackloop/insight/internal/ingest"
	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/orgprofile"
	"github.com/feedbackloop/insight/internal/search"
	"github.com/feedbackloop/insight/internal/session"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := provideLogger(cfg)
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Monitor = provideMonitor(cfg, pool, logger)

	a.Embeddings, err = embedding.NewStore(pool, cfg.VectorDimension,
		logger.With("component", "embedding"),
		embedding.WithMetric(distanceMetric(cfg.DistanceFunc)))
	if err != nil {
		return nil, fmt.Errorf("creating embedding store: %w", err)
	}

	a.Engine, err = search.NewEngine(a.Embeddings, embedder,
		logger.With("component", "search"),
		search.WithStatusReporter(a.Monitor),
		search.WithMinSimilarity(cfg.MinSimilarity))
	if err != nil {
		return nil, fmt.Errorf("creating search engine: %w", err)
	}

	a.Sessions, err = session.NewStore(pool, logger.With("component", "session"))
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	profiles, err := orgprofile.NewPGProvider(pool)
	if err != nil {
		return nil, fmt.Errorf("creating org profile provider: %w", err)
	}
	a.Composer, err = orgprofile.NewComposer(profiles, logger.With("component", "orgprofile"))
	if err != nil {
		return nil, fmt.Errorf("creating context composer: %w", err)
	}

	model, err := chat.NewGenkitModel(g, cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	a.Orchestrator, err = chat.New(chat.Config{
		Model:        model,
		Engine:       a.Engine,
		Composer:     a.Composer,
		Sessions:     a.Sessions,
		Logger:       logger.With("component", "chat"),
		Gate:         a.Monitor,
		ContextCache: session.NewChainCache[string](),
		TopK:         cfg.TopK,
		FetchK:       cfg.FetchK,
		MMRLambda:    cfg.MMRLambda,
		MemoryTurns:  cfg.MemoryTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat orchestrator: %w", err)
	}
	a.Flow = a.Orchestrator.DefineFlow(g)

	// A configured feedback API enables pull-by-id ingestion; without it
	// items can only be pushed through the ingest endpoint.
	var source ingest.FeedbackSource
	if cfg.FeedbackAPIURL != "" {
		source, err = ingest.NewHTTPSource(cfg.FeedbackAPIURL)
		if err != nil {
			return nil, fmt.Errorf("creating feedback source: %w", err)
		}
	}

	a.Indexer, err = ingest.NewIndexer(source, embedder, a.Embeddings,
		logger.With("component", "ingest"),
		ingest.WithModelName(cfg.EmbedderModel))
	if err != nil {
		return nil, fmt.Errorf("creating indexer: %w", err)
	}

	return a, nil
}

// provideLogger builds the application logger from configuration.
func provideLogger(cfg *config.Config) log.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: cfg.LogJSON})
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := database.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes Genkit with the configured AI provider.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		return g, nil

	default: // googleai
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with googleai provider")
		}
		return g, nil
	}
}

// provideEmbedder looks up the embedder registered by the provider plugin.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Ollama embedders are keyed by server address (registered in provideGenkit).
		return ollama.Embedder(g, cfg.OllamaHost)
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideMonitor builds the health monitor and registers the database
// probe. The embedder and completion breakers are fed passively through
// the search engine and chat orchestrator.
func provideMonitor(cfg *config.Config, pool *pgxpool.Pool, logger log.Logger) *health.Monitor {
	monitor := health.NewMonitor(health.MonitorConfig{
		CacheTTL:     cfg.HealthCacheTTL,
		ProbeTimeout: cfg.ProbeTimeout,
		Breaker: health.CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
		},
	}, logger.With("component", "health"))

	monitor.Register("database", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	monitor.Register("vector_store", func(ctx context.Context) error {
		var ok bool
		return pool.QueryRow(ctx,
			`SELECT true FROM pg_extension WHERE extname = 'vector'`).Scan(&ok)
	})

	return monitor
}

// distanceMetric maps the configured distance function to a store metric.
func distanceMetric(name string) embedding.Metric {
	switch name {
	case "l2":
		return embedding.MetricL2
	case "ip":
		return embedding.MetricInnerProduct
	default:
		return embedding.MetricCosine
	}
}
