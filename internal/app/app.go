// Package app wires the application together: configuration, database,
// Genkit, retrieval, chat orchestration, health monitoring, and the HTTP
// server. Setup builds everything; Close releases it in reverse order.
package app

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedbackloop/insight/internal/chat"
	"github.com/feedbackloop/insight/internal/config"
	"github.com/feedbackloop/insight/internal/embedding"
	"github.com/feedbackloop/insight/internal/health"
	"github.com/feedbackloop/insight/internal/ingest"
	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/orgprofile"
	"github.com/feedbackloop/insight/internal/search"
	"github.com/feedbackloop/insight/internal/session"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	Embeddings   *embedding.Store
	Engine       *search.Engine
	Sessions     *session.Store
	Composer     *orgprofile.Composer
	Monitor      *health.Monitor
	Orchestrator *chat.Orchestrator
	Indexer      *ingest.Indexer
	Flow         *chat.Flow
}

// Close releases all resources.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.DBPool != nil {
		a.DBPool.Close()
	}
	return nil
}
