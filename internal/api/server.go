// Package api exposes the feedback insight service over HTTP: synchronous
// and streaming chat, session management, feedback ingestion, and health.
//
// All /api/v1 routes require X-Org-ID and X-User-ID headers; authentication
// happens upstream. /health stays outside the middleware stack so probes
// are never rate limited.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/feedbackloop/insight/internal/chat"
	"github.com/feedbackloop/insight/internal/health"
	"github.com/feedbackloop/insight/internal/ingest"
	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/session"
)

// ChatService runs chat turns. *chat.Orchestrator satisfies it.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Response, error)
	ChatStream(ctx context.Context, req chat.Request, callback chat.StreamCallback) (*chat.Response, error)
}

// SessionStore manages chat sessions. *session.Store satisfies it.
type SessionStore interface {
	Create(ctx context.Context, orgID, ownerID, title string, metadata map[string]string) (*session.Session, error)
	Get(ctx context.Context, id uuid.UUID, orgID, ownerID string) (*session.Session, error)
	List(ctx context.Context, orgID, ownerID string) ([]*session.Session, error)
	Archive(ctx context.Context, id uuid.UUID, orgID, ownerID string) error
	Messages(ctx context.Context, id uuid.UUID, orgID, ownerID string) ([]session.Message, error)
}

// Ingestor indexes feedback items, pushed or pulled by source item id.
// *ingest.Indexer satisfies it.
type Ingestor interface {
	IngestItems(ctx context.Context, orgID string, items []ingest.Item) (*ingest.Report, error)
	IngestSourceItems(ctx context.Context, orgID string, ids []string) (*ingest.Report, error)
	RemoveSourceItems(ctx context.Context, orgID string, ids []string) error
}

// CacheInvalidator drops cached per-org state after the corpus changes.
// *chat.Orchestrator satisfies it.
type CacheInvalidator interface {
	ClearCache(orgID string)
}

// HealthChecker reports system health. *health.Monitor satisfies it.
type HealthChecker interface {
	SystemHealth(ctx context.Context, force bool) *health.Report
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      log.Logger
	Chat        ChatService      // Required
	Sessions    SessionStore     // Required
	Indexer     Ingestor         // Optional: nil disables the ingest API
	Cache       CacheInvalidator // Optional: cleared after ingestion
	Health      HealthChecker    // Optional: nil reduces /api/v1/health to liveness
	CORSOrigins []string         // Allowed origins for CORS
	TrustProxy  bool             // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst   int              // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ch := &chatHandler{chat: cfg.Chat, logger: logger}
	sh := &sessionHandler{store: cfg.Sessions, logger: logger}
	hh := &healthHandler{checker: cfg.Health, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/chat", ch.send)
	mux.HandleFunc("GET /api/v1/chat/stream", ch.stream)
	mux.HandleFunc("POST /api/v1/chat/stream", ch.stream)

	mux.HandleFunc("POST /api/v1/sessions", sh.create)
	mux.HandleFunc("GET /api/v1/sessions", sh.list)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", sh.messages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.archive)

	if cfg.Indexer != nil {
		ih := &ingestHandler{indexer: cfg.Indexer, cache: cfg.Cache, logger: logger}
		mux.HandleFunc("POST /api/v1/ingest", ih.ingest)
	}

	mux.HandleFunc("GET /api/v1/health", hh.system)

	// Rate limiter: per-IP token bucket (1 token/sec refill).
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Identity → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = identityMiddleware(logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Top-level mux keeps the liveness probe outside the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", hh.liveness)
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
