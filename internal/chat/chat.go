// Package chat orchestrates a conversational retrieval turn: retrieve
// feedback passages, compose org context, call the model, derive sources
// and follow-ups, and persist the turn.
//
// A turn never hard-fails on dependency trouble. Retrieval, context
// composition, and generation failures all produce a degraded response
// with low confidence; Chat only returns an error for invalid input or
// an inaccessible session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/search"
	"github.com/feedbackloop/insight/internal/session"
)

const (
	// completionTimeout bounds one model call including retries' attempts.
	completionTimeout = 60 * time.Second

	// degradedConfidence is the ceiling for any fallback answer.
	degradedConfidence = 0.2

	// degradedMessage is returned when retrieval or generation fails.
	degradedMessage = "I apologize, but I couldn't analyze the feedback for this question right now. Please try again in a moment."

	// emptyResultsMessage is returned when no relevant feedback exists.
	emptyResultsMessage = "I couldn't find feedback relevant to that question. Try rephrasing it or broadening the topic."
)

// Sentinel errors for chat operations.
var (
	// ErrEmptyMessage indicates a blank user message.
	ErrEmptyMessage = errors.New("message must not be empty")
)

// StreamCallback is called for each token of streaming output.
// Return an error to abort the stream.
type StreamCallback func(ctx context.Context, token string) error

// Request describes one chat turn.
type Request struct {
	OrgID     string
	UserID    string
	SessionID uuid.UUID
	Message   string

	// TopK overrides the configured retrieval depth when > 0.
	TopK int

	// Diversify enables MMR re-ranking of the candidate pool.
	Diversify bool

	Filter search.Filter
}

// Response is the result of one chat turn.
type Response struct {
	SessionID         uuid.UUID           `json:"session_id"`
	Answer            string              `json:"answer"`
	Sources           []session.SourceRef `json:"sources"`
	Suggestions       []string            `json:"suggestions"`
	FollowUpQuestions []string            `json:"follow_up_questions"`
	Confidence        float64             `json:"confidence"`
	Degraded          bool                `json:"degraded"`
	ProcessingTime    time.Duration       `json:"processing_time"`
}

// Retriever is the search surface the orchestrator needs.
// *search.Engine satisfies it.
type Retriever interface {
	Search(ctx context.Context, orgID, query string, k int, filter search.Filter) ([]search.Passage, error)
	DiversifiedSearch(ctx context.Context, orgID, query string, k, fetchK int, lambda float64, filter search.Filter) ([]search.Passage, error)
}

// ContextComposer renders per-organization prompt context.
// *orgprofile.Composer satisfies it.
type ContextComposer interface {
	BuildContext(ctx context.Context, orgID string) string
}

// SessionStore is the persistence surface the orchestrator needs.
// *session.Store satisfies it.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID, orgID, ownerID string) (*session.Session, error)
	Messages(ctx context.Context, id uuid.UUID, orgID, ownerID string) ([]session.Message, error)
	AppendTurn(ctx context.Context, id uuid.UUID, userMsg, assistantMsg session.Message) error
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
}

// Gate combines breaker admission with outcome reporting.
// *health.Monitor satisfies it.
type Gate interface {
	Allow(dependency string) error
	ReportSuccess(dependency string)
	ReportFailure(dependency string)
}

// nopGate admits everything. Used when no monitor is wired.
type nopGate struct{}

func (nopGate) Allow(string) error   { return nil }
func (nopGate) ReportSuccess(string) {}
func (nopGate) ReportFailure(string) {}

// Config contains all required parameters for the Orchestrator.
type Config struct {
	Model    ModelClient
	Engine   Retriever
	Composer ContextComposer
	Sessions SessionStore
	Logger   log.Logger

	// Gate admits completion calls (nil = always allow).
	Gate Gate

	// ContextCache memoizes the composed org context per organization,
	// deduplicating concurrent first builds (nil = compose every turn).
	ContextCache *session.ChainCache[string]

	// Retrieval tuning. TopK default 5; FetchK 0 means 2*k capped at 50;
	// MMRLambda default 0.5; MemoryTurns default 10.
	TopK        int
	FetchK      int
	MMRLambda   float64
	MemoryTurns int

	RetryConfig RetryConfig
	RateLimiter *rate.Limiter // Optional: proactive rate limiting
}

// validate checks if all required parameters are present.
func (cfg Config) validate() error {
	if cfg.Model == nil {
		return errors.New("model client is required")
	}
	if cfg.Engine == nil {
		return errors.New("search engine is required")
	}
	if cfg.Composer == nil {
		return errors.New("context composer is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	return nil
}

// Orchestrator runs chat turns.
//
// Configuration is captured immutably at construction time so concurrent
// turns see consistent settings. Turns for the same session serialize in
// arrival order; turns for different sessions run concurrently.
type Orchestrator struct {
	model        ModelClient
	engine       Retriever
	composer     ContextComposer
	sessions     SessionStore
	gate         Gate
	contextCache *session.ChainCache[string]
	logger       log.Logger

	topK        int
	fetchK      int
	mmrLambda   float64
	memoryTurns int

	retryConfig RetryConfig
	rateLimiter *rate.Limiter

	// sessionLocks serializes turns per session (FIFO per sync.Mutex).
	sessionLocks sync.Map // uuid.UUID -> *sync.Mutex
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Gate == nil {
		cfg.Gate = nopGate{}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MMRLambda <= 0 {
		cfg.MMRLambda = 0.5
	}
	if cfg.MemoryTurns <= 0 {
		cfg.MemoryTurns = 10
	}
	if cfg.RetryConfig.MaxRetries == 0 {
		cfg.RetryConfig = DefaultRetryConfig()
	}

	return &Orchestrator{
		model:        cfg.Model,
		engine:       cfg.Engine,
		composer:     cfg.Composer,
		sessions:     cfg.Sessions,
		gate:         cfg.Gate,
		contextCache: cfg.ContextCache,
		logger:       cfg.Logger,
		topK:         cfg.TopK,
		fetchK:       cfg.FetchK,
		mmrLambda:    cfg.MMRLambda,
		memoryTurns:  cfg.MemoryTurns,
		retryConfig:  cfg.RetryConfig,
		rateLimiter:  cfg.RateLimiter,
	}, nil
}

// Chat runs one turn without streaming.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	return o.ChatStream(ctx, req, nil)
}

// ChatStream runs one turn, invoking callback for each generated token
// when callback is non-nil. The full response is returned after
// generation completes.
//
// Context cancellation mid-stream persists the partial assistant content
// with status incomplete and returns the context error.
func (o *Orchestrator) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	start := time.Now()

	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	sess, err := o.sessions.Get(ctx, req.SessionID, req.OrgID, req.UserID)
	if err != nil {
		return nil, err
	}
	if sess.State != session.StateActive {
		return nil, fmt.Errorf("%w: %s", session.ErrArchived, req.SessionID)
	}

	// Serialize turns for this session in arrival order.
	lock := o.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	transcript, err := o.sessions.Messages(ctx, req.SessionID, req.OrgID, req.UserID)
	if err != nil {
		o.logger.Warn("loading transcript failed, continuing without memory",
			"session_id", req.SessionID, "error", err)
		transcript = nil
	}
	window := session.Window(transcript, o.memoryTurns)
	firstTurn := len(transcript) == 0

	passages, retrieveErr := o.retrieve(ctx, req)
	if retrieveErr != nil {
		o.logger.Warn("retrieval failed, returning degraded response",
			"session_id", req.SessionID, "error", retrieveErr)
		return o.degradedTurn(ctx, req, start), nil
	}

	system := buildSystemPrompt(o.orgContext(ctx, req.OrgID), passages)

	answer, genErr := o.generate(ctx, system, window, req.Message, callback)
	if genErr != nil {
		if ctx.Err() != nil && answer != "" {
			// Client went away mid-stream. Keep what was generated.
			o.persistTurn(req, answer, passages, session.StatusIncomplete)
			return nil, fmt.Errorf("generation interrupted: %w", ctx.Err())
		}
		o.logger.Warn("generation failed, returning degraded response",
			"session_id", req.SessionID, "error", genErr)
		return o.degradedTurn(ctx, req, start), nil
	}

	if strings.TrimSpace(answer) == "" {
		answer = emptyResultsMessage
	}

	resp := &Response{
		SessionID:         req.SessionID,
		Answer:            answer,
		Sources:           deriveSources(passages),
		Suggestions:       deriveSuggestions(answer),
		FollowUpQuestions: deriveFollowUps(passages),
		Confidence:        deriveConfidence(passages),
		ProcessingTime:    time.Since(start),
	}

	o.persistTurn(req, answer, passages, session.StatusCompleted)

	if firstTurn && sess.Title == "" {
		o.setGeneratedTitle(req.SessionID, req.Message)
	}

	return resp, nil
}

// orgContext returns the composed org context, cached per organization
// when a cache is configured. BuildContext never fails, so a cache miss
// always populates.
func (o *Orchestrator) orgContext(ctx context.Context, orgID string) string {
	if o.contextCache == nil {
		return o.composer.BuildContext(ctx, orgID)
	}

	orgContext, err := o.contextCache.GetOrCreate(ctx, orgID,
		func(ctx context.Context) (string, error) {
			return o.composer.BuildContext(ctx, orgID), nil
		})
	if err != nil {
		return o.composer.BuildContext(ctx, orgID)
	}
	return orgContext
}

// ClearCache drops the cached org context for an organization so the
// next turn recomposes it. Called after ingestion and profile updates.
func (o *Orchestrator) ClearCache(orgID string) {
	if o.contextCache != nil {
		o.contextCache.Invalidate(orgID)
	}
}

// retrieve fetches the passage set for the turn, diversified on request.
func (o *Orchestrator) retrieve(ctx context.Context, req Request) ([]search.Passage, error) {
	k := req.TopK
	if k <= 0 {
		k = o.topK
	}

	if req.Diversify {
		fetchK := o.fetchK
		if fetchK == 0 {
			fetchK = 2 * k
		}
		if fetchK > 50 {
			fetchK = 50
		}
		return o.engine.DiversifiedSearch(ctx, req.OrgID, req.Message, k, fetchK, o.mmrLambda, req.Filter)
	}
	return o.engine.Search(ctx, req.OrgID, req.Message, k, req.Filter)
}

// generate calls the model behind the breaker gate with retry.
// The accumulated text is returned even on error so cancellation can
// persist partial output.
func (o *Orchestrator) generate(ctx context.Context, system string, window []session.Message, message string, callback StreamCallback) (string, error) {
	if err := o.gate.Allow("completion"); err != nil {
		return "", fmt.Errorf("service unavailable: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	var accumulated strings.Builder
	accumulating := func(ctx context.Context, token string) error {
		accumulated.WriteString(token)
		if callback != nil {
			return callback(ctx, token)
		}
		return nil
	}

	text, err := o.generateWithRetry(genCtx, system, window, message, accumulating)
	if err != nil {
		o.gate.ReportFailure("completion")
		return accumulated.String(), err
	}

	o.gate.ReportSuccess("completion")
	if text == "" {
		text = accumulated.String()
	}
	return text, nil
}

// degradedTurn builds the fallback response and persists the turn
// best-effort so the transcript reflects what the user saw.
func (o *Orchestrator) degradedTurn(ctx context.Context, req Request, start time.Time) *Response {
	resp := &Response{
		SessionID: req.SessionID,
		Answer:    degradedMessage,
		Sources:   []session.SourceRef{},
		Suggestions: []string{
			"Try again in a few moments.",
			"Rephrase the question with more specific terms.",
		},
		FollowUpQuestions: nil,
		Confidence:        degradedConfidence,
		Degraded:          true,
		ProcessingTime:    time.Since(start),
	}

	if ctx.Err() == nil {
		o.persistTurn(req, resp.Answer, nil, session.StatusCompleted)
	}
	return resp
}

// persistTurn appends the turn to the session transcript. Best-effort:
// a persistence failure is logged, never surfaced, so the user still
// receives the generated answer.
func (o *Orchestrator) persistTurn(req Request, answer string, passages []search.Passage, status string) {
	// Detached context: persistence must survive client disconnects.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := o.sessions.AppendTurn(persistCtx, req.SessionID,
		session.Message{Role: session.RoleUser, Content: req.Message},
		session.Message{
			Role:    session.RoleAssistant,
			Content: answer,
			Sources: deriveSources(passages),
			Status:  status,
		})
	if err != nil {
		o.logger.Warn("persisting turn failed", "session_id", req.SessionID, "error", err)
	}
}

// setGeneratedTitle derives a session title from the first message.
// Best-effort with its own timeout.
func (o *Orchestrator) setGeneratedTitle(sessionID uuid.UUID, firstMessage string) {
	titleCtx, cancel := context.WithTimeout(context.Background(), titleGenerationTimeout)
	defer cancel()

	title := o.GenerateTitle(titleCtx, firstMessage)
	if title == "" {
		return
	}
	if err := o.sessions.SetTitle(titleCtx, sessionID, title); err != nil {
		o.logger.Debug("setting generated title failed", "session_id", sessionID, "error", err)
	}
}

// sessionLock returns the mutex serializing turns for a session.
func (o *Orchestrator) sessionLock(id uuid.UUID) *sync.Mutex {
	v, _ := o.sessionLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}
