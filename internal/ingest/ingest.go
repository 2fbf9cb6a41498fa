// Package ingest indexes feedback items into the embedding store so they
// become searchable. Ingestion is batch-oriented with per-item error
// capture: one bad item never fails the batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"

	"github.com/feedbackloop/insight/internal/embedding"
	"github.com/feedbackloop/insight/internal/log"
)

// Sentinel errors returned by Indexer operations.
var (
	// ErrEmptyOrgID indicates a missing organization scope.
	ErrEmptyOrgID = errors.New("org id must not be empty")

	// ErrNoSource indicates a pull by source item ids against an indexer
	// with no feedback source configured.
	ErrNoSource = errors.New("no feedback source configured")
)

// embedTimeout bounds one embedding call during indexing.
const embedTimeout = 10 * time.Second

// Item is one feedback entry as exposed by the source of record.
type Item struct {
	ID          string
	Title       string
	Description string
	Source      string
	Category    string
	Sentiment   string
	Segment     string // Customer segment the feedback came from
	Metadata    map[string]string
}

// FeedbackSource exposes feedback items from the system of record.
// Implementations resolve ids to full items; unknown ids are simply
// absent from the result, not errors.
type FeedbackSource interface {
	Items(ctx context.Context, orgID string, ids []string) ([]Item, error)
}

// Embedder is the embedding surface the indexer needs. ai.Embedder
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)
}

// Writer is the persistence surface the indexer needs.
// *embedding.Store satisfies it.
type Writer interface {
	Upsert(ctx context.Context, params embedding.UpsertParams) (*embedding.Record, error)
	DeleteBySourceItems(ctx context.Context, orgID string, sourceItemIDs []string) error
}

// Report summarizes one ingestion batch. Errors is keyed by source item
// id and holds the failure reason for each item that could not be indexed.
type Report struct {
	Indexed int               `json:"indexed"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Indexer embeds feedback items and writes them to the vector store.
type Indexer struct {
	source   FeedbackSource
	embedder Embedder
	store    Writer
	model    string
	logger   log.Logger
}

// Option configures an Indexer at construction time.
type Option func(*Indexer)

// WithModelName records which embedding model produced the vectors, so
// every stored record carries its provenance.
func WithModelName(name string) Option {
	return func(ix *Indexer) { ix.model = name }
}

// NewIndexer creates an Indexer. source may be nil when feedback items
// are only pushed through IngestItems.
func NewIndexer(source FeedbackSource, embedder Embedder, store Writer, logger log.Logger, opts ...Option) (*Indexer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if store == nil {
		return nil, fmt.Errorf("embedding store is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	ix := &Indexer{source: source, embedder: embedder, store: store, logger: logger}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// IngestSourceItems indexes the given feedback items for an organization.
// Items are processed independently: a failure is recorded in the report
// and the batch continues. The error return is reserved for batch-level
// failures (invalid input, source unavailable, canceled context).
func (ix *Indexer) IngestSourceItems(ctx context.Context, orgID string, ids []string) (*Report, error) {
	if orgID == "" {
		return nil, ErrEmptyOrgID
	}

	report := &Report{Errors: map[string]string{}}
	if len(ids) == 0 {
		return report, nil
	}
	if ix.source == nil {
		return nil, ErrNoSource
	}

	items, err := ix.source.Items(ctx, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("loading feedback items: %w", err)
	}

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		seen[item.ID] = true
	}

	if err := ix.indexBatch(ctx, orgID, items, report); err != nil {
		return report, err
	}

	// Ids the source does not know about are reported, not silently dropped.
	for _, id := range ids {
		if !seen[id] {
			report.Failed++
			report.Errors[id] = "item not found in feedback source"
		}
	}

	ix.logger.Info("ingestion batch complete",
		"org_id", orgID,
		"requested", len(ids),
		"indexed", report.Indexed,
		"failed", report.Failed)
	return report, nil
}

// IngestItems indexes items supplied directly by the caller, bypassing
// the configured source. Used by the ingest API where the feedback system
// pushes items instead of being polled.
func (ix *Indexer) IngestItems(ctx context.Context, orgID string, items []Item) (*Report, error) {
	if orgID == "" {
		return nil, ErrEmptyOrgID
	}

	report := &Report{Errors: map[string]string{}}
	if err := ix.indexBatch(ctx, orgID, items, report); err != nil {
		return report, err
	}

	ix.logger.Info("ingestion batch complete",
		"org_id", orgID,
		"requested", len(items),
		"indexed", report.Indexed,
		"failed", report.Failed)
	return report, nil
}

// indexBatch indexes items one at a time, recording per-item failures in
// the report. Only a canceled context aborts the batch.
func (ix *Indexer) indexBatch(ctx context.Context, orgID string, items []Item, report *Report) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ingestion interrupted: %w", err)
		}
		if item.ID == "" {
			report.Failed++
			report.Errors[""] = "item id must not be empty"
			continue
		}
		if err := ix.indexItem(ctx, orgID, item); err != nil {
			report.Failed++
			report.Errors[item.ID] = err.Error()
			ix.logger.Warn("indexing item failed",
				"org_id", orgID, "source_item_id", item.ID, "error", err)
			continue
		}
		report.Indexed++
	}
	return nil
}

// RemoveSourceItems deletes the embeddings for feedback items that were
// removed from the source of record.
func (ix *Indexer) RemoveSourceItems(ctx context.Context, orgID string, ids []string) error {
	if orgID == "" {
		return ErrEmptyOrgID
	}
	return ix.store.DeleteBySourceItems(ctx, orgID, ids)
}

// indexItem embeds one item and upserts it.
func (ix *Indexer) indexItem(ctx context.Context, orgID string, item Item) error {
	content := composeContent(item)
	if content == "" {
		return fmt.Errorf("item has no text content")
	}

	vec, err := ix.embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	_, err = ix.store.Upsert(ctx, embedding.UpsertParams{
		OrgID:        orgID,
		SourceItemID: item.ID,
		Content:      content,
		Vector:       vec,
		Source:       item.Source,
		Category:     item.Category,
		Sentiment:    item.Sentiment,
		TokenCount:   estimateTokens(content),
		Model:        ix.model,
		Metadata:     itemMetadata(item),
	})
	if err != nil {
		return fmt.Errorf("storing: %w", err)
	}
	return nil
}

func (ix *Indexer) embed(ctx context.Context, content string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	resp, err := ix.embedder.Embed(embedCtx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(content, nil)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embeddings[0].Embedding, nil
}

// estimateTokens approximates the token count of content at four bytes
// per token. The embed response carries no usage data, so an estimate is
// the best available figure.
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// composeContent joins title and description into the text that gets
// embedded and stored.
func composeContent(item Item) string {
	title := strings.TrimSpace(item.Title)
	desc := strings.TrimSpace(item.Description)
	switch {
	case title == "":
		return desc
	case desc == "":
		return title
	default:
		return title + "\n\n" + desc
	}
}

// itemMetadata preserves the title for citation rendering and the
// customer segment for filtering alongside any source-provided metadata.
func itemMetadata(item Item) map[string]string {
	md := make(map[string]string, len(item.Metadata)+2)
	for k, v := range item.Metadata {
		md[k] = v
	}
	if t := strings.TrimSpace(item.Title); t != "" {
		md["title"] = t
	}
	if seg := strings.TrimSpace(item.Segment); seg != "" {
		md["segment"] = seg
	}
	return md
}
