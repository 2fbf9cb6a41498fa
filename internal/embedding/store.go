// Package embedding persists feedback embeddings in PostgreSQL + pgvector
// and serves nearest-neighbor queries over them.
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/search"
)

// Sentinel errors returned by Store operations.
var (
	// ErrInvalidDimension indicates a vector whose length does not match
	// the store's configured dimension.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrEmptyOrgID indicates a missing organization scope.
	ErrEmptyOrgID = errors.New("org id must not be empty")

	// ErrEmptySourceItemID indicates a missing source item reference.
	ErrEmptySourceItemID = errors.New("source item id must not be empty")
)

// queryTimeout bounds a single vector scan so a cold ANN index cannot
// stall a chat turn.
const queryTimeout = 10 * time.Second

// Metric selects the pgvector distance operator used for neighbor queries.
type Metric string

const (
	// MetricCosine orders by cosine distance (<=>); similarity is 1 - distance.
	MetricCosine Metric = "cosine"

	// MetricL2 orders by Euclidean distance (<->); similarity is 1/(1+distance).
	MetricL2 Metric = "l2"

	// MetricInnerProduct orders by negative inner product (<#>);
	// similarity is the raw inner product.
	MetricInnerProduct Metric = "ip"
)

// operator returns the pgvector SQL operator for the metric.
func (m Metric) operator() string {
	switch m {
	case MetricL2:
		return "<->"
	case MetricInnerProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

// similarity converts a raw distance into a similarity score.
// Cosine distance maps onto [0,2] so 1-d lands in [-1,1]; in practice
// embedding models produce non-negative similarities.
func (m Metric) similarity(distance float64) float64 {
	switch m {
	case MetricL2:
		return 1 / (1 + distance)
	case MetricInnerProduct:
		return -distance
	default:
		return 1 - distance
	}
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is a stored feedback embedding.
type Record struct {
	ID           uuid.UUID
	OrgID        string
	SourceItemID string
	Content      string
	Vector       []float32
	Source       string
	Category     string
	Sentiment    string
	TokenCount   int    // Token estimate for the embedded content
	Model        string // Embedding model that produced the vector
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertParams describes one embedding to insert or replace.
type UpsertParams struct {
	OrgID        string
	SourceItemID string
	Content      string
	Vector       []float32
	Source       string
	Category     string
	Sentiment    string
	TokenCount   int
	Model        string
	Metadata     map[string]string
}

// Store manages feedback embeddings. It is keyed by (org_id, source_item_id):
// upserting the same source item replaces the previous row in place.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     querier
	dim    int
	metric Metric
	logger log.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithMetric overrides the distance metric (default cosine).
func WithMetric(m Metric) Option {
	return func(s *Store) { s.metric = m }
}

// NewStore creates a Store over db with the given vector dimension.
func NewStore(db querier, dim int, logger log.Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if dim < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, dim)
	}
	if logger == nil {
		logger = log.NewNop()
	}

	s := &Store{
		db:     db,
		dim:    dim,
		metric: MetricCosine,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const upsertSQL = `INSERT INTO feedback_embeddings
	(org_id, source_item_id, content, embedding, source, category, sentiment, token_count, model, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (org_id, source_item_id) DO UPDATE SET
		content = EXCLUDED.content,
		embedding = EXCLUDED.embedding,
		source = EXCLUDED.source,
		category = EXCLUDED.category,
		sentiment = EXCLUDED.sentiment,
		token_count = EXCLUDED.token_count,
		model = EXCLUDED.model,
		metadata = EXCLUDED.metadata,
		updated_at = now()
	RETURNING id, created_at, updated_at`

// Upsert inserts a new embedding or replaces the existing row for the same
// (org, source item). The write is durable once Upsert returns; concurrent
// upserts of the same key resolve last-write-wins by commit order.
func (s *Store) Upsert(ctx context.Context, params UpsertParams) (*Record, error) {
	if params.OrgID == "" {
		return nil, ErrEmptyOrgID
	}
	if params.SourceItemID == "" {
		return nil, ErrEmptySourceItemID
	}
	if len(params.Vector) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(params.Vector), s.dim)
	}
	if params.TokenCount < 0 {
		return nil, fmt.Errorf("token count must not be negative: %d", params.TokenCount)
	}

	metadataJSON, err := json.Marshal(orEmptyMap(params.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	vec := pgvector.NewVector(params.Vector)

	rec := Record{
		OrgID:        params.OrgID,
		SourceItemID: params.SourceItemID,
		Content:      params.Content,
		Vector:       params.Vector,
		Source:       params.Source,
		Category:     params.Category,
		Sentiment:    params.Sentiment,
		TokenCount:   params.TokenCount,
		Model:        params.Model,
		Metadata:     params.Metadata,
	}
	err = s.db.QueryRow(ctx, upsertSQL,
		params.OrgID, params.SourceItemID, params.Content, vec,
		params.Source, params.Category, params.Sentiment,
		params.TokenCount, params.Model, metadataJSON,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting embedding %q: %w", params.SourceItemID, err)
	}

	s.logger.Debug("upserted embedding",
		"org_id", params.OrgID,
		"source_item_id", params.SourceItemID,
		"content_length", len(params.Content))
	return &rec, nil
}

// DeleteBySourceItems removes the embeddings for the given source items.
// Unknown ids are ignored, so the operation is idempotent.
func (s *Store) DeleteBySourceItems(ctx context.Context, orgID string, sourceItemIDs []string) error {
	if orgID == "" {
		return ErrEmptyOrgID
	}
	if len(sourceItemIDs) == 0 {
		return nil
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM feedback_embeddings WHERE org_id = $1 AND source_item_id = ANY($2)`,
		orgID, sourceItemIDs)
	if err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}

	s.logger.Debug("deleted embeddings",
		"org_id", orgID,
		"requested", len(sourceItemIDs),
		"deleted", tag.RowsAffected())
	return nil
}

// Count returns the number of embeddings stored for the organization.
func (s *Store) Count(ctx context.Context, orgID string) (int64, error) {
	if orgID == "" {
		return 0, ErrEmptyOrgID
	}

	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM feedback_embeddings WHERE org_id = $1`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return count, nil
}

// NearestNeighbors returns the k stored passages closest to queryVec under
// the store's metric, scoped to orgID and restricted by filter. Results are
// ordered by descending similarity; the stored vectors are included so
// callers can re-rank without another round trip.
func (s *Store) NearestNeighbors(ctx context.Context, orgID string, queryVec []float32, k int, filter search.Filter) ([]search.Passage, error) {
	if orgID == "" {
		return nil, ErrEmptyOrgID
	}
	if len(queryVec) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(queryVec), s.dim)
	}
	if k < 1 {
		return []search.Passage{}, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sql, args := s.neighborQuery(orgID, pgvector.NewVector(queryVec), k, filter)

	rows, err := s.db.Query(queryCtx, sql, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("vector search timeout: %w", err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	passages := make([]search.Passage, 0, k)
	for rows.Next() {
		var (
			p            search.Passage
			vec          pgvector.Vector
			metadataJSON []byte
			distance     float64
		)
		if err := rows.Scan(&p.ID, &p.SourceItemID, &p.Content, &vec,
			&p.Source, &p.Category, &p.Sentiment, &metadataJSON,
			&p.CreatedAt, &distance); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}

		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			s.logger.Warn("failed to parse metadata", "id", p.ID, "error", err)
			p.Metadata = map[string]string{}
		}
		p.Vector = vec.Slice()
		p.Similarity = s.metric.similarity(distance)
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search rows: %w", err)
	}

	return passages, nil
}

// neighborQuery builds the parameterized vector search statement.
// All filter values are passed as bind parameters; only the distance
// operator (a fixed constant per metric) is interpolated.
func (s *Store) neighborQuery(orgID string, queryVec pgvector.Vector, k int, filter search.Filter) (string, []any) {
	op := s.metric.operator()

	args := []any{orgID, queryVec}
	where := "org_id = $1"

	// cond carries a %d placeholder for the bind parameter position.
	addCond := func(cond string, val any) {
		args = append(args, val)
		where += " AND " + fmt.Sprintf(cond, len(args))
	}

	if len(filter.Sources) > 0 {
		addCond("source = ANY($%d)", filter.Sources)
	}
	if len(filter.Categories) > 0 {
		addCond("category = ANY($%d)", filter.Categories)
	}
	if len(filter.Sentiments) > 0 {
		addCond("sentiment = ANY($%d)", filter.Sentiments)
	}
	if len(filter.Segments) > 0 {
		// Segment lives in the metadata map, keyed at ingestion time.
		addCond("metadata->>'segment' = ANY($%d)", filter.Segments)
	}
	if !filter.CreatedAfter.IsZero() {
		addCond("created_at >= $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		addCond("created_at <= $%d", filter.CreatedBefore)
	}

	sql := fmt.Sprintf(`SELECT id, source_item_id, content, embedding,
		source, category, sentiment, metadata, created_at,
		embedding %s $2 AS distance
	FROM feedback_embeddings
	WHERE %s`, op, where)

	// Similarity floor expressed in distance space so it prunes server-side.
	if floor := filter.MinSimilarity; floor != nil && *floor > 0 {
		switch s.metric {
		case MetricCosine:
			args = append(args, 1-*floor)
			sql += fmt.Sprintf(" AND embedding %s $2 <= $%d", op, len(args))
		case MetricL2:
			// 1/(1+d) >= floor  <=>  d <= 1/floor - 1
			args = append(args, 1/(*floor)-1)
			sql += fmt.Sprintf(" AND embedding %s $2 <= $%d", op, len(args))
		case MetricInnerProduct:
			args = append(args, -*floor)
			sql += fmt.Sprintf(" AND embedding %s $2 <= $%d", op, len(args))
		}
	}

	args = append(args, k)
	sql += fmt.Sprintf(" ORDER BY distance LIMIT $%d", len(args))

	return sql, args
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
