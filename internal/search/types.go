// Package search retrieves feedback passages by semantic similarity.
//
// The Engine embeds a query and delegates the vector scan to a store,
// optionally re-ranking the candidate pool with maximal marginal relevance
// to trade relevance against diversity.
package search

import (
	"time"

	"github.com/google/uuid"
)

// Passage is a retrievable unit of feedback content with its similarity
// to the query that produced it. Vector carries the stored embedding so
// re-ranking can score pairwise similarity without refetching.
type Passage struct {
	ID           uuid.UUID
	SourceItemID string
	Content      string
	Source       string
	Category     string
	Sentiment    string
	Metadata     map[string]string
	Vector       []float32
	Similarity   float64
	CreatedAt    time.Time
}

// Filter restricts a search to passages matching every set field.
// Absent fields impose no constraint; set fields combine conjunctively.
// Within one list a passage matches any of the values.
type Filter struct {
	Sources       []string
	Categories    []string
	Sentiments    []string
	Segments      []string // Customer segments, matched against metadata
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// MinSimilarity drops passages scoring below the floor. nil leaves
	// the decision to the engine's configured default; an explicit
	// pointer to 0 disables any floor.
	MinSimilarity *float64
}

// IsZero reports whether the filter imposes no restriction.
func (f Filter) IsZero() bool {
	return len(f.Sources) == 0 && len(f.Categories) == 0 &&
		len(f.Sentiments) == 0 && len(f.Segments) == 0 &&
		f.CreatedAfter.IsZero() && f.CreatedBefore.IsZero() &&
		f.MinSimilarity == nil
}
