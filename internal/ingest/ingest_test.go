package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/feedbackloop/insight/internal/embedding"
	"github.com/feedbackloop/insight/internal/log"
)

type fakeSource struct {
	items map[string]Item
	err   error
}

func (f *fakeSource) Items(_ context.Context, _ string, ids []string) ([]Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Item
	for _, id := range ids {
		if item, ok := f.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	mu      sync.Mutex
	failFor map[string]error // keyed by document text substring
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	text := req.Input[0].Content[0].Text
	for substr, err := range f.failFor {
		if strings.Contains(text, substr) {
			return nil, err
		}
	}
	return &ai.EmbedResponse{Embeddings: []*ai.Embedding{{Embedding: []float32{0.1, 0.2}}}}, nil
}

type fakeWriter struct {
	mu        sync.Mutex
	upserts   []embedding.UpsertParams
	deleted   []string
	upsertErr error
}

func (f *fakeWriter) Upsert(_ context.Context, params embedding.UpsertParams) (*embedding.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, params)
	return &embedding.Record{SourceItemID: params.SourceItemID}, nil
}

func (f *fakeWriter) DeleteBySourceItems(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func newTestIndexer(t *testing.T, source FeedbackSource, embedder Embedder, writer Writer, opts ...Option) *Indexer {
	t.Helper()
	ix, err := NewIndexer(source, embedder, writer, log.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewIndexer: %v", err)
	}
	return ix
}

func TestIngestSourceItems(t *testing.T) {
	t.Parallel()

	source := &fakeSource{items: map[string]Item{
		"fb-1": {ID: "fb-1", Title: "Crash on upload", Description: "App crashes uploading photos.", Source: "app_store", Category: "bug", Sentiment: "negative", Segment: "enterprise"},
		"fb-2": {ID: "fb-2", Title: "Dark mode", Description: "Please add dark mode.", Source: "survey", Category: "feature_request"},
	}}
	writer := &fakeWriter{}
	ix := newTestIndexer(t, source, &fakeEmbedder{}, writer, WithModelName("text-embedding-004"))

	report, err := ix.IngestSourceItems(context.Background(), "acme", []string{"fb-1", "fb-2"})
	if err != nil {
		t.Fatalf("IngestSourceItems: %v", err)
	}

	if report.Indexed != 2 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(writer.upserts) != 2 {
		t.Fatalf("upserts = %d", len(writer.upserts))
	}

	first := writer.upserts[0]
	if first.OrgID != "acme" || first.SourceItemID != "fb-1" {
		t.Errorf("upsert = %+v", first)
	}
	if !strings.Contains(first.Content, "Crash on upload") || !strings.Contains(first.Content, "App crashes") {
		t.Errorf("content should join title and description: %q", first.Content)
	}
	if first.Metadata["title"] != "Crash on upload" {
		t.Errorf("metadata = %v", first.Metadata)
	}
	if first.Metadata["segment"] != "enterprise" {
		t.Errorf("segment not carried into metadata: %v", first.Metadata)
	}
	if first.Model != "text-embedding-004" {
		t.Errorf("model = %q", first.Model)
	}
	if want := (len(first.Content) + 3) / 4; first.TokenCount != want {
		t.Errorf("token count = %d, want %d", first.TokenCount, want)
	}
}

func TestIngestSourceItems_PartialFailure(t *testing.T) {
	t.Parallel()

	source := &fakeSource{items: map[string]Item{
		"good": {ID: "good", Title: "Works fine"},
		"bad":  {ID: "bad", Title: "Embedding breaks here"},
	}}
	embedder := &fakeEmbedder{failFor: map[string]error{
		"breaks": errors.New("model rejected input"),
	}}
	writer := &fakeWriter{}
	ix := newTestIndexer(t, source, embedder, writer)

	report, err := ix.IngestSourceItems(context.Background(), "acme", []string{"good", "bad", "missing"})
	if err != nil {
		t.Fatalf("IngestSourceItems: %v", err)
	}

	if report.Indexed != 1 || report.Failed != 2 {
		t.Errorf("report = %+v", report)
	}
	if !strings.Contains(report.Errors["bad"], "model rejected input") {
		t.Errorf("errors[bad] = %q", report.Errors["bad"])
	}
	if !strings.Contains(report.Errors["missing"], "not found") {
		t.Errorf("errors[missing] = %q", report.Errors["missing"])
	}
	if len(writer.upserts) != 1 || writer.upserts[0].SourceItemID != "good" {
		t.Errorf("upserts = %+v", writer.upserts)
	}
}

func TestIngestSourceItems_EmptyContent(t *testing.T) {
	t.Parallel()

	source := &fakeSource{items: map[string]Item{
		"blank": {ID: "blank", Title: "  ", Description: ""},
	}}
	ix := newTestIndexer(t, source, &fakeEmbedder{}, &fakeWriter{})

	report, err := ix.IngestSourceItems(context.Background(), "acme", []string{"blank"})
	if err != nil {
		t.Fatalf("IngestSourceItems: %v", err)
	}
	if report.Failed != 1 || !strings.Contains(report.Errors["blank"], "no text content") {
		t.Errorf("report = %+v", report)
	}
}

func TestIngestSourceItems_SourceFailure(t *testing.T) {
	t.Parallel()

	ix := newTestIndexer(t, &fakeSource{err: errors.New("feedback db down")},
		&fakeEmbedder{}, &fakeWriter{})

	_, err := ix.IngestSourceItems(context.Background(), "acme", []string{"fb-1"})
	if err == nil || !strings.Contains(err.Error(), "feedback db down") {
		t.Errorf("got %v, want source error", err)
	}
}

func TestIngestSourceItems_Validation(t *testing.T) {
	t.Parallel()

	ix := newTestIndexer(t, &fakeSource{}, &fakeEmbedder{}, &fakeWriter{})

	if _, err := ix.IngestSourceItems(context.Background(), "", []string{"x"}); !errors.Is(err, ErrEmptyOrgID) {
		t.Errorf("got %v, want ErrEmptyOrgID", err)
	}

	report, err := ix.IngestSourceItems(context.Background(), "acme", nil)
	if err != nil || report.Indexed != 0 || report.Failed != 0 {
		t.Errorf("empty batch: report=%+v err=%v", report, err)
	}
}

func TestIngestSourceItems_Canceled(t *testing.T) {
	t.Parallel()

	source := &fakeSource{items: map[string]Item{"fb-1": {ID: "fb-1", Title: "t"}}}
	ix := newTestIndexer(t, source, &fakeEmbedder{}, &fakeWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ix.IngestSourceItems(ctx, "acme", []string{"fb-1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestIngestItems(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	ix := newTestIndexer(t, nil, &fakeEmbedder{}, writer)

	report, err := ix.IngestItems(context.Background(), "acme", []Item{
		{ID: "fb-1", Title: "Pushed item"},
		{Title: "missing id"},
	})
	if err != nil {
		t.Fatalf("IngestItems: %v", err)
	}
	if report.Indexed != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(writer.upserts) != 1 || writer.upserts[0].SourceItemID != "fb-1" {
		t.Errorf("upserts = %+v", writer.upserts)
	}

	// No configured source: id-based ingestion must fail, push must work.
	if _, err := ix.IngestSourceItems(context.Background(), "acme", []string{"fb-1"}); !errors.Is(err, ErrNoSource) {
		t.Errorf("got %v, want ErrNoSource", err)
	}
}

func TestRemoveSourceItems(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	ix := newTestIndexer(t, &fakeSource{}, &fakeEmbedder{}, writer)

	if err := ix.RemoveSourceItems(context.Background(), "acme", []string{"fb-1", "fb-2"}); err != nil {
		t.Fatalf("RemoveSourceItems: %v", err)
	}
	if len(writer.deleted) != 2 {
		t.Errorf("deleted = %v", writer.deleted)
	}

	if err := ix.RemoveSourceItems(context.Background(), "", []string{"x"}); !errors.Is(err, ErrEmptyOrgID) {
		t.Errorf("got %v, want ErrEmptyOrgID", err)
	}
}

func TestComposeContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item Item
		want string
	}{
		{"both", Item{Title: "T", Description: "D"}, "T\n\nD"},
		{"title only", Item{Title: "T"}, "T"},
		{"description only", Item{Description: "D"}, "D"},
		{"whitespace", Item{Title: " ", Description: "\n"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := composeContent(tt.item); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
