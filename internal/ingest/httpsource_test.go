package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewHTTPSource_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPSource(""); err == nil {
		t.Error("empty base URL accepted")
	}
	if _, err := NewHTTPSource("http://feedback.internal"); err != nil {
		t.Errorf("valid URL rejected: %v", err)
	}
}

func TestHTTPSource_Items(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" {
			t.Errorf("path = %q, want /items", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("org_id") != "acme" {
			t.Errorf("org_id = %q", q.Get("org_id"))
		}
		if got := q["ids"]; len(got) != 2 || got[0] != "fb-1" || got[1] != "fb-2" {
			t.Errorf("ids = %v", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items": [
			{"id": "fb-1", "title": "Crash on upload", "description": "App crashes.",
			 "source": "app_store", "category": "bug", "sentiment": "negative",
			 "segment": "enterprise", "metadata": {"locale": "en"}}
		]}`))
	}))
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}

	items, err := source.Items(context.Background(), "acme", []string{"fb-1", "fb-2"})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (unknown ids absent)", len(items))
	}

	got := items[0]
	if got.ID != "fb-1" || got.Title != "Crash on upload" || got.Segment != "enterprise" {
		t.Errorf("item = %+v", got)
	}
	if got.Metadata["locale"] != "en" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestHTTPSource_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}

	if _, err := source.Items(context.Background(), "acme", []string{"fb-1"}); err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("got %v, want status error", err)
	}
}

func TestHTTPSource_FeedsIndexer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"items": [{"id": "fb-1", "title": "Pulled item"}]}`))
	}))
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	writer := &fakeWriter{}
	ix := newTestIndexer(t, source, &fakeEmbedder{}, writer)

	report, err := ix.IngestSourceItems(context.Background(), "acme", []string{"fb-1"})
	if err != nil {
		t.Fatalf("IngestSourceItems: %v", err)
	}
	if report.Indexed != 1 || len(writer.upserts) != 1 {
		t.Errorf("report = %+v, upserts = %d", report, len(writer.upserts))
	}
}
