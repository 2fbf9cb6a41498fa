package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// sourceTimeout bounds one fetch from the feedback service.
const sourceTimeout = 30 * time.Second

// HTTPSource pulls feedback items from the feedback system of record over
// HTTP. It expects GET {base}/items?org_id=...&ids=...&ids=... to return
// {"items": [...]}; ids the service does not know are simply absent.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source reading from the service at baseURL.
func NewHTTPSource(baseURL string) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid feedback API URL: %w", err)
	}
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: sourceTimeout},
	}, nil
}

// sourceItem is the wire shape of one feedback item.
type sourceItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Source      string            `json:"source,omitempty"`
	Category    string            `json:"category,omitempty"`
	Sentiment   string            `json:"sentiment,omitempty"`
	Segment     string            `json:"segment,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Items implements FeedbackSource.
func (s *HTTPSource) Items(ctx context.Context, orgID string, ids []string) ([]Item, error) {
	q := url.Values{"org_id": {orgID}}
	for _, id := range ids {
		q.Add("ids", id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/items?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building feedback request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feedback items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feedback service returned %s", resp.Status)
	}

	var payload struct {
		Items []sourceItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding feedback items: %w", err)
	}

	items := make([]Item, 0, len(payload.Items))
	for _, it := range payload.Items {
		items = append(items, Item{
			ID:          it.ID,
			Title:       it.Title,
			Description: it.Description,
			Source:      it.Source,
			Category:    it.Category,
			Sentiment:   it.Sentiment,
			Segment:     it.Segment,
			Metadata:    it.Metadata,
		})
	}
	return items, nil
}
