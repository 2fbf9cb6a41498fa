package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/feedbackloop/insight/internal/ingest"
	"github.com/feedbackloop/insight/internal/log"
)

const maxIngestBodyBytes = 8 << 20 // 8MB, ingestion batches carry full item text

// ingestHandler serves the feedback ingestion endpoint.
type ingestHandler struct {
	indexer Ingestor
	cache   CacheInvalidator
	logger  log.Logger
}

// ingestRequest is the JSON body for POST /api/v1/ingest. Items are
// indexed as pushed; SourceItemIDs are pulled from the configured
// feedback source; RemoveIDs are deleted from the vector store afterwards.
type ingestRequest struct {
	Items         []ingestItem `json:"items,omitempty"`
	SourceItemIDs []string     `json:"source_item_ids,omitempty"`
	RemoveIDs     []string     `json:"remove_ids,omitempty"`
}

type ingestItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Source      string            `json:"source,omitempty"`
	Category    string            `json:"category,omitempty"`
	Sentiment   string            `json:"sentiment,omitempty"`
	Segment     string            `json:"segment,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ingestResponse struct {
	Indexed int               `json:"indexed"`
	Failed  int               `json:"failed"`
	Removed int               `json:"removed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ingest handles POST /api/v1/ingest. The batch is processed with partial
// success: per-item failures land in the errors map and the endpoint still
// returns 200. Only an empty batch or a backend outage fails the request.
func (h *ingestHandler) ingest(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "identity_required", "caller identity missing", h.logger)
		return
	}

	var body ingestRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", h.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}

	if len(body.Items) == 0 && len(body.SourceItemIDs) == 0 && len(body.RemoveIDs) == 0 {
		writeError(w, http.StatusBadRequest, "empty_batch", "items, source_item_ids, or remove_ids is required", h.logger)
		return
	}

	resp := ingestResponse{Errors: map[string]string{}}

	if len(body.Items) > 0 {
		items := make([]ingest.Item, 0, len(body.Items))
		for _, it := range body.Items {
			items = append(items, ingest.Item{
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

		report, err := h.indexer.IngestItems(r.Context(), id.OrgID, items)
		if err != nil {
			h.logger.Error("ingestion batch failed", "org_id", id.OrgID, "error", err)
			writeError(w, http.StatusInternalServerError, "ingest_failed", "failed to ingest feedback items", h.logger)
			return
		}
		resp.merge(report)
	}

	if len(body.SourceItemIDs) > 0 {
		report, err := h.indexer.IngestSourceItems(r.Context(), id.OrgID, body.SourceItemIDs)
		if err != nil {
			if errors.Is(err, ingest.ErrNoSource) {
				writeError(w, http.StatusUnprocessableEntity, "no_feedback_source",
					"no feedback source is configured; push items instead", h.logger)
				return
			}
			h.logger.Error("pulling feedback items failed", "org_id", id.OrgID, "error", err)
			writeError(w, http.StatusInternalServerError, "ingest_failed", "failed to ingest feedback items", h.logger)
			return
		}
		resp.merge(report)
	}

	if len(body.RemoveIDs) > 0 {
		if err := h.indexer.RemoveSourceItems(r.Context(), id.OrgID, body.RemoveIDs); err != nil {
			h.logger.Error("removing items failed", "org_id", id.OrgID, "error", err)
			writeError(w, http.StatusInternalServerError, "remove_failed", "failed to remove feedback items", h.logger)
			return
		}
		resp.Removed = len(body.RemoveIDs)
	}

	// The corpus changed, so cached per-org retrieval state is stale.
	if h.cache != nil {
		h.cache.ClearCache(id.OrgID)
	}

	writeJSON(w, http.StatusOK, resp, h.logger)
}

// merge folds one indexing report into the response.
func (resp *ingestResponse) merge(report *ingest.Report) {
	resp.Indexed += report.Indexed
	resp.Failed += report.Failed
	for k, v := range report.Errors {
		resp.Errors[k] = v
	}
}
