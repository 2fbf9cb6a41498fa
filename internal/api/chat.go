package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/feedbackloop/insight/internal/chat"
	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/search"
	"github.com/feedbackloop/insight/internal/session"
)

const maxChatBodyBytes = 1 << 20 // 1MB

// chatHandler serves the synchronous and streaming chat endpoints.
type chatHandler struct {
	chat   ChatService
	logger log.Logger
}

// chatRequest is the JSON body for POST /api/v1/chat and the query/body
// parameters for the streaming endpoint.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	TopK      int    `json:"top_k,omitempty"`
	Diversify bool   `json:"diversify,omitempty"`

	// Conjunctive retrieval filters; within one list any value matches.
	Sources       []string `json:"sources,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Sentiments    []string `json:"sentiments,omitempty"`
	Segments      []string `json:"segments,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// toChatRequest validates and converts to the orchestrator request.
func (cr chatRequest) toChatRequest(id identity) (chat.Request, error) {
	sessionID, err := uuid.Parse(cr.SessionID)
	if err != nil {
		return chat.Request{}, fmt.Errorf("invalid session_id: %w", err)
	}
	return chat.Request{
		OrgID:     id.OrgID,
		UserID:    id.UserID,
		SessionID: sessionID,
		Message:   cr.Message,
		TopK:      cr.TopK,
		Diversify: cr.Diversify,
		Filter: search.Filter{
			Sources:       cr.Sources,
			Categories:    cr.Categories,
			Sentiments:    cr.Sentiments,
			Segments:      cr.Segments,
			MinSimilarity: cr.MinSimilarity,
		},
	}, nil
}

// send handles POST /api/v1/chat.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "identity_required", "caller identity missing", h.logger)
		return
	}

	var body chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}

	req, err := body.toChatRequest(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "session_id must be a UUID", h.logger)
		return
	}

	resp, err := h.chat.Chat(r.Context(), req)
	if err != nil {
		h.writeChatError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp, h.logger)
}

// writeChatError maps orchestrator errors to HTTP responses. Not-found
// and access-denied collapse to 404 so session ids do not leak across
// tenants.
func (h *chatHandler) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "empty_message", "message must not be empty", h.logger)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrAccessDenied):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found", h.logger)
	case errors.Is(err, session.ErrArchived):
		writeError(w, http.StatusConflict, "session_archived", "session is archived", h.logger)
	default:
		h.logger.Error("chat turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat_failed", "failed to process chat turn", h.logger)
	}
}

// SSE event types for chat streaming.
const (
	eventToken = "token" // Partial response text
	eventDone  = "done"  // Stream completed, data carries the full response
	eventError = "error" // Error occurred during streaming
)

// tokenPayload is the SSE data payload for streaming tokens.
type tokenPayload struct {
	Text string `json:"text"`
}

// errorPayload is the SSE data payload when an error occurs.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stream handles GET|POST /api/v1/chat/stream as Server-Sent Events.
// GET takes query parameters so EventSource clients work; POST takes the
// same JSON body as the synchronous endpoint.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id, ok := identityFromContext(r.Context())
	if !ok {
		_ = writeEvent(w, flusher, eventError, errorPayload{Code: "identity_required", Message: "caller identity missing"})
		return
	}

	body, err := h.parseStreamRequest(w, r)
	if err != nil {
		_ = writeEvent(w, flusher, eventError, errorPayload{Code: "invalid_request", Message: err.Error()})
		return
	}

	req, err := body.toChatRequest(id)
	if err != nil {
		_ = writeEvent(w, flusher, eventError, errorPayload{Code: "invalid_session_id", Message: "session_id must be a UUID"})
		return
	}

	ctx := r.Context()
	h.logger.Debug("SSE stream started", "session_id", body.SessionID)

	resp, err := h.chat.ChatStream(ctx, req, func(ctx context.Context, token string) error {
		return writeEvent(w, flusher, eventToken, tokenPayload{Text: token})
	})
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected", "session_id", body.SessionID)
			return
		}
		_ = writeEvent(w, flusher, eventError, h.streamErrorPayload(err))
		return
	}

	_ = writeEvent(w, flusher, eventDone, resp)
	h.logger.Debug("SSE stream completed", "session_id", body.SessionID)
}

// parseStreamRequest reads the chat request from query parameters (GET)
// or the JSON body (POST).
func (h *chatHandler) parseStreamRequest(w http.ResponseWriter, r *http.Request) (chatRequest, error) {
	if r.Method == http.MethodPost {
		var body chatRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return chatRequest{}, errors.New("invalid request body")
		}
		return body, nil
	}

	q := r.URL.Query()
	topK, _ := strconv.Atoi(q.Get("top_k"))
	diversify, _ := strconv.ParseBool(q.Get("diversify"))
	body := chatRequest{
		SessionID:  q.Get("session_id"),
		Message:    q.Get("message"),
		TopK:       topK,
		Diversify:  diversify,
		Sources:    q["sources"],
		Categories: q["categories"],
		Sentiments: q["sentiments"],
		Segments:   q["segments"],
	}
	if raw := q.Get("min_similarity"); raw != "" {
		if floor, err := strconv.ParseFloat(raw, 64); err == nil {
			body.MinSimilarity = &floor
		}
	}
	if strings.TrimSpace(body.Message) == "" {
		return chatRequest{}, errors.New("message is required")
	}
	return body, nil
}

// streamErrorPayload maps orchestrator errors to SSE error events.
func (h *chatHandler) streamErrorPayload(err error) errorPayload {
	code := "stream_error"
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		code = "empty_message"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrAccessDenied):
		code = "session_not_found"
	case errors.Is(err, session.ErrArchived):
		code = "session_archived"
	}
	return errorPayload{Code: code, Message: err.Error()}
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
