package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/feedbackloop/insight/internal/log"
	"github.com/feedbackloop/insight/internal/session"
)

const maxSessionBodyBytes = 64 << 10 // 64KB

// sessionHandler serves session CRUD endpoints.
type sessionHandler struct {
	store  SessionStore
	logger log.Logger
}

type createSessionRequest struct {
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// create handles POST /api/v1/sessions.
func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "identity_required", "caller identity missing", h.logger)
		return
	}

	var body createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSessionBodyBytes)
	// Empty body is fine; title is optional.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}

	sess, err := h.store.Create(r.Context(), id.OrgID, id.UserID, body.Title, body.Metadata)
	if err != nil {
		h.logger.Error("creating session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to create session", h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, sess, h.logger)
}

// list handles GET /api/v1/sessions. Only active sessions are returned.
func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "identity_required", "caller identity missing", h.logger)
		return
	}

	sessions, err := h.store.List(r.Context(), id.OrgID, id.UserID)
	if err != nil {
		h.logger.Error("listing sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list sessions", h.logger)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions}, h.logger)
}

// get handles GET /api/v1/sessions/{id}.
func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.scope(w, r)
	if !ok {
		return
	}

	sess, err := h.store.Get(r.Context(), sessionID, id.OrgID, id.UserID)
	if err != nil {
		h.writeStoreError(w, err, "get_failed", "failed to get session")
		return
	}

	writeJSON(w, http.StatusOK, sess, h.logger)
}

// messages handles GET /api/v1/sessions/{id}/messages.
func (h *sessionHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.scope(w, r)
	if !ok {
		return
	}

	msgs, err := h.store.Messages(r.Context(), sessionID, id.OrgID, id.UserID)
	if err != nil {
		h.writeStoreError(w, err, "messages_failed", "failed to get session messages")
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs}, h.logger)
}

// archive handles DELETE /api/v1/sessions/{id}. Sessions are archived,
// never physically deleted, and archiving twice succeeds.
func (h *sessionHandler) archive(w http.ResponseWriter, r *http.Request) {
	id, sessionID, ok := h.scope(w, r)
	if !ok {
		return
	}

	if err := h.store.Archive(r.Context(), sessionID, id.OrgID, id.UserID); err != nil {
		h.writeStoreError(w, err, "archive_failed", "failed to archive session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// scope extracts the caller identity and the session path parameter.
func (h *sessionHandler) scope(w http.ResponseWriter, r *http.Request) (identity, uuid.UUID, bool) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "identity_required", "caller identity missing", h.logger)
		return identity{}, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid session ID", h.logger)
		return identity{}, uuid.Nil, false
	}
	return id, sessionID, true
}

// writeStoreError maps session store errors to HTTP responses. Access
// denied renders as 404 so session ids do not leak across tenants.
func (h *sessionHandler) writeStoreError(w http.ResponseWriter, err error, code, message string) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrAccessDenied):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found", h.logger)
	default:
		h.logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, code, message, h.logger)
	}
}
