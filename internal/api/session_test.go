package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/feedbackloop/insight/internal/session"
)

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	srv := newTestServer(t, ServerConfig{Sessions: store})

	// Create
	rec := doRequest(srv, http.MethodPost, "/api/v1/sessions", `{"title":"Crash triage"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding created session: %v", err)
	}
	if created.Title != "Crash triage" || created.State != session.StateActive {
		t.Errorf("created = %+v", created)
	}

	// Get
	rec = doRequest(srv, http.MethodGet, "/api/v1/sessions/"+created.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	// List
	rec = doRequest(srv, http.MethodGet, "/api/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(listed.Sessions) != 1 {
		t.Errorf("listed %d sessions, want 1", len(listed.Sessions))
	}

	// Archive
	rec = doRequest(srv, http.MethodDelete, "/api/v1/sessions/"+created.ID.String(), "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("archive status = %d", rec.Code)
	}

	// Archived sessions drop out of the listing.
	rec = doRequest(srv, http.MethodGet, "/api/v1/sessions", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(listed.Sessions) != 0 {
		t.Errorf("listed %d sessions after archive, want 0", len(listed.Sessions))
	}
}

func TestSessionCreate_Metadata(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	srv := newTestServer(t, ServerConfig{Sessions: store})

	rec := doRequest(srv, http.MethodPost, "/api/v1/sessions",
		`{"title":"Q3 review","metadata":{"channel":"slack","team":"growth"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding created session: %v", err)
	}
	if created.Metadata["channel"] != "slack" || created.Metadata["team"] != "growth" {
		t.Errorf("metadata = %v", created.Metadata)
	}
}

func TestSessionCreate_NoBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, ServerConfig{Sessions: newFakeStore()})

	rec := doRequest(srv, http.MethodPost, "/api/v1/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201 with empty body", rec.Code)
	}
}

func TestSessionMessages(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	sess, _ := store.Create(t.Context(), "acme", "u1", "", nil)
	store.messages[sess.ID] = []session.Message{
		{SessionID: sess.ID, Role: session.RoleUser, Content: "hi"},
		{SessionID: sess.ID, Role: session.RoleAssistant, Content: "hello"},
	}
	srv := newTestServer(t, ServerConfig{Sessions: store})

	rec := doRequest(srv, http.MethodGet, "/api/v1/sessions/"+sess.ID.String()+"/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got struct {
		Messages []session.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding messages: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestSessionAccess(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	// Owned by a different user in the same org.
	foreign, _ := store.Create(t.Context(), "acme", "someone-else", "", nil)
	srv := newTestServer(t, ServerConfig{Sessions: store})

	tests := []struct {
		name   string
		target string
	}{
		{"unknown id", "/api/v1/sessions/" + uuid.NewString()},
		{"foreign session", "/api/v1/sessions/" + foreign.ID.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(srv, http.MethodGet, tt.target, "")
			// Both cases must be indistinguishable to the caller.
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", rec.Code)
			}
		})
	}
}

func TestSessionInvalidID(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, ServerConfig{Sessions: newFakeStore()})

	rec := doRequest(srv, http.MethodGet, "/api/v1/sessions/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
