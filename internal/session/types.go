// Package session persists conversation sessions and their transcripts.
//
// Sessions are scoped to an organization and owned by a user. A session
// moves through a two-state lifecycle, active -> archived; archived
// sessions stay readable but reject new turns. Turns are appended
// atomically so readers never observe a user message without its
// assistant reply.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive accepts new turns.
	StateActive State = "active"

	// StateArchived is read-only.
	StateArchived State = "archived"
)

// Role constants define valid message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message status values.
const (
	// StatusCompleted marks a fully generated message.
	StatusCompleted = "completed"

	// StatusIncomplete marks an assistant message cut off mid-stream.
	StatusIncomplete = "incomplete"
)

// Session represents a conversation session.
type Session struct {
	ID       uuid.UUID
	OrgID    string
	OwnerID  string
	Title    string
	State    State
	Metadata map[string]string

	// LastMessageAt is the time of the newest turn, nil before the first
	// one. It moves only on appended turns, unlike UpdatedAt.
	LastMessageAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceRef records one passage an assistant message was grounded on.
type SourceRef struct {
	SourceItemID string  `json:"source_item_id"`
	Title        string  `json:"title,omitempty"`
	Similarity   float64 `json:"similarity"`
	Excerpt      string  `json:"excerpt,omitempty"`
}

// Message represents a single transcript entry.
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      string // "user" | "assistant"
	Content   string
	Sources   []SourceRef // Assistant messages only
	Status    string      // "completed" | "incomplete"
	CreatedAt time.Time
}
