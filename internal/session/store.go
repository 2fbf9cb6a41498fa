package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedbackloop/insight/internal/log"
)

// Store manages session persistence with a PostgreSQL backend.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a session Store.
func NewStore(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

const sessionCols = `id, org_id, user_id, title, state, metadata, last_message_at, created_at, updated_at`

// Create starts a new active session for the given owner. metadata is
// optional caller-provided context stored with the session.
func (s *Store) Create(ctx context.Context, orgID, ownerID, title string, metadata map[string]string) (*Session, error) {
	if orgID == "" {
		return nil, ErrEmptyOrgID
	}
	if ownerID == "" {
		return nil, ErrEmptyOwnerID
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling session metadata: %w", err)
	}

	sess := Session{OrgID: orgID, OwnerID: ownerID, Title: title, State: StateActive, Metadata: metadata}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO chat_sessions (org_id, user_id, title, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		orgID, ownerID, title, metadataJSON).
		Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "org_id", orgID)
	return &sess, nil
}

// scanSession reads one sessionCols row.
func (s *Store) scanSession(row pgx.Row) (*Session, error) {
	var (
		sess         Session
		metadataJSON []byte
	)
	err := row.Scan(&sess.ID, &sess.OrgID, &sess.OwnerID, &sess.Title,
		&sess.State, &metadataJSON, &sess.LastMessageAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
		s.logger.Warn("failed to parse session metadata", "session_id", sess.ID, "error", err)
		sess.Metadata = map[string]string{}
	}
	return &sess, nil
}

// Get retrieves a session by id, enforcing ownership. A session belonging
// to another owner or organization returns ErrAccessDenied, distinct from
// ErrNotFound for a nonexistent id.
func (s *Store) Get(ctx context.Context, id uuid.UUID, orgID, ownerID string) (*Session, error) {
	sess, err := s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM chat_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}

	if sess.OrgID != orgID || sess.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, id)
	}
	return sess, nil
}

// List returns the owner's active sessions, most recently updated first.
func (s *Store) List(ctx context.Context, orgID, ownerID string) ([]*Session, error) {
	if orgID == "" {
		return nil, ErrEmptyOrgID
	}
	if ownerID == "" {
		return nil, ErrEmptyOwnerID
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM chat_sessions
		 WHERE org_id = $1 AND user_id = $2 AND state = 'active'
		 ORDER BY updated_at DESC`,
		orgID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading session rows: %w", err)
	}

	return sessions, nil
}

// Archive transitions a session from active to archived. Archiving an
// already-archived session is a no-op; the transition is one-way.
func (s *Store) Archive(ctx context.Context, id uuid.UUID, orgID, ownerID string) error {
	if _, err := s.Get(ctx, id, orgID, ownerID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET state = 'archived', updated_at = now()
		 WHERE id = $1 AND state = 'active'`, id)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", id, err)
	}

	s.logger.Debug("archived session", "id", id)
	return nil
}

// SetTitle updates the session title. Used for best-effort title
// generation after the first turn.
func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("setting session title: %w", err)
	}
	return nil
}

// AppendTurn atomically appends a user message and its assistant reply.
// The session row is locked for the duration of the transaction so
// concurrent appends serialize and readers never observe a half-turn.
// Appending to an archived session returns ErrArchived.
func (s *Store) AppendTurn(ctx context.Context, id uuid.UUID, userMsg, assistantMsg Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	var state State
	err = tx.QueryRow(ctx,
		`SELECT state FROM chat_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("locking session %s: %w", id, err)
	}
	if state != StateActive {
		return fmt.Errorf("%w: %s", ErrArchived, id)
	}

	if err := insertMessage(ctx, tx, id, userMsg, RoleUser); err != nil {
		return err
	}
	if err := insertMessage(ctx, tx, id, assistantMsg, RoleAssistant); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now(), last_message_at = now()
		 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("appended turn", "session_id", id)
	return nil
}

// insertMessage writes one transcript entry inside tx. The role parameter
// overrides msg.Role so a turn always lands as user+assistant.
func insertMessage(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, msg Message, role string) error {
	sources := msg.Sources
	if sources == nil {
		sources = []SourceRef{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshaling message sources: %w", err)
	}

	status := msg.Status
	if status == "" {
		status = StatusCompleted
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_messages (session_id, role, content, sources, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, role, msg.Content, sourcesJSON, status)
	if err != nil {
		return fmt.Errorf("inserting %s message: %w", role, err)
	}
	return nil
}

// Messages returns the transcript for a session in chronological order,
// enforcing the same ownership rules as Get.
func (s *Store) Messages(ctx context.Context, id uuid.UUID, orgID, ownerID string) ([]Message, error) {
	if _, err := s.Get(ctx, id, orgID, ownerID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, sources, status, created_at
		 FROM chat_messages WHERE session_id = $1
		 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", id, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg         Message
			sourcesJSON []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&sourcesJSON, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if err := json.Unmarshal(sourcesJSON, &msg.Sources); err != nil {
			s.logger.Warn("failed to parse message sources", "message_id", msg.ID, "error", err)
			msg.Sources = nil
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading message rows: %w", err)
	}

	return messages, nil
}
