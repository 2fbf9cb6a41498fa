package session

import "errors"

// Sentinel errors for session operations.
// Wrap with fmt.Errorf("...: %w", err) and check with errors.Is().
var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrAccessDenied indicates the session exists but belongs to a
	// different owner or organization. The API surfaces this as 404 so
	// session ids do not leak across tenants; callers that need the
	// distinction check internally.
	ErrAccessDenied = errors.New("session access denied")

	// ErrArchived indicates an append to an archived session.
	ErrArchived = errors.New("session is archived")

	// ErrEmptyOrgID indicates a missing organization scope.
	ErrEmptyOrgID = errors.New("org id must not be empty")

	// ErrEmptyOwnerID indicates a missing owner.
	ErrEmptyOwnerID = errors.New("owner id must not be empty")
)
