// ABOUTME: Store interface and data types for session metadata persistence.
// ABOUTME: Defines the Session record and the idempotent-upsert contract.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// maxTitleLength caps stored session titles, matching what the session list
// UI displays.
const maxTitleLength = 80

// Session represents the metadata of one agent conversation session.
// The id is assigned by the agent service, not by the gateway.
type Session struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for session metadata persistence.
// Upserts are best-effort collaborators of the chat stream: callers log
// failures and carry on.
type Store interface {
	// UpsertSession creates the session row if it does not exist,
	// otherwise refreshes updated_at. The title only takes effect on
	// creation and is truncated to 80 characters.
	UpsertSession(ctx context.Context, sessionID, title string) error
	// GetSession returns one session or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// ListSessions returns up to limit sessions, most recently updated
	// first.
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	Close() error
}

// truncateTitle clips a title to the stored maximum.
func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= maxTitleLength {
		return title
	}
	return string(runes[:maxTitleLength])
}
