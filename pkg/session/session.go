// Package session provides session presence tracking for the agent mesh.
// It defines the Store interface for session persistence and the Registry
// that implements subscribe, heartbeat, and who-is-online semantics on top
// of it.
package session

import (
	"context"
	"time"
)

// BroadcastTarget is the reserved subscription value matching every topic.
const BroadcastTarget = "ALL"

// Session represents a mesh participant identity with a heartbeat-based
// liveness signal.
type Session struct {
	// ID is the unique session identifier, caller-supplied or generated
	// at subscribe time.
	ID string

	// ParticipantName is an optional human-readable label for the agent.
	ParticipantName string

	// Subscriptions is the set of topics the session subscribed to, or
	// [BroadcastTarget] for everything.
	Subscriptions []string

	// CreatedAt is when the session first subscribed.
	CreatedAt time.Time

	// LastHeartbeat is the most recent activity timestamp. Staleness is
	// judged against this; it never triggers deletion.
	LastHeartbeat time.Time
}

// Store defines the interface for session persistence.
type Store interface {
	// Put creates or replaces a session record.
	Put(ctx context.Context, s *Session) error

	// Get retrieves a session by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns all known sessions. Staleness filtering is the
	// caller's responsibility.
	List(ctx context.Context) ([]*Session, error)

	// Heartbeat updates LastHeartbeat to now. No-op if the session is
	// unknown; it never auto-creates a record.
	Heartbeat(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
