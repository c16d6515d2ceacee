// Package message provides the durable, ordered message log for the agent
// mesh: addressing, thread linkage, and per-recipient read state. The
// Store interface has an in-memory implementation here and a PostgreSQL
// implementation in the postgres subpackage.
package message

import (
	"context"
	"errors"
	"time"
)

// BroadcastTarget is the reserved recipient visible to every session.
const BroadcastTarget = "ALL"

// Sentinel errors returned by Store implementations. Expected conditions
// the mesh facade converts into structured failure envelopes.
var (
	// ErrNotFound indicates an unknown message id or thread root.
	ErrNotFound = errors.New("message not found")

	// ErrUnauthorized indicates a delete attempted by a session that is
	// neither sender nor recipient.
	ErrUnauthorized = errors.New("session not authorized for message")
)

// Type classifies a message's intent.
type Type string

// Message types.
const (
	TypeChat     Type = "chat"
	TypeStatus   Type = "status"
	TypeQuery    Type = "query"
	TypeResponse Type = "response"
	TypeAlert    Type = "alert"
	TypeSystem   Type = "system"
)

// Priority orders delivery urgency.
type Priority string

// Message priorities.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is one durable entry in the mesh log.
type Message struct {
	// ID is the store-assigned unique identifier.
	ID string `json:"id"`

	// Seq is the monotonic insertion sequence. It breaks ties on coarse
	// timestamps so conversational order survives; never ordered by id.
	Seq int64 `json:"seq"`

	// FromSession is the sender's session id.
	FromSession string `json:"from_session"`

	// ToSession is a specific session id or [BroadcastTarget].
	ToSession string `json:"to_session"`

	Content  string   `json:"content"`
	Type     Type     `json:"message_type"`
	Priority Priority `json:"priority"`

	// Timestamp is the creation time assigned by Append.
	Timestamp time.Time `json:"timestamp"`

	// ParentID links a reply to its parent. Empty means thread root. A
	// dangling parent (purged or unknown) makes the message a standalone
	// root, not an error.
	ParentID string `json:"parent_message_id,omitempty"`

	// ReadBy is the append-only set of sessions that marked the message
	// read. It only grows.
	ReadBy []string `json:"read_by"`

	RequiresResponse bool `json:"requires_response,omitempty"`

	// ExpiresAt, when set, schedules TTL removal by Cleanup.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ReadBySession reports whether the session already marked this message
// read.
func (m *Message) ReadBySession(sessionID string) bool {
	for _, id := range m.ReadBy {
		if id == sessionID {
			return true
		}
	}
	return false
}

// Thread is the derived view of a root message and every reply whose
// parent chain resolves to it, ordered by (timestamp, seq).
type Thread struct {
	RootID       string     `json:"root_id"`
	Messages     []*Message `json:"messages"`
	Participants []string   `json:"participants"`
	ReplyCount   int        `json:"reply_count"`
	LastActivity time.Time  `json:"last_activity"`
}

// Filter selects messages for Query. Zero values mean "no constraint"
// except Viewer, which UnreadOnly is judged against.
type Filter struct {
	// ToSession matches messages addressed to this session or to
	// [BroadcastTarget]. Empty matches any recipient.
	ToSession string

	// FromSession restricts to a single sender.
	FromSession string

	// Viewer is the session whose read state defines "unread".
	Viewer string

	// UnreadOnly keeps only messages Viewer has not marked read.
	UnreadOnly bool

	// Since keeps messages at or after this instant.
	Since time.Time

	// Limit caps the result size; zero means no cap.
	Limit int
}

// Store defines the durable message log operations.
type Store interface {
	// Append stores a new message, assigning id, sequence, timestamp,
	// and an empty read set. Concurrent appends never collide.
	Append(ctx context.Context, msg *Message) (*Message, error)

	// Query returns oldest-first matches for the filter.
	Query(ctx context.Context, f Filter) ([]*Message, error)

	// MarkRead idempotently adds the session to the message's read set.
	// Absent messages and repeat calls are no-ops, not errors.
	MarkRead(ctx context.Context, messageID, sessionID string) error

	// UnreadCount counts direct and broadcast messages the session has
	// not marked read.
	UnreadCount(ctx context.Context, sessionID string) (int, error)

	// Get retrieves a single message, or ErrNotFound if no live message
	// bears that id. Expired messages read as absent.
	Get(ctx context.Context, id string) (*Message, error)

	// GetThread reconstructs the thread rooted at the given id: that
	// message plus every live descendant reachable through parent links.
	// ErrNotFound if no live message bears the id.
	GetThread(ctx context.Context, rootID string) (*Thread, error)

	// Delete removes a message when the requester is its sender or
	// recipient; ErrUnauthorized otherwise. Deleting an already-deleted
	// message is a no-op.
	Delete(ctx context.Context, id, requestingSession string) error

	// Cleanup removes expired messages.
	Cleanup(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}
