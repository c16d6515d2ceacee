// Package mesh implements the operation surface of the agent mesh:
// subscribe, broadcast, who-is-online, get-messages, mark-read,
// get-thread, and delete-message, composed from the session registry,
// the durable message store, and the live-delivery hub. Every operation
// returns a well-formed envelope with a success flag and human-readable
// instructions; only infrastructure loss surfaces as a Go error.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/symagenic/mcp-agent-mesh/pkg/delivery"
	"github.com/symagenic/mcp-agent-mesh/pkg/message"
	"github.com/symagenic/mcp-agent-mesh/pkg/session"
)

// subscribeFirst is the guidance attached to failures caused by calling
// mesh operations before registering a session.
const subscribeFirst = "No active mesh session. Call mesh_subscribe first to register this agent, then retry."

// Mesh composes the registry, message store, and delivery hub behind the
// seven mesh operations.
type Mesh struct {
	registry *session.Registry
	store    message.Store
	hub      *delivery.Hub

	// requireExplicitSession disables most-recent-heartbeat identity
	// inference; callers must then pass a session id on every operation.
	requireExplicitSession bool
}

// New creates the mesh facade. The hub is wired to heartbeat sessions
// when their live connection registers.
func New(registry *session.Registry, store message.Store, hub *delivery.Hub, requireExplicitSession bool) *Mesh {
	m := &Mesh{
		registry:               registry,
		store:                  store,
		hub:                    hub,
		requireExplicitSession: requireExplicitSession,
	}
	hub.OnConnect(func(sessionID string) {
		if err := registry.UpdateHeartbeat(context.Background(), sessionID); err != nil {
			slog.Warn("heartbeat on connect failed", "session_id", sessionID, "error", err)
		}
	})
	return m
}

// Hub exposes the delivery hub for transport wiring.
func (m *Mesh) Hub() *delivery.Hub {
	return m.hub
}

// Envelope is the part of every operation result that forms the binding
// wire contract: a success flag plus human-readable guidance.
type Envelope struct {
	Success      bool   `json:"success"`
	Instructions string `json:"instructions"`
}

func failure(instructions string) Envelope {
	return Envelope{Success: false, Instructions: instructions}
}

func success(instructions string) Envelope {
	return Envelope{Success: true, Instructions: instructions}
}

// resolveActing determines the acting session. An explicit id wins; when
// absent and inference is allowed, the most-recently-heartbeated session
// acts. Returns a failure envelope instead of an error for the expected
// no-session conditions.
func (m *Mesh) resolveActing(ctx context.Context, explicitID string) (*session.Session, *Envelope, error) {
	if explicitID != "" {
		sess, err := m.registry.Get(ctx, explicitID)
		if err != nil {
			return nil, nil, err
		}
		if sess == nil {
			env := failure(fmt.Sprintf("Session %q is not registered. %s", explicitID, subscribeFirst))
			return nil, &env, nil
		}
		return sess, nil, nil
	}

	if m.requireExplicitSession {
		env := failure("This mesh requires an explicit session_id on every call. Pass the session_id returned by mesh_subscribe.")
		return nil, &env, nil
	}

	sess, err := m.registry.MostRecent(ctx)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		env := failure(subscribeFirst)
		return nil, &env, nil
	}
	return sess, nil, nil
}

// heartbeat refreshes the acting session's liveness. Failures are logged,
// never fatal to the operation that triggered them.
func (m *Mesh) heartbeat(ctx context.Context, sessionID string) {
	if err := m.registry.UpdateHeartbeat(ctx, sessionID); err != nil {
		slog.Warn("heartbeat failed", "session_id", sessionID, "error", err)
	}
}

// SubscribeParams are the inputs to Subscribe.
type SubscribeParams struct {
	SessionID       string
	ParticipantName string
	Subscriptions   []string
}

// SubscribeResult reports the effective session and current peers.
type SubscribeResult struct {
	Envelope
	SessionID       string       `json:"session_id"`
	ParticipantName string       `json:"participant_name,omitempty"`
	Subscriptions   []string     `json:"subscriptions"`
	OnlinePeers     []PeerStatus `json:"online_peers"`
}

// Subscribe registers or refreshes a session and returns its effective
// identity plus the currently online peers.
func (m *Mesh) Subscribe(ctx context.Context, p SubscribeParams) (*SubscribeResult, error) {
	sess, err := m.registry.Subscribe(ctx, p.SessionID, p.ParticipantName, p.Subscriptions)
	if err != nil {
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	peers, err := m.onlinePeers(ctx, 0)
	if err != nil {
		return nil, err
	}

	slog.Info("session subscribed", "session_id", sess.ID, "participant", sess.ParticipantName)
	return &SubscribeResult{
		Envelope: success(fmt.Sprintf(
			"Subscribed as session %s. Use mesh_broadcast to send messages and mesh_get_messages to poll for new ones.", sess.ID)),
		SessionID:       sess.ID,
		ParticipantName: sess.ParticipantName,
		Subscriptions:   sess.Subscriptions,
		OnlinePeers:     peers,
	}, nil
}

// BroadcastParams are the inputs to Broadcast.
type BroadcastParams struct {
	SessionID        string
	Content          string
	MessageType      string
	Priority         string
	ToSession        string
	ParentID         string
	RequiresResponse bool
	TTLSeconds       int
}

// BroadcastResult reports the stored message and its live delivery.
type BroadcastResult struct {
	Envelope
	MessageID     string `json:"message_id"`
	ToSession     string `json:"to_session"`
	LiveDelivered int    `json:"live_delivered"`
}

// Broadcast appends a message to the durable store and then fans it out
// to live connections. A push failure never rolls back the append; the
// recipients observe the message on their next poll.
func (m *Mesh) Broadcast(ctx context.Context, p BroadcastParams) (*BroadcastResult, error) {
	sess, env, err := m.resolveActing(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if env != nil {
		return &BroadcastResult{Envelope: *env}, nil
	}
	m.heartbeat(ctx, sess.ID)

	if p.Content == "" {
		return &BroadcastResult{Envelope: failure("Message content must not be empty.")}, nil
	}
	msgType, ok := message.ParseType(p.MessageType)
	if !ok {
		return &BroadcastResult{Envelope: failure(fmt.Sprintf(
			"Unknown message_type %q. Use one of: chat, status, query, response, alert, system.", p.MessageType))}, nil
	}
	priority, ok := message.ParsePriority(p.Priority)
	if !ok {
		return &BroadcastResult{Envelope: failure(fmt.Sprintf(
			"Unknown priority %q. Use one of: low, normal, high.", p.Priority))}, nil
	}

	toSession := p.ToSession
	if toSession == "" {
		toSession = message.BroadcastTarget
	}

	msg := &message.Message{
		FromSession:      sess.ID,
		ToSession:        toSession,
		Content:          p.Content,
		Type:             msgType,
		Priority:         priority,
		ParentID:         p.ParentID,
		RequiresResponse: p.RequiresResponse,
	}
	if p.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(p.TTLSeconds) * time.Second)
		msg.ExpiresAt = &expires
	}

	stored, err := m.store.Append(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	// Live leg is best effort; the append above is the durable truth.
	delivered := 0
	if toSession == message.BroadcastTarget {
		delivered = m.hub.BroadcastToAll(stored)
	} else if m.hub.SendToSession(toSession, stored) {
		delivered = 1
	}

	slog.Info("message broadcast",
		"message_id", stored.ID, "from", stored.FromSession,
		"to", stored.ToSession, "live_delivered", delivered)
	return &BroadcastResult{
		Envelope:      success(fmt.Sprintf("Message %s stored and pushed to %d live connection(s).", stored.ID, delivered)),
		MessageID:     stored.ID,
		ToSession:     stored.ToSession,
		LiveDelivered: delivered,
	}, nil
}

// PeerStatus is one session in a who-is-online result.
type PeerStatus struct {
	SessionID       string    `json:"session_id"`
	ParticipantName string    `json:"participant_name,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	LiveConnection  bool      `json:"live_connection"`
}

// WhoIsOnlineResult lists sessions inside the liveness window.
type WhoIsOnlineResult struct {
	Envelope
	Sessions []PeerStatus `json:"sessions"`
}

// WhoIsOnline returns sessions whose last heartbeat falls within the
// window (the configured liveness window when withinSeconds is zero).
func (m *Mesh) WhoIsOnline(ctx context.Context, withinSeconds int) (*WhoIsOnlineResult, error) {
	peers, err := m.onlinePeers(ctx, time.Duration(withinSeconds)*time.Second)
	if err != nil {
		return nil, err
	}

	return &WhoIsOnlineResult{
		Envelope: success(fmt.Sprintf("%d session(s) online.", len(peers))),
		Sessions: peers,
	}, nil
}

func (m *Mesh) onlinePeers(ctx context.Context, within time.Duration) ([]PeerStatus, error) {
	online, err := m.registry.WhoIsOnline(ctx, within)
	if err != nil {
		return nil, fmt.Errorf("listing online sessions: %w", err)
	}

	peers := make([]PeerStatus, 0, len(online))
	for _, sess := range online {
		peers = append(peers, PeerStatus{
			SessionID:       sess.ID,
			ParticipantName: sess.ParticipantName,
			LastHeartbeat:   sess.LastHeartbeat,
			LiveConnection:  m.hub.Connected(sess.ID),
		})
	}
	return peers, nil
}

// GetMessagesParams are the inputs to GetMessages.
type GetMessagesParams struct {
	SessionID   string
	FromSession string
	UnreadOnly  bool
	Since       time.Time
	Limit       int
}

// GetMessagesResult carries the matched messages and the viewer's unread
// count.
type GetMessagesResult struct {
	Envelope
	Messages    []*message.Message `json:"messages"`
	UnreadCount int                `json:"unread_count"`
}

// GetMessages returns oldest-first messages addressed to the acting
// session (directly or via broadcast), enriched with its unread count.
func (m *Mesh) GetMessages(ctx context.Context, p GetMessagesParams) (*GetMessagesResult, error) {
	sess, env, err := m.resolveActing(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if env != nil {
		return &GetMessagesResult{Envelope: *env}, nil
	}
	m.heartbeat(ctx, sess.ID)

	msgs, err := m.store.Query(ctx, message.Filter{
		ToSession:   sess.ID,
		FromSession: p.FromSession,
		Viewer:      sess.ID,
		UnreadOnly:  p.UnreadOnly,
		Since:       p.Since,
		Limit:       p.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	unread, err := m.store.UnreadCount(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("counting unread: %w", err)
	}

	if msgs == nil {
		msgs = []*message.Message{}
	}
	return &GetMessagesResult{
		Envelope:    success(fmt.Sprintf("%d message(s) returned, %d unread. Use mesh_mark_read to acknowledge them.", len(msgs), unread)),
		Messages:    msgs,
		UnreadCount: unread,
	}, nil
}

// MarkReadParams are the inputs to MarkRead. MarkAll acknowledges every
// unread message addressed to the acting session.
type MarkReadParams struct {
	SessionID  string
	MessageIDs []string
	MarkAll    bool
}

// MarkReadResult reports how many messages were acknowledged.
type MarkReadResult struct {
	Envelope
	MarkedCount     int `json:"marked_count"`
	RemainingUnread int `json:"remaining_unread"`
}

// MarkRead acknowledges the named messages (or all unread ones) for the
// acting session. Marking is idempotent per message; ids already read or
// no longer stored still count as acknowledged.
func (m *Mesh) MarkRead(ctx context.Context, p MarkReadParams) (*MarkReadResult, error) {
	sess, env, err := m.resolveActing(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if env != nil {
		return &MarkReadResult{Envelope: *env}, nil
	}
	m.heartbeat(ctx, sess.ID)

	ids := p.MessageIDs
	if p.MarkAll {
		unread, err := m.store.Query(ctx, message.Filter{
			ToSession:  sess.ID,
			Viewer:     sess.ID,
			UnreadOnly: true,
		})
		if err != nil {
			return nil, fmt.Errorf("querying unread messages: %w", err)
		}
		ids = make([]string, 0, len(unread))
		for _, msg := range unread {
			ids = append(ids, msg.ID)
		}
	}
	if !p.MarkAll && len(ids) == 0 {
		return &MarkReadResult{Envelope: failure("Provide message_ids or set mark_all to true.")}, nil
	}

	marked := 0
	for _, id := range ids {
		if err := m.store.MarkRead(ctx, id, sess.ID); err != nil {
			return nil, fmt.Errorf("marking message %s read: %w", id, err)
		}
		marked++
	}

	remaining, err := m.store.UnreadCount(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("counting unread: %w", err)
	}

	return &MarkReadResult{
		Envelope:        success(fmt.Sprintf("Acknowledged %d message(s), counting any already read or gone; %d remain unread.", marked, remaining)),
		MarkedCount:     marked,
		RemainingUnread: remaining,
	}, nil
}

// ThreadEntry is one message in a thread result, with the root tagged.
type ThreadEntry struct {
	*message.Message
	IsRoot bool `json:"is_root,omitempty"`
}

// GetThreadResult carries a reconstructed conversation thread.
type GetThreadResult struct {
	Envelope
	RootID       string        `json:"root_id,omitempty"`
	Messages     []ThreadEntry `json:"messages,omitempty"`
	Participants []string      `json:"participants,omitempty"`
	ReplyCount   int           `json:"reply_count"`
	LastActivity time.Time     `json:"last_activity"`
}

// GetThread reconstructs the thread rooted at the given message, tagging
// the root element.
func (m *Mesh) GetThread(ctx context.Context, sessionID, rootID string) (*GetThreadResult, error) {
	sess, env, err := m.resolveActing(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if env != nil {
		return &GetThreadResult{Envelope: *env}, nil
	}
	m.heartbeat(ctx, sess.ID)

	if rootID == "" {
		return &GetThreadResult{Envelope: failure("root_message_id is required.")}, nil
	}

	thread, err := m.store.GetThread(ctx, rootID)
	if errors.Is(err, message.ErrNotFound) {
		return &GetThreadResult{Envelope: failure(fmt.Sprintf("No message with id %q exists, so there is no such thread.", rootID))}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconstructing thread: %w", err)
	}

	entries := make([]ThreadEntry, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		entries = append(entries, ThreadEntry{Message: msg, IsRoot: msg.ID == rootID})
	}

	return &GetThreadResult{
		Envelope:     success(fmt.Sprintf("Thread %s has %d repl(ies) from %d participant(s).", rootID, thread.ReplyCount, len(thread.Participants))),
		RootID:       thread.RootID,
		Messages:     entries,
		Participants: thread.Participants,
		ReplyCount:   thread.ReplyCount,
		LastActivity: thread.LastActivity,
	}, nil
}

// DeleteMessageResult reports the outcome of a delete.
type DeleteMessageResult struct {
	Envelope
	MessageID string `json:"message_id"`
}

// DeleteMessage removes a message when the acting session is its sender
// or recipient. Unauthorized attempts fail without touching the message.
func (m *Mesh) DeleteMessage(ctx context.Context, sessionID, messageID string) (*DeleteMessageResult, error) {
	sess, env, err := m.resolveActing(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if env != nil {
		return &DeleteMessageResult{Envelope: *env}, nil
	}
	m.heartbeat(ctx, sess.ID)

	if messageID == "" {
		return &DeleteMessageResult{Envelope: failure("message_id is required.")}, nil
	}

	err = m.store.Delete(ctx, messageID, sess.ID)
	if errors.Is(err, message.ErrUnauthorized) {
		return &DeleteMessageResult{
			Envelope:  failure("Only the sender or recipient of a message may delete it."),
			MessageID: messageID,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deleting message: %w", err)
	}

	return &DeleteMessageResult{
		Envelope:  success(fmt.Sprintf("Message %s deleted (or was already gone).", messageID)),
		MessageID: messageID,
	}, nil
}
