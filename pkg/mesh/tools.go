package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCP tool names for the seven mesh operations.
const (
	toolSubscribe     = "mesh_subscribe"
	toolBroadcast     = "mesh_broadcast"
	toolWhoIsOnline   = "mesh_who_is_online"
	toolGetMessages   = "mesh_get_messages"
	toolMarkRead      = "mesh_mark_read"
	toolGetThread     = "mesh_get_thread"
	toolDeleteMessage = "mesh_delete_message"
)

// subscribeInput defines the input schema for mesh_subscribe.
type subscribeInput struct {
	SessionID       string   `json:"session_id,omitempty"`
	ParticipantName string   `json:"participant_name,omitempty"`
	Subscriptions   []string `json:"subscriptions,omitempty"`
}

// broadcastInput defines the input schema for mesh_broadcast.
type broadcastInput struct {
	SessionID        string `json:"session_id,omitempty"`
	Content          string `json:"content"`
	MessageType      string `json:"message_type,omitempty"`
	Priority         string `json:"priority,omitempty"`
	ToSession        string `json:"to_session,omitempty"`
	ParentMessageID  string `json:"parent_message_id,omitempty"`
	RequiresResponse bool   `json:"requires_response,omitempty"`
	TTLSeconds       int    `json:"ttl_seconds,omitempty"`
}

// whoIsOnlineInput defines the input schema for mesh_who_is_online.
type whoIsOnlineInput struct {
	WithinSeconds int `json:"within_seconds,omitempty"`
}

// getMessagesInput defines the input schema for mesh_get_messages.
type getMessagesInput struct {
	SessionID   string `json:"session_id,omitempty"`
	FromSession string `json:"from_session,omitempty"`
	UnreadOnly  bool   `json:"unread_only,omitempty"`
	Since       string `json:"since,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// markReadInput defines the input schema for mesh_mark_read.
type markReadInput struct {
	SessionID  string   `json:"session_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	MarkAll    bool     `json:"mark_all,omitempty"`
}

// getThreadInput defines the input schema for mesh_get_thread.
type getThreadInput struct {
	SessionID     string `json:"session_id,omitempty"`
	RootMessageID string `json:"root_message_id"`
}

// deleteMessageInput defines the input schema for mesh_delete_message.
type deleteMessageInput struct {
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id"`
}

// RegisterTools registers the seven mesh operations with the MCP server.
func (m *Mesh) RegisterTools(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name: toolSubscribe,
		Description: "Join the agent mesh (or refresh an existing session). Returns the effective session_id " +
			"to use on subsequent calls and the list of currently online peers. Call this before any other mesh operation.",
	}, m.handleSubscribe)

	mcp.AddTool(s, &mcp.Tool{
		Name: toolBroadcast,
		Description: "Send a message to every mesh session (default) or a specific one via to_session. " +
			"Set parent_message_id to reply within a thread. The message is stored durably, then pushed to live connections.",
	}, m.handleBroadcast)

	mcp.AddTool(s, &mcp.Tool{
		Name: toolWhoIsOnline,
		Description: "List mesh sessions whose last heartbeat falls within the liveness window " +
			"(within_seconds overrides the default), including whether each has a live push connection.",
	}, m.handleWhoIsOnline)

	mcp.AddTool(s, &mcp.Tool{
		Name: toolGetMessages,
		Description: "Fetch messages addressed to this session, directly or via broadcast, oldest first. " +
			"Supports unread_only, a since timestamp (RFC 3339), a sender filter, and a limit. Includes the unread count.",
	}, m.handleGetMessages)

	mcp.AddTool(s, &mcp.Tool{
		Name: toolMarkRead,
		Description: "Acknowledge messages by id, or every unread message with mark_all. " +
			"Returns how many were marked and how many remain unread.",
	}, m.handleMarkRead)

	mcp.AddTool(s, &mcp.Tool{
		Name: toolGetThread,
		Description: "Reconstruct the conversation thread rooted at root_message_id: the root plus every reply " +
			"whose parent chain reaches it, in conversational order, with participants and last activity.",
	}, m.handleGetThread)

	mcp.AddTool(s, &mcp.Tool{
		Name: toolDeleteMessage,
		Description: "Delete a message. Only the sender or the recipient of the message may delete it; " +
			"deleting an already-deleted message succeeds.",
	}, m.handleDeleteMessage)
}

func (m *Mesh) handleSubscribe(ctx context.Context, _ *mcp.CallToolRequest, input subscribeInput) (*mcp.CallToolResult, any, error) {
	result, err := m.Subscribe(ctx, SubscribeParams{
		SessionID:       input.SessionID,
		ParticipantName: input.ParticipantName,
		Subscriptions:   input.Subscriptions,
	})
	if err != nil {
		return errorResult("mesh store unavailable: " + err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(result)
}

func (m *Mesh) handleBroadcast(ctx context.Context, _ *mcp.CallToolRequest, input broadcastInput) (*mcp.CallToolResult, any, error) {
	result, err := m.Broadcast(ctx, BroadcastParams{
		SessionID:        input.SessionID,
		Content:          input.Content,
		MessageType:      input.MessageType,
		Priority:         input.Priority,
		ToSession:        input.ToSession,
		ParentID:         input.ParentMessageID,
		RequiresResponse: input.RequiresResponse,
		TTLSeconds:       input.TTLSeconds,
	})
	if err != nil {
		return errorResult("mesh store unavailable: " + err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(result)
}

func (m *Mesh) handleWhoIsOnline(ctx context.Context, _ *mcp.CallToolRequest, input whoIsOnlineInput) (*mcp.CallToolResult, any, error) {
	result, err := m.WhoIsOnline(ctx, input.WithinSeconds)
	if err != nil {
		return errorResult("mesh store unavailable: " + err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(result)
}

func (m *Mesh) handleGetMessages(ctx context.Context, _ *mcp.CallToolRequest, input getMessagesInput) (*mcp.CallToolResult, any, error) {
	var since time.Time
	if input.Since != "" {
		parsed, err := time.Parse(time.RFC3339, input.Since)
		if err != nil {
			result := &GetMessagesResult{Envelope: failure(fmt.Sprintf("Invalid since timestamp %q: use RFC 3339, e.g. 2026-01-02T15:04:05Z.", input.Since))}
			return jsonResult(result)
		}
		since = parsed
	}

	result, err := m.GetMessages(ctx, GetMessagesParams{
		SessionID:   input.SessionID,
		FromSession: input.FromSession,
		UnreadOnly:  input.UnreadOnly,
		Since:       since,
		Limit:       input.Limit,
	})
	if err != nil {
		return errorResult("mesh store unavailable: " + err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(result)
}

func (m *Mesh) handleMarkRead(ctx context.Context, _ *mcp.CallToolRequest, input markReadInput) (*mcp.CallToolResult, any, error) {
	result, err := m.MarkRead(ctx, MarkReadParams{
		SessionID:  input.SessionID,
		MessageIDs: input.MessageIDs,
		MarkAll:    input.MarkAll,
	})
	if err != nil {
		return errorResult("mesh store unavailable: " + err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(result)
}

func (m *Mesh) handleGetThread(ctx context.Context, _ *mcp.CallToolRequest, input getThreadInput) (*mcp.CallToolResult, any, error) {
	result, err := m.GetThread(ctx, input.SessionID, input.RootMessageID)
	if err != nil {
		return errorResult("mesh store unavailable: " + err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(result)
}

func (m *Mesh) handleDeleteMessage(ctx context.Context, _ *mcp.CallToolRequest, input deleteMessageInput) (*mcp.CallToolResult, any, error) {
	result, err := m.DeleteMessage(ctx, input.SessionID, input.MessageID)
	if err != nil {
		return errorResult("mesh store unavailable: " + err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(result)
}

// errorResult creates an error CallToolResult for infrastructure faults.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(`{"error": %q}`, msg)},
		},
		IsError: true,
	}
}

// jsonResult serializes an operation result into a text content block.
// Expected failures (success:false envelopes) still travel this path; the
// envelope, not IsError, carries the outcome.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("internal error marshaling response"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}
