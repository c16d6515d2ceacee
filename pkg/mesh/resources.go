package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/symagenic/mcp-agent-mesh/pkg/message"
)

// Resource template URI patterns.
const (
	threadTemplateURI  = "mesh://thread/{root_id}"
	sessionTemplateURI = "mesh://session/{session_id}"
)

// RegisterResources registers the mesh MCP resource templates: read-only
// views of threads and session records.
func (m *Mesh) RegisterResources(s *mcp.Server) {
	s.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: threadTemplateURI,
		Name:        "Conversation Thread",
		Description: "A message thread: the root message plus all replies, participants, and last activity",
		MIMEType:    "application/json",
	}, m.handleThreadResource)

	s.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: sessionTemplateURI,
		Name:        "Mesh Session",
		Description: "A mesh session record: participant name, subscriptions, and heartbeat timestamps",
		MIMEType:    "application/json",
	}, m.handleSessionResource)
}

// parseTemplateVars extracts named variables from a URI using a URI
// template. Returns an error if the URI doesn't match the template.
func parseTemplateVars(templateStr, uri string) (map[string]string, error) {
	tmpl, err := uritemplate.New(templateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template %q: %w", templateStr, err)
	}

	match := tmpl.Match(uri)
	if match == nil {
		return nil, fmt.Errorf("uri %q does not match template %q", uri, templateStr)
	}

	result := make(map[string]string)
	for _, name := range tmpl.Varnames() {
		result[name] = match.Get(name).String()
	}
	return result, nil
}

// handleThreadResource handles mesh://thread/{root_id} requests.
func (m *Mesh) handleThreadResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	vars, err := parseTemplateVars(threadTemplateURI, uri)
	if err != nil || vars["root_id"] == "" {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	thread, err := m.store.GetThread(ctx, vars["root_id"])
	if errors.Is(err, message.ErrNotFound) {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}
	if err != nil {
		return nil, fmt.Errorf("reconstructing thread: %w", err)
	}

	return jsonResource(uri, thread)
}

// handleSessionResource handles mesh://session/{session_id} requests.
func (m *Mesh) handleSessionResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	vars, err := parseTemplateVars(sessionTemplateURI, uri)
	if err != nil || vars["session_id"] == "" {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	sess, err := m.registry.Get(ctx, vars["session_id"])
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if sess == nil {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	return jsonResource(uri, PeerStatus{
		SessionID:       sess.ID,
		ParticipantName: sess.ParticipantName,
		LastHeartbeat:   sess.LastHeartbeat,
		LiveConnection:  m.hub.Connected(sess.ID),
	})
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling resource: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: "application/json", Text: string(data)},
		},
	}, nil
}
