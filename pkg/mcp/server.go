package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/roadnet/pkg/client"
	"github.com/rmax-ai/roadnet/pkg/graph"
)

// Server adapts roadnet-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"roadnet",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"roadnet://status",
		"Pipeline Status",
		mcp.WithResourceDescription("Cycle counter, node and edge counts, active builders and unloaded partitions"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadStatus)

	s.mcpServer.AddResource(mcp.NewResource(
		"roadnet://graph",
		"Road Graph",
		mcp.WithResourceDescription("All nodes and edges of the world, including computed paths"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadGraph)

	s.mcpServer.AddResource(mcp.NewResource(
		"roadnet://segments",
		"Segment Table",
		mcp.WithResourceDescription("Placed path runs grouped by partition"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadSegments)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"edge_status",
		mcp.WithDescription("Look up the build status of the road between two nodes."),
		mcp.WithString("a", mcp.Required(), mcp.Description("First node id")),
		mcp.WithString("b", mcp.Required(), mcp.Description("Second node id")),
	), s.handleEdgeStatus)

	s.mcpServer.AddTool(mcp.NewTool(
		"list_edges",
		mcp.WithDescription("List edges, optionally filtered by status (planned, building, built, failed)."),
		mcp.WithString("status", mcp.Description("Edge status filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of edges (default 50)")),
	), s.handleListEdges)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"roadnet-aware",
		mcp.WithPromptDescription("Provides context about roadnet concepts (Nodes, Edges, Partitions, Segments)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadStatus(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	status, err := s.apiClient.GetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	return jsonContents(request.Params.URI, status)
}

func (s *Server) handleReadGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	g, err := s.apiClient.GetGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch graph: %w", err)
	}
	return jsonContents(request.Params.URI, g)
}

func (s *Server) handleReadSegments(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	t, err := s.apiClient.GetSegments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segments: %w", err)
	}
	return jsonContents(request.Params.URI, t)
}

func (s *Server) handleEdgeStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := strings.TrimSpace(mcp.ParseString(request, "a", ""))
	b := strings.TrimSpace(mcp.ParseString(request, "b", ""))
	if a == "" || b == "" || a == b {
		return mcp.NewToolResultError("two distinct node ids are required"), nil
	}

	key := graph.MakeKey(a, b)
	e, err := s.apiClient.GetEdge(ctx, key)
	if errors.Is(err, client.ErrNotFound) {
		return mcp.NewToolResultText(fmt.Sprintf("No edge between %s and %s.", key.Lo, key.Hi)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Edge: %s\nStatus: %s\n", e.Key, e.Status)
	if len(e.Path) > 0 {
		fmt.Fprintf(&sb, "Path length: %d\n", len(e.Path))
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&sb, "Failed attempts: %d\n", e.Attempts)
	}
	if e.Status == graph.StatusFailed && e.RetryAfterCycle > 0 {
		fmt.Fprintf(&sb, "Retry after cycle: %d\n", e.RetryAfterCycle)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleListEdges(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := graph.EdgeStatus(mcp.ParseString(request, "status", ""))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
	}
	limit := mcp.ParseInt(request, "limit", 50)

	edges, err := s.apiClient.GetEdges(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if len(edges) == 0 {
		return mcp.NewToolResultText("No edges."), nil
	}

	var sb strings.Builder
	for _, e := range edges {
		fmt.Fprintf(&sb, "%s\t%s\n", e.Key, e.Status)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "roadnet-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are looking at roadnet, a road network that is built incrementally across a lazily loaded world.

Concepts:
- Node: a discovered point of interest (e.g., a village). Nodes never move.
- Edge: a road between two nodes, keyed "lo|hi". Status is planned, building, built or failed.
- Partition: a square tile of the world (16 blocks by default), addressed "x,z".
- Segment: the part of a road placed inside one partition. Segments make building resumable.

Failed edges are retried with backoff. Builders pause while their partition is unloaded.
Use the 'edge_status' tool to inspect one road and read roadnet://status for overall progress.
`

	return mcp.NewGetPromptResult(
		"roadnet-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
