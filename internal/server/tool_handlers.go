package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/grovehq/grove-gateway/internal/log"
	"github.com/grovehq/grove-gateway/internal/oauth"
	"github.com/grovehq/grove-gateway/internal/services"
	"github.com/grovehq/grove-gateway/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ToolRouter exposes the downstream Grove services as MCP tools. A handful of
// tools forward to the REST clients; the rest are placeholders that return
// fixed text until their services ship.
type ToolRouter struct {
	mcpServer *server.MCPServer
	registry  *services.Registry
	storage   storage.Storage
}

// NewToolRouter creates the MCP tool router.
func NewToolRouter(registry *services.Registry, store storage.Storage, version string) *ToolRouter {
	mcpServer := server.NewMCPServer(
		"grove-gateway",
		version,
		server.WithToolCapabilities(false),
	)

	tr := &ToolRouter{
		mcpServer: mcpServer,
		registry:  registry,
		storage:   store,
	}
	tr.registerTools()
	return tr
}

// Handler returns the streamable HTTP handler for the MCP endpoint. It must
// be mounted behind the bearer middleware so tool handlers see the caller.
func (tr *ToolRouter) Handler() http.Handler {
	return server.NewStreamableHTTPServer(tr.mcpServer)
}

func (tr *ToolRouter) registerTools() {
	tr.mcpServer.AddTool(mcp.NewTool("lattice_list_posts",
		mcp.WithDescription("List blog posts on Lattice"),
	), tr.handleLatticeListPosts)

	tr.mcpServer.AddTool(mcp.NewTool("lattice_create_post",
		mcp.WithDescription("Create a draft blog post on Lattice"),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Post title"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Post body in Markdown"),
		),
	), tr.handleLatticeCreatePost)

	tr.mcpServer.AddTool(mcp.NewTool("amber_list_objects",
		mcp.WithDescription("List stored objects in Amber"),
		mcp.WithString("prefix",
			mcp.Description("Only list objects whose key starts with this prefix"),
		),
	), tr.handleAmberListObjects)

	tr.mcpServer.AddTool(mcp.NewTool("bloom_publish",
		mcp.WithDescription("Publish a status update to Bloom"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The update text"),
		),
	), tr.handleBloomPublish)

	tr.mcpServer.AddTool(mcp.NewTool("pulse_summary",
		mcp.WithDescription("Fetch the Pulse analytics summary"),
	), tr.handlePulseSummary)

	// Unimplemented services keep their tools visible so hosts can discover
	// the full surface; they return fixed text until the services ship.
	tr.registerStub("forage_find_deals", "Search Forage for deals",
		"Forage deal search is not available yet.")
	tr.registerStub("burrow_list_workspaces", "List Burrow remote workspaces",
		"Burrow workspace listing is not available yet.")
	tr.registerStub("burrow_start_workspace", "Start a Burrow remote workspace",
		"Burrow workspace provisioning is not available yet.")
}

func (tr *ToolRouter) registerStub(name, description, text string) {
	tr.mcpServer.AddTool(
		mcp.NewTool(name, mcp.WithDescription(description)),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(text), nil
		},
	)
}

// callerSession resolves the caller's stored session so tool calls can use
// the identity provider credentials cached there.
func (tr *ToolRouter) callerSession(ctx context.Context) (*storage.Session, error) {
	caller, ok := oauth.GetCallerFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no authenticated caller")
	}
	if caller.SessionID == "" {
		return nil, fmt.Errorf("caller has no session")
	}

	session, err := tr.storage.GetSession(ctx, caller.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	return session, nil
}

func toolResultJSON(v any) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

func (tr *ToolRouter) handleLatticeListPosts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := tr.callerSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	posts, err := tr.registry.Lattice.ListPosts(ctx, session.AccessToken)
	if err != nil {
		log.LogError("lattice_list_posts failed: %v", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(posts)
}

func (tr *ToolRouter) handleLatticeCreatePost(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := tr.callerSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	post, err := tr.registry.Lattice.CreatePost(ctx, session.AccessToken, title, content)
	if err != nil {
		log.LogError("lattice_create_post failed: %v", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(post)
}

func (tr *ToolRouter) handleAmberListObjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := tr.callerSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	prefix := request.GetString("prefix", "")
	objects, err := tr.registry.Amber.ListObjects(ctx, session.AccessToken, prefix)
	if err != nil {
		log.LogError("amber_list_objects failed: %v", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(objects)
}

func (tr *ToolRouter) handleBloomPublish(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := tr.callerSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := tr.registry.Bloom.Publish(ctx, session.AccessToken, text); err != nil {
		log.LogError("bloom_publish failed: %v", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("published"), nil
}

func (tr *ToolRouter) handlePulseSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := tr.callerSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	summary, err := tr.registry.Pulse.Summary(ctx, session.AccessToken)
	if err != nil {
		log.LogError("pulse_summary failed: %v", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(summary)
}
