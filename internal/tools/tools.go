// Package tools exposes the CRM operations as MCP tools over streamable
// HTTP. The MCP server itself performs no authentication; it is mounted
// behind the OAuth bearer gate.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/modelbridge/crm-mcp/internal/crm"
)

// CRM is the backend surface the tools call. *crm.Client satisfies it; tests
// substitute a fake.
type CRM interface {
	SearchContacts(ctx context.Context, query string, limit int) ([]crm.Contact, error)
	GetContact(ctx context.Context, id string) (*crm.Contact, error)
	CreateNote(ctx context.Context, contactID, body string) (*crm.Note, error)
	ListDeals(ctx context.Context, stage string, limit int) ([]crm.Deal, error)
	UpdateDeal(ctx context.Context, id string, update crm.DealUpdate) (*crm.Deal, error)
}

// Server wraps an MCP server publishing the CRM tools.
type Server struct {
	backend   CRM
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates the MCP tool server backed by the given CRM client.
func NewServer(backend CRM, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		backend: backend,
		logger:  logger,
		mcpServer: server.NewMCPServer(
			"crm-mcp",
			version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithPromptCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler for the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("search_contacts",
		mcp.WithDescription("Search CRM contacts by name, email, or company."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free-text search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
	), s.handleSearchContacts)

	s.mcpServer.AddTool(mcp.NewTool("get_contact",
		mcp.WithDescription("Fetch a single CRM contact by its ID."),
		mcp.WithString("contact_id", mcp.Required(), mcp.Description("Contact ID")),
	), s.handleGetContact)

	s.mcpServer.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Attach a note to a CRM contact."),
		mcp.WithString("contact_id", mcp.Required(), mcp.Description("Contact ID")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Note text")),
	), s.handleCreateNote)

	s.mcpServer.AddTool(mcp.NewTool("list_deals",
		mcp.WithDescription("List CRM deals, optionally filtered by pipeline stage."),
		mcp.WithString("stage", mcp.Description("Pipeline stage filter (e.g. negotiation, closed_won)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
	), s.handleListDeals)

	s.mcpServer.AddTool(mcp.NewTool("update_deal",
		mcp.WithDescription("Update the stage, amount, or name of a CRM deal."),
		mcp.WithString("deal_id", mcp.Required(), mcp.Description("Deal ID")),
		mcp.WithString("stage", mcp.Description("New pipeline stage")),
		mcp.WithNumber("amount", mcp.Description("New deal amount")),
		mcp.WithString("name", mcp.Description("New deal name")),
	), s.handleUpdateDeal)
}

func (s *Server) handleSearchContacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	contacts, err := s.backend.SearchContacts(ctx, query, intArgument(request, "limit", 10))
	if err != nil {
		return s.backendError("search_contacts", err), nil
	}
	return jsonResult(map[string]any{"contacts": contacts})
}

func (s *Server) handleGetContact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("contact_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	contact, err := s.backend.GetContact(ctx, id)
	if err != nil {
		return s.backendError("get_contact", err), nil
	}
	return jsonResult(contact)
}

func (s *Server) handleCreateNote(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contactID, err := request.RequireString("contact_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body, err := request.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	note, err := s.backend.CreateNote(ctx, contactID, body)
	if err != nil {
		return s.backendError("create_note", err), nil
	}
	return jsonResult(note)
}

func (s *Server) handleListDeals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stage := stringArgument(request, "stage")

	deals, err := s.backend.ListDeals(ctx, stage, intArgument(request, "limit", 10))
	if err != nil {
		return s.backendError("list_deals", err), nil
	}
	return jsonResult(map[string]any{"deals": deals})
}

func (s *Server) handleUpdateDeal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID, err := request.RequireString("deal_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var update crm.DealUpdate
	args := request.GetArguments()
	if v, ok := args["stage"].(string); ok && v != "" {
		update.Stage = &v
	}
	if v, ok := args["amount"].(float64); ok {
		update.Amount = &v
	}
	if v, ok := args["name"].(string); ok && v != "" {
		update.Name = &v
	}
	if update.Stage == nil && update.Amount == nil && update.Name == nil {
		return mcp.NewToolResultError("at least one of stage, amount, or name must be provided"), nil
	}

	deal, err := s.backend.UpdateDeal(ctx, dealID, update)
	if err != nil {
		return s.backendError("update_deal", err), nil
	}
	return jsonResult(deal)
}

// backendError converts a CRM failure into a tool error result. Upstream
// status and code are preserved; the operator API key never appears in any
// error path.
func (s *Server) backendError(tool string, err error) *mcp.CallToolResult {
	s.logger.Warn("tool call failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to encode result"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArgument(request mcp.CallToolRequest, key string) string {
	if v, ok := request.GetArguments()[key].(string); ok {
		return v
	}
	return ""
}

func intArgument(request mcp.CallToolRequest, key string, def int) int {
	if v, ok := request.GetArguments()[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}
