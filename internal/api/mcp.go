package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Conversations Conversations
	Sessions      *session.Manager
}

// NewMCPServer creates an MCP server exposing conversations as tools and
// resources.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"chatter",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatter: persistent chat conversations backed by OpenRouter models."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List stored conversations, most recently updated first."),
			mcp.WithString("backend", mcp.Description("Only list conversations in this backend (local or remote)")),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("read_conversation",
			mcp.WithDescription("Return every message of a conversation in order."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpReadConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send a message to a model and wait for the complete answer. Starts a new conversation unless conversation_id is given."),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Continue this conversation")),
			mcp.WithString("model", mcp.Description("OpenRouter model id; defaults to the configured model")),
			mcp.WithString("backend", mcp.Description("Backend for a new conversation (local or remote, default local)")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatter://conversations",
			"Conversations",
			mcp.WithResourceDescription("The 20 most recently updated conversations"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConversations(deps),
	)

	return s
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var backend chat.Backend
		if b := req.GetString("backend", ""); b != "" {
			parsed, err := chat.ParseBackend(b)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			backend = parsed
		}

		convs, err := deps.Conversations.ListConversations(ctx, backend)
		if err != nil {
			return mcpError(fmt.Sprintf("listing conversations failed: %v", err)), nil
		}
		out := make([]ConversationJSON, len(convs))
		for i, c := range convs {
			out[i] = toConversationJSON(c)
		}
		return mcpJSON(out)
	}
}

func mcpReadConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}

		msgs, err := deps.Conversations.ReadConversationMessages(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("reading conversation failed: %v", err)), nil
		}
		out := make([]MessageJSON, len(msgs))
		for i, m := range msgs {
			out[i] = toMessageJSON(m)
		}
		return mcpJSON(out)
	}
}

type askResult struct {
	ConversationID  string         `json:"conversation_id"`
	MessageID       string         `json:"message_id"`
	Status          session.Status `json:"status"`
	Content         string         `json:"content"`
	CreditsConsumed *int64         `json:"credits_consumed,omitempty"`
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		id := req.GetString("conversation_id", "")
		if id == "" {
			backend, err := chat.ParseBackend(req.GetString("backend", ""))
			if err != nil {
				return mcpError(err.Error()), nil
			}
			c, err := deps.Conversations.CreateConversation(ctx, backend, "")
			if err != nil {
				return mcpError(fmt.Sprintf("creating conversation failed: %v", err)), nil
			}
			id = c.ID
		} else if _, err := deps.Conversations.GetConversation(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("conversation %s: %v", id, err)), nil
		}

		s := deps.Sessions.Get(id)
		turn, err := s.SubmitRequest(ctx, session.Request{
			Text:  message,
			Model: req.GetString("model", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		snap, err := turn.Wait(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			_ = s.Cancel()
			return mcpError("ask canceled"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed after %q: %v", snap.Content, err)), nil
		}

		return mcpJSON(askResult{
			ConversationID:  id,
			MessageID:       turn.AssistantMessageID,
			Status:          snap.Status,
			Content:         snap.Content,
			CreditsConsumed: snap.CreditsConsumed,
		})
	}
}

func mcpResourceConversations(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		convs, err := deps.Conversations.ListConversations(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		if len(convs) > 20 {
			convs = convs[:20]
		}

		type conversationSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Backend   string `json:"backend"`
			UpdatedAt string `json:"updated_at"`
		}
		summaries := make([]conversationSummary, len(convs))
		for i, c := range convs {
			name := c.Name
			if utf8.RuneCountInString(name) > 80 {
				name = string([]rune(name)[:80]) + "..."
			}
			summaries[i] = conversationSummary{
				ID:        c.ID,
				Name:      name,
				Backend:   string(c.Backend),
				UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
