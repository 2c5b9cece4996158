package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCP tool names exposed by the memory server.
const (
	mcpSearchTool = "search_memory"
	mcpStoreTool  = "add_memories"
)

// MCPClient speaks MCP over streamable HTTP to a remote memory server.
type MCPClient struct {
	client    *client.Client
	namespace string
	logger    *slog.Logger
}

// NewMCPClient connects and initialises the MCP session.
func NewMCPClient(ctx context.Context, endpoint, namespace string, logger *slog.Logger) (*MCPClient, error) {
	c, err := client.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("memory: mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("memory: mcp start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "thalamus",
		Version: "0.1.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("memory: mcp initialize: %w", err)
	}

	logger.Info("connected to memory server", "endpoint", endpoint, "namespace", namespace)
	return &MCPClient{client: c, namespace: namespace, logger: logger}, nil
}

func (m *MCPClient) Close() error {
	return m.client.Close()
}

// Search queries the remote store. The namespace travels as an explicit
// argument; it is never inferred server-side from credentials.
func (m *MCPClient) Search(ctx context.Context, query string, k int, filters map[string]any) ([]Item, error) {
	if k <= 0 {
		k = 5
	}
	args := map[string]any{
		"query":   query,
		"limit":   k,
		"user_id": m.namespace,
	}
	for key, v := range filters {
		args[key] = v
	}

	text, err := m.callTool(ctx, mcpSearchTool, args)
	if err != nil {
		return nil, err
	}
	return parseSearchResults(text), nil
}

// Store writes one memory and returns the server-assigned id.
func (m *MCPClient) Store(ctx context.Context, text string, tags []string, meta map[string]any) (string, error) {
	args := map[string]any{
		"text":    text,
		"user_id": m.namespace,
	}
	if len(tags) > 0 {
		args["tags"] = tags
	}
	if len(meta) > 0 {
		args["metadata"] = meta
	}

	out, err := m.callTool(ctx, mcpStoreTool, args)
	if err != nil {
		return "", err
	}
	return parseStoreID(out), nil
}

func (m *MCPClient) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := m.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("memory: %s: %w", name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		return "", fmt.Errorf("memory: %s: %s", name, joined)
	}
	return joined, nil
}

// parseSearchResults tolerates the shapes memory servers answer with:
// a bare JSON array of items, or an object with a "results" array. Items
// may name their text "text" or "memory". Anything unparseable yields no
// items rather than an error.
func parseSearchResults(text string) []Item {
	var rawItems []map[string]any

	var asArray []map[string]any
	if err := json.Unmarshal([]byte(text), &asArray); err == nil {
		rawItems = asArray
	} else {
		var asObject struct {
			Results []map[string]any `json:"results"`
		}
		if err := json.Unmarshal([]byte(text), &asObject); err == nil {
			rawItems = asObject.Results
		}
	}

	items := make([]Item, 0, len(rawItems))
	for _, raw := range rawItems {
		item := Item{}
		if id, ok := raw["id"].(string); ok {
			item.ID = id
		}
		if t, ok := raw["text"].(string); ok {
			item.Text = t
		} else if t, ok := raw["memory"].(string); ok {
			item.Text = t
		}
		if score, ok := raw["score"].(float64); ok {
			item.Score = score
		}
		if meta, ok := raw["metadata"].(map[string]any); ok {
			item.Meta = meta
			item.TS = normalizeTS(meta)
		}
		if item.Text == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

func parseStoreID(text string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return strings.TrimSpace(text)
}

var _ Client = (*MCPClient)(nil)
