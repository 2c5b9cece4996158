// Package memory abstracts the long-term memory store behind a small
// client interface with three backends: a remote MCP server, a local
// embedded vector store, and a no-op fallback when no store is
// configured.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/thalamus/pkg/config"
)

// Item is one memory hit.
type Item struct {
	ID    string         `json:"id"`
	Text  string         `json:"text"`
	Score float64        `json:"score"`
	TS    string         `json:"ts,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Client is the store contract. The user namespace is fixed at
// construction from configuration; it never travels with per-call
// credentials.
type Client interface {
	Search(ctx context.Context, query string, k int, filters map[string]any) ([]Item, error)
	Store(ctx context.Context, text string, tags []string, meta map[string]any) (string, error)
}

// New selects a backend from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Client, error) {
	switch cfg.Memory.Store {
	case config.MemoryStoreMCP:
		return NewMCPClient(ctx, cfg.Memory.Endpoint, cfg.UserNamespace, logger)
	case config.MemoryStoreLocal:
		return NewLocalStore(cfg.Memory.LocalPath, cfg.UserNamespace, cfg.ProviderEndpoint, cfg.Memory.EmbedModel)
	case config.MemoryStoreNone:
		return NewNoop(), nil
	default:
		return nil, fmt.Errorf("memory: unknown store %q", cfg.Memory.Store)
	}
}

// normalizeTS lifts an epoch-millisecond ingestion time out of item
// metadata into an ISO-8601 ts field. Stores report `ingested_at` as a
// number; consumers want a readable timestamp.
func normalizeTS(meta map[string]any) string {
	raw, ok := meta["ingested_at"]
	if !ok {
		return ""
	}
	var ms int64
	switch v := raw.(type) {
	case float64:
		ms = int64(v)
	case int64:
		ms = v
	case int:
		ms = int64(v)
	default:
		return ""
	}
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
