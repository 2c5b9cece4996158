package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

// LocalStore is an embedded vector store backed by chromem-go with
// embeddings computed by the Ollama endpoint. One collection per user
// namespace.
type LocalStore struct {
	mu        sync.Mutex
	db        *chromem.DB
	col       *chromem.Collection
	namespace string
}

// NewLocalStore opens (or creates) the persistent store at path.
func NewLocalStore(path, namespace, providerEndpoint, embedModel string) (*LocalStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("memory: open local store: %w", err)
	}
	embed := chromem.NewEmbeddingFuncOllama(embedModel, strings.TrimRight(providerEndpoint, "/")+"/api")
	col, err := db.GetOrCreateCollection("memories-"+namespace, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: collection: %w", err)
	}
	return &LocalStore{db: db, col: col, namespace: namespace}, nil
}

func (s *LocalStore) Search(ctx context.Context, query string, k int, filters map[string]any) ([]Item, error) {
	if k <= 0 {
		k = 5
	}

	s.mu.Lock()
	count := s.col.Count()
	s.mu.Unlock()
	if count == 0 {
		return []Item{}, nil
	}
	if k > count {
		k = count
	}

	where := map[string]string{}
	for key, v := range filters {
		if sv, ok := v.(string); ok {
			where[key] = sv
		}
	}
	if len(where) == 0 {
		where = nil
	}

	results, err := s.col.Query(ctx, query, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}

	items := make([]Item, 0, len(results))
	for _, r := range results {
		meta := make(map[string]any, len(r.Metadata))
		for mk, mv := range r.Metadata {
			meta[mk] = mv
		}
		item := Item{
			ID:    r.ID,
			Text:  r.Content,
			Score: float64(r.Similarity),
			Meta:  meta,
			TS:    r.Metadata["ts"],
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *LocalStore) Store(ctx context.Context, text string, tags []string, meta map[string]any) (string, error) {
	id := uuid.NewString()

	metadata := map[string]string{
		"ts":        time.Now().UTC().Format(time.RFC3339),
		"namespace": s.namespace,
	}
	if len(tags) > 0 {
		metadata["tags"] = strings.Join(tags, ",")
	}
	for k, v := range meta {
		if sv, ok := v.(string); ok {
			metadata[k] = sv
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.col.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  text,
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("memory: store: %w", err)
	}
	return id, nil
}

var _ Client = (*LocalStore)(nil)
