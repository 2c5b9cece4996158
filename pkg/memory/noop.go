package memory

import "context"

// Noop is the backend used when no memory store is configured. Queries
// return no items and stores report an empty id, so the memory tools stay
// callable without a store behind them.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Search(ctx context.Context, query string, k int, filters map[string]any) ([]Item, error) {
	return []Item{}, nil
}

func (n *Noop) Store(ctx context.Context, text string, tags []string, meta map[string]any) (string, error) {
	return "", nil
}

var _ Client = (*Noop)(nil)
