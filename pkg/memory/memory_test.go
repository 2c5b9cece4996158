package memory

import (
	"context"
	"testing"
)

func TestNoop(t *testing.T) {
	n := NewNoop()

	items, err := n.Search(context.Background(), "anything", 5, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %v, want empty", items)
	}

	id, err := n.Store(context.Background(), "text", nil, nil)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}
}

func TestNormalizeTS(t *testing.T) {
	ts := normalizeTS(map[string]any{"ingested_at": float64(1756202400000)})
	if ts != "2025-08-26T10:00:00Z" {
		t.Errorf("ts = %q", ts)
	}

	if got := normalizeTS(map[string]any{}); got != "" {
		t.Errorf("missing ingested_at: ts = %q", got)
	}
	if got := normalizeTS(map[string]any{"ingested_at": "soon"}); got != "" {
		t.Errorf("non-numeric ingested_at: ts = %q", got)
	}
	if got := normalizeTS(map[string]any{"ingested_at": float64(0)}); got != "" {
		t.Errorf("zero ingested_at: ts = %q", got)
	}
}

func TestParseSearchResults_Array(t *testing.T) {
	text := `[{"id":"1","text":"went hiking","score":0.9,"metadata":{"ingested_at":1756200000000}}]`
	items := parseSearchResults(text)
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
	if items[0].ID != "1" || items[0].Text != "went hiking" || items[0].Score != 0.9 {
		t.Errorf("item = %+v", items[0])
	}
	if items[0].TS == "" {
		t.Error("ts not normalised from metadata")
	}
}

func TestParseSearchResults_ResultsObject(t *testing.T) {
	text := `{"results":[{"id":"a","memory":"likes tea","score":0.5}]}`
	items := parseSearchResults(text)
	if len(items) != 1 || items[0].Text != "likes tea" {
		t.Errorf("items = %+v", items)
	}
}

func TestParseSearchResults_Garbage(t *testing.T) {
	if items := parseSearchResults("no results found"); len(items) != 0 {
		t.Errorf("items = %v, want none", items)
	}
}

func TestParseStoreID(t *testing.T) {
	if got := parseStoreID(`{"id":"mem-42"}`); got != "mem-42" {
		t.Errorf("id = %q", got)
	}
	if got := parseStoreID("mem-plain"); got != "mem-plain" {
		t.Errorf("id = %q", got)
	}
}
