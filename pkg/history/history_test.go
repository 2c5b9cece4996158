package history

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T, maxLines int) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat_history.jsonl")
	l, err := Open(path, maxLines)
	if err != nil {
		t.Fatal(err)
	}
	return l, path
}

func TestAppendAndTail(t *testing.T) {
	l, _ := openTestLog(t, 0)

	if err := l.Append(Turn{Role: RoleHuman, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Turn{Role: RoleAssistant, Content: "hi there"}); err != nil {
		t.Fatal(err)
	}

	turns, err := l.Tail(10)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Content != "hello" || turns[1].Content != "hi there" {
		t.Errorf("turns = %+v", turns)
	}
	if turns[0].TS == "" {
		t.Error("TS not stamped")
	}
}

func TestTail_LimitAndRoles(t *testing.T) {
	l, _ := openTestLog(t, 0)
	for i := 0; i < 5; i++ {
		l.Append(Turn{Role: RoleHuman, Content: "h"})
		l.Append(Turn{Role: RoleAssistant, Content: "a"})
	}

	turns, err := l.Tail(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Errorf("got %d turns, want 3", len(turns))
	}

	humans, err := l.Tail(10, RoleHuman)
	if err != nil {
		t.Fatal(err)
	}
	if len(humans) != 5 {
		t.Errorf("got %d human turns, want 5", len(humans))
	}
	for _, turn := range humans {
		if turn.Role != RoleHuman {
			t.Errorf("role = %q", turn.Role)
		}
	}
}

func TestTail_MissingFile(t *testing.T) {
	l, _ := openTestLog(t, 0)
	turns, err := l.Tail(5)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("got %d turns, want 0", len(turns))
	}
}

func TestTail_IgnoresPartialTrailingLine(t *testing.T) {
	l, path := openTestLog(t, 0)
	l.Append(Turn{Role: RoleHuman, Content: "complete"})

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"ts":"2026-01-01T00:00:00Z","role":"human","content":"torn wri`)
	f.Close()

	turns, err := l.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "complete" {
		t.Errorf("turns = %+v, want only the complete line", turns)
	}
}

func TestTail_SkipsGarbageLines(t *testing.T) {
	l, path := openTestLog(t, 0)
	l.Append(Turn{Role: RoleHuman, Content: "good"})

	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString("not json at all\n")
	f.Close()
	l.Append(Turn{Role: RoleAssistant, Content: "also good"})

	turns, err := l.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Errorf("got %d turns, want 2", len(turns))
	}
}

func TestCompact(t *testing.T) {
	l, _ := openTestLog(t, 3)
	for i := 0; i < 10; i++ {
		if err := l.Append(Turn{Role: RoleHuman, Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := l.Tail(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Errorf("got %d turns after compact, want 3", len(turns))
	}
}
