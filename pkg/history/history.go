// Package history maintains the append-only chat log: one JSON object per
// line, newline-terminated. The controller is the single appender; readers
// tail without locking because only complete fsynced lines count.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Chat roles.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// Turn is one line in the log.
type Turn struct {
	TS      string         `json:"ts"`
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Log is the append log over one JSONL file.
type Log struct {
	mu   sync.Mutex
	path string

	// maxLines caps the file by line count via copy-compact after append.
	// Zero disables the cap.
	maxLines int
}

// Open creates a log over path, creating parent directories as needed.
func Open(path string, maxLines int) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}
	return &Log{path: path, maxLines: maxLines}, nil
}

// Append writes one turn as a complete line and fsyncs. TS is stamped
// when absent.
func (l *Log) Append(turn Turn) error {
	if turn.TS == "" {
		turn.TS = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("history: open: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("history: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("history: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}

	if l.maxLines > 0 {
		return l.compactLocked()
	}
	return nil
}

// Tail returns the last n turns, oldest first. When roles is non-empty
// only matching roles count toward n. Unparseable lines and a partial
// trailing line (no newline) are skipped.
func (l *Log) Tail(n int, roles ...string) ([]Turn, error) {
	if n <= 0 {
		return []Turn{}, nil
	}

	lines, err := readCompleteLines(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Turn{}, nil
		}
		return nil, err
	}

	roleSet := map[string]bool{}
	for _, r := range roles {
		roleSet[r] = true
	}

	var turns []Turn
	for _, line := range lines {
		var t Turn
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			continue
		}
		if len(roleSet) > 0 && !roleSet[t.Role] {
			continue
		}
		turns = append(turns, t)
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Compact trims the file to the newest maxLines lines by writing a new
// file and renaming it over the old one. A no-op when under the cap or
// when no cap is configured.
func (l *Log) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compactLocked()
}

func (l *Log) compactLocked() error {
	if l.maxLines <= 0 {
		return nil
	}
	lines, err := readCompleteLines(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(lines) <= l.maxLines {
		return nil
	}
	keep := lines[len(lines)-l.maxLines:]

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("history: temp file: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, line := range keep {
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("history: compact write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("history: compact flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("history: compact sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history: compact close: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history: compact rename: %w", err)
	}
	return nil
}

// readCompleteLines returns every newline-terminated line. A trailing
// fragment without \n is an in-progress append and is ignored.
func readCompleteLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := string(data)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	} else {
		return nil, nil
	}
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}
