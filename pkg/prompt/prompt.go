// Package prompt loads stage prompt templates from disk and fills their
// <<TOKEN>> placeholders. Templates are plain text files named after the
// stage that uses them (router.txt, answer.txt, ...).
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// tokenPattern matches a placeholder like <<WORLD_STATE>>. Token names are
// upper-case with digits and underscores, which keeps them visually distinct
// from prose and from JSON examples embedded in prompts.
var tokenPattern = regexp.MustCompile(`<<([A-Z0-9_]+)>>`)

// UnresolvedTokensError is returned when a rendered prompt still contains
// placeholders. An unresolved token means a stage would see a literal
// <<NAME>> marker instead of its data, so rendering fails loudly.
type UnresolvedTokensError struct {
	Prompt string
	Tokens []string
}

func (e *UnresolvedTokensError) Error() string {
	return fmt.Sprintf("prompt %s: unresolved tokens: %s", e.Prompt, strings.Join(e.Tokens, ", "))
}

// Renderer loads and renders prompt templates from a directory.
type Renderer struct {
	dir   string
	cache bool

	mu    sync.RWMutex
	texts map[string]string
}

// NewRenderer creates a renderer over dir. With cache enabled a template is
// read once and served from memory until invalidated.
func NewRenderer(dir string, cache bool) *Renderer {
	return &Renderer{
		dir:   dir,
		cache: cache,
		texts: make(map[string]string),
	}
}

// Load returns the raw template text for name.
func (r *Renderer) Load(name string) (string, error) {
	if r.cache {
		r.mu.RLock()
		text, ok := r.texts[name]
		r.mu.RUnlock()
		if ok {
			return text, nil
		}
	}

	path := filepath.Join(r.dir, name+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt %s: %w", name, err)
	}
	text := string(data)

	if r.cache {
		r.mu.Lock()
		r.texts[name] = text
		r.mu.Unlock()
	}
	return text, nil
}

// Render loads the named template and substitutes every <<TOKEN>> with its
// value from tokens. Every placeholder must resolve; leftover tokens return
// an UnresolvedTokensError. Values may themselves contain <<...>> text
// without being re-expanded.
func (r *Renderer) Render(name string, tokens map[string]string) (string, error) {
	text, err := r.Load(name)
	if err != nil {
		return "", err
	}

	unresolved := map[string]bool{}
	out := tokenPattern.ReplaceAllStringFunc(text, func(m string) string {
		key := m[2 : len(m)-2]
		val, ok := tokens[key]
		if !ok {
			unresolved[key] = true
			return m
		}
		return val
	})

	if len(unresolved) > 0 {
		names := make([]string, 0, len(unresolved))
		for k := range unresolved {
			names = append(names, k)
		}
		sort.Strings(names)
		return "", &UnresolvedTokensError{Prompt: name, Tokens: names}
	}
	return out, nil
}

// Tokens returns the sorted placeholder names used by a template.
func (r *Renderer) Tokens(name string) ([]string, error) {
	text, err := r.Load(name)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops a cached template so the next Load re-reads it.
func (r *Renderer) Invalidate(name string) {
	r.mu.Lock()
	delete(r.texts, name)
	r.mu.Unlock()
}

// Verify loads every listed template, confirming it exists and parses.
// The controller calls this at startup so a missing prompt fails fast
// instead of mid-turn.
func (r *Renderer) Verify(names []string) error {
	for _, name := range names {
		if _, err := r.Load(name); err != nil {
			return err
		}
	}
	return nil
}
