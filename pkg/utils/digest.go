package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// ArgsDigest returns a short stable digest of a tool-call argument map.
// Keys are serialised in sorted order so logically equal maps digest
// identically regardless of iteration order.
func ArgsDigest(args map[string]any) string {
	h := sha256.Sum256([]byte(CanonicalJSON(args)))
	return hex.EncodeToString(h[:])[:12]
}

// CanonicalJSON serialises a value with object keys in sorted order.
// encoding/json already sorts map keys; this wrapper exists so callers do
// not depend on that detail, and to normalise marshal failures to "{}".
func CanonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// SummarizeResult produces a short single-line summary of a tool result for
// event payloads: first line, truncated to max runes.
func SummarizeResult(s string, max int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}
