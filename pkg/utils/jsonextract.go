// Package utils provides small shared helpers: tolerant JSON extraction,
// argument digests and token counting.
package utils

import "strings"

// ExtractJSON finds the first top-level JSON object or array in text by
// bracket matching, ignoring brackets inside strings and escape sequences.
// Models frequently wrap structured output in prose; callers use this as a
// tolerant fallback before giving up on a parse. Returns "" when no balanced
// object or array is present.
func ExtractJSON(text string) string {
	start := -1
	var open, close byte

	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			start, open, close = i, '{', '}'
		case '[':
			start, open, close = i, '[', ']'
		default:
			continue
		}
		break
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	return ""
}

// ExtractJSONArray is like ExtractJSON but skips leading objects and returns
// the first top-level JSON array only.
func ExtractJSONArray(text string) string {
	idx := strings.IndexByte(text, '[')
	if idx < 0 {
		return ""
	}
	return ExtractJSON(text[idx:])
}
