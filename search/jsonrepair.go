package search

import (
	"encoding/json"
	"strings"
)

// parseJSONObject decodes a JSON object from possibly messy LLM output.
// It tries strict parsing first, then strips markdown code fences, then
// repairs unbalanced quotes and brackets. Parseable input is returned
// exactly as strict parsing would, so repair is idempotent on valid JSON.
func parseJSONObject(s string) (map[string]any, bool) {
	for _, candidate := range []string{s, stripFences(s), repairJSON(stripFences(s))} {
		var out map[string]any
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, true
		}
	}
	return nil, false
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, and trims to the outermost object braces.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			// Drop a language tag like "json" on the fence line.
			first := strings.TrimSpace(s[:nl])
			if len(first) > 0 && !strings.ContainsAny(first, "{}") {
				s = s[nl+1:]
			}
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	if start >= 0 {
		return s[start:]
	}
	return s
}

// repairJSON closes unterminated strings and balances brackets so that
// truncated model output still parses. It does not fix every malformation,
// only the common truncation shapes.
func repairJSON(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	// Trim a dangling comma before closing.
	out := strings.TrimRight(b.String(), " \t\n\r")
	out = strings.TrimSuffix(out, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}
