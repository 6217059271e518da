package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseModelJSON decodes the model's response into dst. Models wrap JSON in
// markdown fences or lead with prose often enough that we extract the first
// balanced object before decoding.
func parseModelJSON(text string, dst any) error {
	payload := extractJSON(text)
	if payload == "" {
		return fmt.Errorf("no JSON object in model response")
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return fmt.Errorf("malformed model JSON: %w", err)
	}
	return nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
