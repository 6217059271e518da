// Package masking scrubs credentials from log output and renders
// display-safe previews of stored secrets.
package masking

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// Service applies credential scrubbing to arbitrary text. Created once at
// application startup. Thread-safe and stateless aside from compiled
// patterns.
type Service struct {
	patterns []*CompiledPattern // applied in deterministic name order
}

// NewService compiles the built-in scrub patterns.
// Invalid patterns are logged and skipped.
func NewService() *Service {
	s := &Service{}

	builtin := builtinPatterns()
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pattern := builtin[name]
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: pattern.Replacement,
			Description: pattern.Description,
		})
	}

	slog.Info("Masking service initialized", "compiled_patterns", len(s.patterns))
	return s
}

// Scrub replaces credential material in s with masked placeholders.
// Runs unconditionally on every log record; must stay cheap for the common
// case of clean input.
func (s *Service) Scrub(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, p := range s.patterns {
		if !p.Regex.MatchString(masked) {
			continue
		}
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// ScrubsAnything reports whether text contains material the scrubber would
// replace. Used by tests and by callers that want to reject rather than mask.
func (s *Service) ScrubsAnything(text string) bool {
	for _, p := range s.patterns {
		if p.Regex.MatchString(text) {
			return true
		}
	}
	return false
}

// Kind selects the display-masking rule for a stored secret.
type Kind string

const (
	KindUsername Kind = "username"
	KindPassword Kind = "password"
	KindAPIKey   Kind = "api_key"
)

// Mask returns a display-safe rendering of a secret value:
// usernames keep their first two characters, passwords render as fixed
// asterisks, api keys keep the first eight and last four characters.
func Mask(value string, kind Kind) string {
	if value == "" {
		return ""
	}
	switch kind {
	case KindUsername:
		if len(value) <= 2 {
			return value + "***"
		}
		return value[:2] + "***"
	case KindAPIKey:
		if len(value) <= 12 {
			return "****"
		}
		return value[:8] + "..." + value[len(value)-4:]
	default: // passwords and anything unknown
		return strings.Repeat("*", 8)
	}
}
