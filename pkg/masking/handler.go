package masking

import (
	"context"
	"log/slog"
)

// SanitizingHandler wraps a slog.Handler and scrubs every record before it
// is emitted: the message and all string attribute values pass through the
// Service. Group and nested attrs are walked recursively.
type SanitizingHandler struct {
	inner slog.Handler
	svc   *Service
}

// NewSanitizingHandler wraps inner so no credential reaches the sink.
func NewSanitizingHandler(inner slog.Handler, svc *Service) *SanitizingHandler {
	return &SanitizingHandler{inner: inner, svc: svc}
}

// Enabled delegates to the wrapped handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle scrubs the record and forwards it.
func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, h.svc.Scrub(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.scrubAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs scrubs the pre-bound attrs and delegates.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrubAttr(a)
	}
	return &SanitizingHandler{inner: h.inner.WithAttrs(scrubbed), svc: h.svc}
}

// WithGroup delegates to the wrapped handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{inner: h.inner.WithGroup(name), svc: h.svc}
}

func (h *SanitizingHandler) scrubAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.svc.Scrub(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, ga := range group {
			scrubbed = append(scrubbed, h.scrubAttr(ga))
		}
		return slog.Group(a.Key, scrubbed...)
	default:
		return a
	}
}
