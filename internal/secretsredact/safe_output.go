package secretsredact

import (
	"context"
	"log/slog"
)

// SlogHandler wraps an slog.Handler and redacts attribute values and the
// record message before they reach the underlying handler. The daemon wraps
// its JSON handler (text handler in development) with this.
type SlogHandler struct {
	next     slog.Handler
	redactor *Redactor
}

// NewSlogHandler wraps next with redaction driven by redactor.
func NewSlogHandler(next slog.Handler, redactor *Redactor) *SlogHandler {
	return &SlogHandler{next: next, redactor: redactor}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := record.Clone()
	redacted.Message = h.redactor.Redact(record.Message)

	var attrs []slog.Attr
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.redactAttr(a))
		return true
	})

	out := slog.NewRecord(redacted.Time, redacted.Level, redacted.Message, redacted.PC)
	out.Add(attrsToAny(attrs)...)
	return h.next.Handle(ctx, out)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &SlogHandler{next: h.next.WithAttrs(redacted), redactor: h.redactor}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	return &SlogHandler{next: h.next.WithGroup(name), redactor: h.redactor}
}

func (h *SlogHandler) redactAttr(a slog.Attr) slog.Attr {
	if h.redactor.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.redactor.Redact(a.Value.String()))
	}
	return a
}

func attrsToAny(attrs []slog.Attr) []any {
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	return out
}
