package logging

import (
	"context"
	"log/slog"
)

// FieldSessionID is the standardized structured logging key for daemon run identifiers.
const FieldSessionID = "session_id"

// contextHandler stamps every record with the session id and with the job
// and request ids carried by the record's context.
type contextHandler struct {
	base      slog.Handler
	sessionID string
}

func newContextHandler(base slog.Handler, sessionID string) slog.Handler {
	if base == nil {
		return NoopHandler{}
	}
	return &contextHandler{base: base, sessionID: sessionID}
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.sessionID != "" {
		record.AddAttrs(slog.String(FieldSessionID, h.sessionID))
	}
	if fields := ContextFields(ctx); len(fields) > 0 {
		record.AddAttrs(fields...)
	}
	return h.base.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{base: h.base.WithAttrs(attrs), sessionID: h.sessionID}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{base: h.base.WithGroup(name), sessionID: h.sessionID}
}
