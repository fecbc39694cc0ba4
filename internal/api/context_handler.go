package api

import (
	"context"
	"log/slog"
)

// ContextHandler stamps every record passing through it with the request id
// found on the log call's context. Pipeline code logs with the request
// context it was handed, so lines emitted mid-stream still carry the id of
// the subscribe request that opened the stream.
//
// Installed once at startup around the JSON handler:
//
//	slog.SetDefault(slog.New(api.NewContextHandler(base)))
type ContextHandler struct {
	next slog.Handler
}

// NewContextHandler wraps next with request-id stamping.
func NewContextHandler(next slog.Handler) *ContextHandler {
	return &ContextHandler{next: next}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := RequestIDFromContext(ctx); id != "" {
		rec.AddAttrs(slog.String("request_id", id))
	}
	return h.next.Handle(ctx, rec)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name)}
}
