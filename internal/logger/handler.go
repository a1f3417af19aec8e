package logger

import (
	"context"
	"log/slog"

	"hnharvest/internal/middleware"
)

type ctxKey int

const (
	workerKey ctxKey = iota
	chunkKey
)

// ContextHandler decorates records with the worker, chunk and correlation
// ids carried by the context.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(workerKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("worker_id", id))
	}
	if id, ok := ctx.Value(chunkKey).(int64); ok {
		r.AddAttrs(slog.Int64("chunk_id", id))
	}
	if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerKey, id)
}

func WithChunkID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, chunkKey, id)
}

func WorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerKey).(string)
	return id
}
