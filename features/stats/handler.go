package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"hnharvest/features/queue"
	"hnharvest/internal/middleware"
)

type QueueStore interface {
	Progress(ctx context.Context) (queue.Progress, error)
}

type ItemRepo interface {
	Count(ctx context.Context) (int, error)
}

type FailureRepo interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	queue    QueueStore
	items    ItemRepo
	failures FailureRepo
}

func NewHandler(q QueueStore, i ItemRepo, f FailureRepo) *Handler {
	return &Handler{queue: q, items: i, failures: f}
}

type StatsResponse struct {
	ChunksDone    int64 `json:"chunks_done"`
	ChunksClaimed int64 `json:"chunks_claimed"`
	ChunksTotal   int64 `json:"chunks_total"`
	Items         int   `json:"items"`
	FailedItems   int   `json:"failed_items"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	p, err := h.queue.Progress(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read queue progress", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read queue progress", http.StatusInternalServerError)
		return
	}

	iCount, err := h.items.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count items", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count items", http.StatusInternalServerError)
		return
	}

	fCount, err := h.failures.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count failures", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count failures", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		ChunksDone:    p.Done,
		ChunksClaimed: p.Claimed,
		ChunksTotal:   p.Total,
		Items:         iCount,
		FailedItems:   fCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
