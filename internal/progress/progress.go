package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hnharvest/features/queue"
)

type Source interface {
	Progress(ctx context.Context) (queue.Progress, error)
}

type Reporter interface {
	Report(p queue.Progress)
}

// Poll samples src every interval and hands each sample to reporters until
// ctx ends. A final sample is taken on exit with a detached context.
func Poll(ctx context.Context, src Source, interval time.Duration, reporters ...Reporter) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := func(ctx context.Context) {
		p, err := src.Progress(ctx)
		if err != nil {
			slog.WarnContext(ctx, "progress sample failed", "error", err)
			return
		}
		for _, r := range reporters {
			r.Report(p)
		}
	}

	sample(ctx)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			sample(fctx)
			cancel()
			return
		case <-ticker.C:
			sample(ctx)
		}
	}
}

// LogReporter logs done/total. The rendered percentage never goes backwards,
// even when a sample is older than the previous one.
type LogReporter struct {
	logger *slog.Logger

	mu   sync.Mutex
	done int64
	seen bool
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(p queue.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen && p.Done < r.done {
		p.Done = r.done
	}
	if r.seen && p.Done == r.done {
		return
	}
	r.done = p.Done
	r.seen = true

	r.logger.Info("harvest progress",
		"done", p.Done,
		"claimed", p.Claimed,
		"total", p.Total,
		"percent", Percent(p))
}

// Percent returns done/total in [0, 100] rounded down to one decimal.
func Percent(p queue.Progress) float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Done*1000/p.Total) / 10
}
