package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"hnharvest/features/failure"
	"hnharvest/features/item"
	"hnharvest/features/queue"
	"hnharvest/internal/fetch"
)

var (
	ErrFlushExhausted = errors.New("flush retries exhausted")
	ErrInterrupted    = errors.New("drain interrupted")
)

type ItemStore interface {
	UpsertBatch(ctx context.Context, items []item.Item) error
}

type FailureRecorder interface {
	SaveBatch(ctx context.Context, failures []failure.Failure) error
}

type Options struct {
	BatchSize      int
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	WorkerID       string
}

type Stats struct {
	Found   int
	Absent  int
	Failed  int
	Batches int
}

func (s Stats) Written() int {
	return s.Found + s.Absent
}

type Writer struct {
	items    ItemStore
	failures FailureRecorder
	opts     Options
	flushing atomic.Bool
}

func NewWriter(items ItemStore, failures FailureRecorder, opts Options) *Writer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Writer{items: items, failures: failures, opts: opts}
}

// Drain consumes results for chunk until the channel closes, writing found
// items and tombstones in batches of BatchSize. Failed ids are recorded with
// the flush that follows them. A started flush always runs to completion, so
// at most the records received since the last flush are lost on a crash.
//
// When ctx is cancelled the held records are flushed and ErrInterrupted is
// returned without waiting for the rest of the chunk.
func (w *Writer) Drain(ctx context.Context, chunk *queue.Chunk, results <-chan fetch.Result) (Stats, error) {
	var (
		stats  Stats
		buf    = make([]item.Item, 0, w.opts.BatchSize)
		failed []failure.Failure
	)

	flush := func() error {
		if len(buf) == 0 && len(failed) == 0 {
			return nil
		}
		rejected, err := w.flush(ctx, chunk.ID, buf, failed)
		if err != nil {
			return err
		}
		for _, it := range rejected {
			if it.Absent {
				stats.Absent--
			} else {
				stats.Found--
			}
			stats.Failed++
		}
		if len(buf) > len(rejected) {
			stats.Batches++
		}
		buf = make([]item.Item, 0, w.opts.BatchSize)
		failed = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				return stats, err
			}
			return stats, ErrInterrupted

		case res, ok := <-results:
			if !ok {
				if err := flush(); err != nil {
					return stats, err
				}
				// The engine drops ids interrupted by cancellation, so a
				// closed stream under a cancelled ctx is not a full chunk.
				if ctx.Err() != nil {
					return stats, ErrInterrupted
				}
				return stats, nil
			}

			switch res.Kind {
			case fetch.Found:
				buf = append(buf, *res.Item)
				stats.Found++
			case fetch.Absent:
				buf = append(buf, item.Tombstone(res.ID))
				stats.Absent++
			case fetch.Failed:
				stats.Failed++
				reason := "unknown"
				if res.Err != nil {
					reason = res.Err.Error()
				}
				slog.WarnContext(ctx, "item fetch failed", "item_id", res.ID, "reason", reason, "attempts", res.Attempts)
				failed = append(failed, failure.Failure{
					ItemID:   res.ID,
					ChunkID:  chunk.ID,
					WorkerID: w.opts.WorkerID,
					Error:    reason,
				})
			}

			if len(buf) >= w.opts.BatchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
	}
}

// Flushing reports whether a flush is in progress.
func (w *Writer) Flushing() bool {
	return w.flushing.Load()
}

// flush writes items then records failures, retrying transient errors with
// backoff. Rows the store refuses as invalid data are isolated by splitting
// the batch, recorded as failures and returned; the rest of the batch is
// still written.
func (w *Writer) flush(ctx context.Context, chunkID int64, items []item.Item, failed []failure.Failure) ([]item.Item, error) {
	w.flushing.Store(true)
	defer w.flushing.Store(false)
	fctx := context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.BackoffInitial
	b.MaxInterval = w.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	var (
		itemsDone bool
		rejected  []item.Item
		records   = append([]failure.Failure(nil), failed...)
	)
	op := func() error {
		if !itemsDone && len(items) > 0 {
			bad, err := w.upsert(fctx, items)
			if err != nil {
				return err
			}
			for _, r := range bad {
				slog.WarnContext(ctx, "item rejected by store", "item_id", r.item.ID, "reason", r.err.Error())
				rejected = append(rejected, r.item)
				records = append(records, failure.Failure{
					ItemID:   r.item.ID,
					ChunkID:  chunkID,
					WorkerID: w.opts.WorkerID,
					Error:    r.err.Error(),
				})
			}
		}
		itemsDone = true
		if len(records) > 0 {
			return w.failures.SaveBatch(fctx, records)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "flush failed, retrying", "items", len(items), "failures", len(records), "wait", wait, "error", err)
	}

	start := time.Now()
	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, uint64(max(w.opts.MaxRetries, 0))), notify); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFlushExhausted, err)
	}
	slog.DebugContext(ctx, "batch flushed", "items", len(items)-len(rejected), "failures", len(records), "duration", time.Since(start))
	return rejected, nil
}

type rejection struct {
	item item.Item
	err  error
}

// upsert writes items, bisecting on data errors until the offending rows are
// alone. Any other error aborts so the caller can retry the whole batch.
func (w *Writer) upsert(ctx context.Context, items []item.Item) ([]rejection, error) {
	err := w.items.UpsertBatch(ctx, items)
	if err == nil {
		return nil, nil
	}
	if !isDataError(err) {
		return nil, err
	}
	if len(items) == 1 {
		return []rejection{{item: items[0], err: err}}, nil
	}
	mid := len(items) / 2
	left, err := w.upsert(ctx, items[:mid])
	if err != nil {
		return nil, err
	}
	right, err := w.upsert(ctx, items[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// isDataError reports a Postgres class 22 data exception, which no retry
// can fix.
func isDataError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "22"
}
