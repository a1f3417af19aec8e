package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hnharvest/features/queue"
	"hnharvest/internal/batch"
	"hnharvest/internal/config"
	"hnharvest/internal/logger"
)

type Options struct {
	WorkerID            string
	StoreMaxRetries     int
	StoreBackoffInitial time.Duration
	StoreBackoffMax     time.Duration
}

// Loop claims chunks until the queue is drained. A chunk is completed only
// after every result for it has been flushed.
type Loop struct {
	claimer queue.Claimer
	engine  Streamer
	writer  Drainer
	events  EventPublisher
	opts    Options
	state   atomic.Int32
}

func NewLoop(claimer queue.Claimer, engine Streamer, writer Drainer, events EventPublisher, opts Options) *Loop {
	if events == nil {
		events = NopPublisher{}
	}
	if opts.WorkerID == "" {
		opts.WorkerID = Identity()
	}
	if opts.StoreBackoffInitial <= 0 {
		opts.StoreBackoffInitial = 500 * time.Millisecond
	}
	if opts.StoreBackoffMax < opts.StoreBackoffInitial {
		opts.StoreBackoffMax = opts.StoreBackoffInitial
	}
	return &Loop{claimer: claimer, engine: engine, writer: writer, events: events, opts: opts}
}

func (l *Loop) State() State {
	s := State(l.state.Load())
	if s == StateFetching && l.writer.Flushing() {
		return StateFlushing
	}
	return s
}

func (l *Loop) WorkerID() string {
	return l.opts.WorkerID
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run returns nil once no pending chunk is left, ErrInterrupted when ctx is
// cancelled, and an error wrapping ErrStoreUnavailable when the store stays
// unreachable past the retry budget.
func (l *Loop) Run(ctx context.Context) error {
	ctx = logger.WithWorkerID(ctx, l.opts.WorkerID)
	slog.InfoContext(ctx, "worker started")

	var chunks int
	for {
		if ctx.Err() != nil {
			l.setState(StateIdle)
			slog.InfoContext(ctx, "worker stopped", "chunks", chunks)
			return ErrInterrupted
		}

		l.setState(StateClaiming)
		chunk, err := l.claim(ctx)
		if err != nil {
			l.setState(StateIdle)
			return err
		}
		if chunk == nil {
			l.setState(StateDrained)
			slog.InfoContext(ctx, "queue drained", "chunks", chunks)
			return nil
		}

		if err := l.process(ctx, chunk); err != nil {
			l.setState(StateIdle)
			return err
		}
		chunks++
		l.setState(StateIdle)
	}
}

func (l *Loop) process(ctx context.Context, chunk *queue.Chunk) error {
	ctx = logger.WithChunkID(ctx, chunk.ID)
	slog.InfoContext(ctx, "chunk claimed", "start_id", chunk.StartID, "end_id", chunk.EndID, "attempt", chunk.Attempts)
	start := time.Now()

	l.setState(StateFetching)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stats, err := l.writer.Drain(sctx, chunk, l.engine.Stream(sctx, chunk.StartID, chunk.EndID))
	cancel()

	switch {
	case errors.Is(err, batch.ErrInterrupted):
		slog.InfoContext(ctx, "chunk interrupted, left claimed", "written", stats.Written(), "failed", stats.Failed)
		return ErrInterrupted
	case errors.Is(err, batch.ErrFlushExhausted):
		slog.ErrorContext(ctx, "flush failed, chunk left claimed", "error", err)
		return fmt.Errorf("%w: chunk %d: %w", ErrStoreUnavailable, chunk.ID, err)
	case err != nil:
		return fmt.Errorf("drain chunk %d: %w", chunk.ID, err)
	}

	l.setState(StateCompleting)
	// Every result is durable at this point, so completion proceeds even if
	// a stop arrives now.
	if err := l.complete(context.WithoutCancel(ctx), chunk.ID); err != nil {
		return err
	}

	slog.InfoContext(ctx, "chunk done",
		"found", stats.Found,
		"absent", stats.Absent,
		"failed", stats.Failed,
		"batches", stats.Batches,
		"duration", time.Since(start))

	publish(ctx, l.events, config.TopicChunkDone, ChunkDoneEvent{
		ChunkID:     chunk.ID,
		StartID:     chunk.StartID,
		EndID:       chunk.EndID,
		WorkerID:    l.opts.WorkerID,
		Found:       stats.Found,
		Absent:      stats.Absent,
		Failed:      stats.Failed,
		Batches:     stats.Batches,
		CompletedAt: time.Now().UTC(),
	})
	return nil
}

func (l *Loop) claim(ctx context.Context) (*queue.Chunk, error) {
	var chunk *queue.Chunk
	op := func() error {
		var err error
		chunk, err = l.claimer.ClaimNext(ctx, l.opts.WorkerID)
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "claim failed, retrying", "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(l.newBackOff(), ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("%w: claim: %w", ErrStoreUnavailable, err)
	}
	return chunk, nil
}

func (l *Loop) complete(ctx context.Context, chunkID int64) error {
	op := func() error {
		err := l.claimer.Complete(ctx, chunkID)
		if errors.Is(err, queue.ErrChunkNotFound) || errors.Is(err, queue.ErrNotClaimed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "complete failed, retrying", "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, l.newBackOff(), notify)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrChunkNotFound), errors.Is(err, queue.ErrNotClaimed):
		return fmt.Errorf("complete chunk %d: %w", chunkID, err)
	default:
		return fmt.Errorf("%w: complete chunk %d: %w", ErrStoreUnavailable, chunkID, err)
	}
}

func (l *Loop) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.StoreBackoffInitial
	b.MaxInterval = l.opts.StoreBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(l.opts.StoreMaxRetries, 0)))
}
