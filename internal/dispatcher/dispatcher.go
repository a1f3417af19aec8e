package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"hnharvest/features/queue"
	"hnharvest/internal/progress"
	"hnharvest/internal/worker"
)

var (
	ErrQueueNotDrained = errors.New("workers stopped before the queue drained")
	ErrWorkerGaveUp    = errors.New("worker exceeded its restart budget")
)

type MaxIDSource interface {
	MaxItem(ctx context.Context) (int64, error)
}

type FailureCounter interface {
	Count(ctx context.Context) (int, error)
}

type Launcher interface {
	Launch(ctx context.Context, slot int) (Handle, error)
}

// Handle is a running worker. Wait blocks until it exits and returns its exit
// status; Stop asks it to finish the current batch and exit.
type Handle interface {
	Wait() (int, error)
	Stop()
}

type Options struct {
	Reset                 bool
	ChunkSize             int64
	WorkerCount           int
	StaleClaimAfter       time.Duration
	MaxRestarts           int
	RestartBackoffInitial time.Duration
	RestartBackoffMax     time.Duration
	ProgressInterval      time.Duration
}

type Dispatcher struct {
	store     queue.Store
	upstream  MaxIDSource
	launcher  Launcher
	failures  FailureCounter
	reporters []progress.Reporter
	opts      Options
}

func New(store queue.Store, upstream MaxIDSource, launcher Launcher, failures FailureCounter, opts Options, reporters ...progress.Reporter) *Dispatcher {
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	if opts.RestartBackoffInitial <= 0 {
		opts.RestartBackoffInitial = time.Second
	}
	if opts.RestartBackoffMax < opts.RestartBackoffInitial {
		opts.RestartBackoffMax = opts.RestartBackoffInitial
	}
	return &Dispatcher{
		store:     store,
		upstream:  upstream,
		launcher:  launcher,
		failures:  failures,
		reporters: reporters,
		opts:      opts,
	}
}

// Run seeds the queue, launches the workers and supervises them until every
// slot has finished or given up.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.prepare(ctx); err != nil {
		return err
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		progress.Poll(pollCtx, d.store, d.opts.ProgressInterval, d.reporters...)
	}()

	// A slot that gives up must not stop its siblings, so the group carries
	// no context and every slot error is folded into one result after Wait.
	var (
		g    errgroup.Group
		errs = make([]error, d.opts.WorkerCount)
	)
	for slot := 0; slot < d.opts.WorkerCount; slot++ {
		g.Go(func() error {
			errs[slot] = d.supervise(ctx, slot)
			return errs[slot]
		})
	}

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		for _, err := range errs {
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	stopPoll()
	<-pollDone

	if ctx.Err() != nil {
		slog.InfoContext(ctx, "dispatcher stopped, progress is kept for the next run")
		return ctx.Err()
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	return d.summarize(ctx)
}

func (d *Dispatcher) prepare(ctx context.Context) error {
	if d.opts.Reset {
		slog.WarnContext(ctx, "resetting work queue and items")
		if err := d.store.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	recovered, err := d.store.RecoverStale(ctx, d.opts.StaleClaimAfter)
	if err != nil {
		return fmt.Errorf("recover stale claims: %w", err)
	}
	if recovered > 0 {
		slog.InfoContext(ctx, "returned stale claims to pending", "chunks", recovered)
	}

	var maxID int64
	op := func() error {
		var err error
		maxID, err = d.upstream.MaxItem(ctx)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RestartBackoffInitial
	b.MaxInterval = d.opts.RestartBackoffMax
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)); err != nil {
		return fmt.Errorf("fetch max item id: %w", err)
	}

	inserted, err := d.store.Seed(ctx, maxID, d.opts.ChunkSize)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if inserted > 0 {
		slog.InfoContext(ctx, "work queue seeded", "max_id", maxID, "chunks", inserted, "chunk_size", d.opts.ChunkSize)
	} else {
		slog.InfoContext(ctx, "work queue already seeded, resuming", "max_id", maxID)
	}
	return nil
}

func (d *Dispatcher) supervise(ctx context.Context, slot int) error {
	log := slog.With("slot", slot)
	restarts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RestartBackoffInitial
	b.MaxInterval = d.opts.RestartBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		h, err := d.launcher.Launch(ctx, slot)
		if err != nil {
			return fmt.Errorf("slot %d: launch worker: %w", slot, err)
		}
		log.InfoContext(ctx, "worker launched", "restarts", restarts)

		code, err := wait(ctx, h)
		if ctx.Err() != nil {
			log.InfoContext(ctx, "worker stopped", "exit_code", code)
			return nil
		}
		if err != nil {
			log.ErrorContext(ctx, "worker wait failed", "error", err)
			code = worker.ExitFatal
		}

		switch code {
		case worker.ExitOK:
			log.InfoContext(ctx, "worker finished")
			return nil

		case worker.ExitStoreUnavailable:
			delay := b.NextBackOff()
			log.WarnContext(ctx, "worker lost the store, restarting", "delay", delay)
			if !sleep(ctx, delay) {
				return nil
			}

		default:
			if restarts >= d.opts.MaxRestarts {
				log.ErrorContext(ctx, "worker gave up", "exit_code", code, "restarts", restarts)
				return fmt.Errorf("%w: slot %d exited with %d after %d restarts", ErrWorkerGaveUp, slot, code, restarts)
			}
			restarts++
			log.WarnContext(ctx, "worker failed, restarting", "exit_code", code, "restarts", restarts)
		}
	}
}

func (d *Dispatcher) summarize(ctx context.Context) error {
	p, err := d.store.Progress(ctx)
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}

	attrs := []any{"done", p.Done, "total", p.Total}
	if d.failures != nil {
		if n, err := d.failures.Count(ctx); err == nil {
			attrs = append(attrs, "failed_items", n)
		}
	}

	if !p.Drained() {
		slog.WarnContext(ctx, "harvest incomplete", attrs...)
		return fmt.Errorf("%w: %d of %d chunks done", ErrQueueNotDrained, p.Done, p.Total)
	}
	slog.InfoContext(ctx, "harvest complete", attrs...)
	return nil
}

func wait(ctx context.Context, h Handle) (int, error) {
	type exit struct {
		code int
		err  error
	}
	done := make(chan exit, 1)
	go func() {
		code, err := h.Wait()
		done <- exit{code, err}
	}()

	select {
	case e := <-done:
		return e.code, e.err
	case <-ctx.Done():
		h.Stop()
		e := <-done
		return e.code, e.err
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
