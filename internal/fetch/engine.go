package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"hnharvest/features/item"
)

// Source resolves one item id. (nil, nil) means the upstream has no such item.
type Source interface {
	Item(ctx context.Context, id int64) (*item.Item, error)
}

type Outcome int

const (
	Found Outcome = iota + 1
	Absent
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Absent:
		return "absent"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Result struct {
	ID       int64
	Kind     Outcome
	Item     *item.Item
	Err      error
	Attempts int
}

type Options struct {
	Concurrency       int
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	RequestsPerSecond float64
	Burst             int
}

type Engine struct {
	source  Source
	opts    Options
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func NewEngine(source Source, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 250 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	e := &Engine{
		source: source,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return e
}

func (e *Engine) Concurrency() int {
	return e.opts.Concurrency
}

// Stream fetches every id in [start, end) with at most Concurrency requests in
// flight and delivers one Result per id in completion order. A slot is held
// until its result has been handed to the channel, so a slow consumer stops
// admission. The channel closes once every admitted fetch has finished. After
// ctx is cancelled no new ids are admitted and interrupted ids are not emitted.
func (e *Engine) Stream(ctx context.Context, start, end int64) <-chan Result {
	out := make(chan Result, e.opts.Concurrency)

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(out)
		}()

		for id := start; id < end; id++ {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				defer e.sem.Release(1)

				res, ok := e.fetch(ctx, id)
				if !ok {
					return
				}
				select {
				case out <- res:
				case <-ctx.Done():
				}
			}(id)
		}
	}()

	return out
}

// Fetch resolves a single id with the engine's retry policy. ok is false when
// ctx was cancelled before the id settled.
func (e *Engine) Fetch(ctx context.Context, id int64) (Result, bool) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, false
	}
	defer e.sem.Release(1)
	return e.fetch(ctx, id)
}

func (e *Engine) fetch(ctx context.Context, id int64) (Result, bool) {
	var (
		it       *item.Item
		attempts int
	)

	op := func() error {
		attempts++
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		var err error
		it, err = e.source.Item(ctx, id)
		return err
	}

	notify := func(err error, wait time.Duration) {
		slog.DebugContext(ctx, "retrying item fetch", "item_id", id, "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(e.newBackOff(), ctx), notify)
	if err != nil && ctx.Err() != nil {
		return Result{}, false
	}

	res := Result{ID: id, Attempts: attempts}
	switch {
	case err != nil:
		res.Kind = Failed
		res.Err = err
	case it == nil:
		res.Kind = Absent
	default:
		res.Kind = Found
		res.Item = it
	}
	return res, true
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffInitial
	b.MaxInterval = e.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(e.opts.MaxRetries, 0)))
}
