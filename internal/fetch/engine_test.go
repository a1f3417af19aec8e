package fetch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hnharvest/features/item"
	"hnharvest/internal/adapter/hackernews"
	"hnharvest/internal/fetch"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    map[int64]int
	inFlight atomic.Int64
	peak     atomic.Int64
	total    atomic.Int64
	delay    time.Duration
	answer   func(id int64, call int) (*item.Item, error)
}

func newFakeSource(answer func(id int64, call int) (*item.Item, error)) *fakeSource {
	return &fakeSource{calls: make(map[int64]int), answer: answer}
}

func (f *fakeSource) Item(ctx context.Context, id int64) (*item.Item, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.total.Add(1)

	f.mu.Lock()
	f.calls[id]++
	call := f.calls[id]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.answer(id, call)
}

func (f *fakeSource) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func found(id int64, _ int) (*item.Item, error) {
	return &item.Item{ID: id, Type: item.TypeComment}, nil
}

func testOptions(concurrency int) fetch.Options {
	return fetch.Options{
		Concurrency:    concurrency,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func collect(ch <-chan fetch.Result) []fetch.Result {
	var out []fetch.Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestEngine_EveryIDExactlyOnce(t *testing.T) {
	src := newFakeSource(found)
	engine := fetch.NewEngine(src, testOptions(16))

	results := collect(engine.Stream(context.Background(), 100, 600))

	require.Len(t, results, 500)
	seen := make(map[int64]bool, len(results))
	for _, r := range results {
		assert.False(t, seen[r.ID], "id %d emitted twice", r.ID)
		seen[r.ID] = true
		assert.Equal(t, fetch.Found, r.Kind)
		assert.Equal(t, r.ID, r.Item.ID)
	}
	for id := int64(100); id < 600; id++ {
		assert.True(t, seen[id], "id %d missing", id)
	}
}

func TestEngine_ConcurrencyCeiling(t *testing.T) {
	src := newFakeSource(found)
	src.delay = 2 * time.Millisecond
	engine := fetch.NewEngine(src, testOptions(8))

	results := collect(engine.Stream(context.Background(), 1, 201))

	assert.Len(t, results, 200)
	assert.LessOrEqual(t, src.peak.Load(), int64(8))
	assert.Greater(t, src.peak.Load(), int64(1))
}

func TestEngine_Backpressure(t *testing.T) {
	src := newFakeSource(found)
	engine := fetch.NewEngine(src, testOptions(4))

	ctx, cancel := context.WithCancel(context.Background())
	ch := engine.Stream(ctx, 1, 10001)

	// Nobody reads: the buffer fills, then every slot blocks on delivery.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, src.total.Load(), int64(8))

	cancel()
	for range ch {
	}
}

func TestEngine_AbsentVersusFailed(t *testing.T) {
	src := newFakeSource(func(id int64, call int) (*item.Item, error) {
		switch id {
		case 2:
			return nil, nil
		case 3:
			return nil, backoff.Permanent(hackernews.ErrMalformed)
		case 4:
			return &item.Item{ID: 4, Deleted: true}, nil
		default:
			return &item.Item{ID: id}, nil
		}
	})
	engine := fetch.NewEngine(src, testOptions(4))

	byID := make(map[int64]fetch.Result)
	for _, r := range collect(engine.Stream(context.Background(), 1, 5)) {
		byID[r.ID] = r
	}

	assert.Equal(t, fetch.Found, byID[1].Kind)
	assert.Equal(t, fetch.Absent, byID[2].Kind)
	assert.Nil(t, byID[2].Item)
	assert.Equal(t, fetch.Failed, byID[3].Kind)
	assert.ErrorIs(t, byID[3].Err, hackernews.ErrMalformed)
	assert.Equal(t, 1, src.callsFor(3), "permanent errors are not retried")
	assert.Equal(t, fetch.Found, byID[4].Kind)
	assert.True(t, byID[4].Item.Deleted)
}

func TestEngine_RetriesTransientErrors(t *testing.T) {
	src := newFakeSource(func(id int64, call int) (*item.Item, error) {
		if call < 3 {
			if id%2 == 0 {
				return nil, hackernews.ErrRateLimited
			}
			return nil, &hackernews.StatusError{Code: 503}
		}
		return &item.Item{ID: id}, nil
	})
	engine := fetch.NewEngine(src, testOptions(4))

	results := collect(engine.Stream(context.Background(), 1, 11))

	require.Len(t, results, 10)
	for _, r := range results {
		assert.Equal(t, fetch.Found, r.Kind)
		assert.Equal(t, 3, r.Attempts)
	}
}

func TestEngine_RetryExhaustionFails(t *testing.T) {
	boom := errors.New("connection refused")
	src := newFakeSource(func(id int64, call int) (*item.Item, error) {
		return nil, boom
	})
	opts := testOptions(2)
	opts.MaxRetries = 2
	engine := fetch.NewEngine(src, opts)

	results := collect(engine.Stream(context.Background(), 1, 3))

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, fetch.Failed, r.Kind)
		assert.ErrorIs(t, r.Err, boom)
		assert.Equal(t, 3, r.Attempts)
	}
}

func TestEngine_CancellationEmitsNoFailures(t *testing.T) {
	src := newFakeSource(found)
	src.delay = 20 * time.Millisecond
	engine := fetch.NewEngine(src, testOptions(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := engine.Stream(ctx, 1, 100001)

	var results []fetch.Result
	for r := range ch {
		results = append(results, r)
		if len(results) == 10 {
			cancel()
		}
	}

	assert.Less(t, len(results), 100000)
	for _, r := range results {
		assert.NotEqual(t, fetch.Failed, r.Kind)
	}
}

func TestEngine_RateLimit(t *testing.T) {
	src := newFakeSource(found)
	opts := testOptions(8)
	opts.RequestsPerSecond = 100
	opts.Burst = 1
	engine := fetch.NewEngine(src, opts)

	start := time.Now()
	results := collect(engine.Stream(context.Background(), 1, 11))

	assert.Len(t, results, 10)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestEngine_Fetch(t *testing.T) {
	src := newFakeSource(func(id int64, call int) (*item.Item, error) { return nil, nil })
	engine := fetch.NewEngine(src, testOptions(1))

	res, ok := engine.Fetch(context.Background(), 42)
	require.True(t, ok)
	assert.Equal(t, fetch.Absent, res.Kind)
	assert.Equal(t, int64(42), res.ID)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "found", fetch.Found.String())
	assert.Equal(t, "absent", fetch.Absent.String())
	assert.Equal(t, "failed", fetch.Failed.String())
}
