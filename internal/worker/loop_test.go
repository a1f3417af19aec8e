package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hnharvest/features/failure"
	"hnharvest/features/queue"
	"hnharvest/internal/batch"
	"hnharvest/internal/config"
	"hnharvest/internal/fetch"
	"hnharvest/internal/worker"
)

type MockClaimer struct{ mock.Mock }

func (m *MockClaimer) ClaimNext(ctx context.Context, workerID string) (*queue.Chunk, error) {
	args := m.Called(ctx, workerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Chunk), args.Error(1)
}

func (m *MockClaimer) Complete(ctx context.Context, chunkID int64) error {
	args := m.Called(ctx, chunkID)
	return args.Error(0)
}

type stubEngine struct{}

func (stubEngine) Stream(ctx context.Context, start, end int64) <-chan fetch.Result {
	ch := make(chan fetch.Result)
	close(ch)
	return ch
}

type stubWriter struct {
	mu     sync.Mutex
	stats  batch.Stats
	err    error
	drains []int64
	block  bool
}

func (w *stubWriter) Drain(ctx context.Context, chunk *queue.Chunk, results <-chan fetch.Result) (batch.Stats, error) {
	w.mu.Lock()
	w.drains = append(w.drains, chunk.ID)
	w.mu.Unlock()
	for range results {
	}
	if w.block {
		<-ctx.Done()
		return w.stats, batch.ErrInterrupted
	}
	return w.stats, w.err
}

func (w *stubWriter) Flushing() bool { return false }

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (p *recordingPublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func loopOptions() worker.Options {
	return worker.Options{
		WorkerID:            "w-test",
		StoreMaxRetries:     2,
		StoreBackoffInitial: time.Millisecond,
		StoreBackoffMax:     2 * time.Millisecond,
	}
}

func TestLoop_Drained(t *testing.T) {
	claimer := new(MockClaimer)
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(nil, nil).Once()

	loop := worker.NewLoop(claimer, stubEngine{}, &stubWriter{}, nil, loopOptions())
	err := loop.Run(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, worker.StateDrained, loop.State())
	claimer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestLoop_CompletesAfterDrain(t *testing.T) {
	claimer := new(MockClaimer)
	c1 := &queue.Chunk{ID: 1, StartID: 1, EndID: 11}
	c2 := &queue.Chunk{ID: 11, StartID: 11, EndID: 21}
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(c1, nil).Once()
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(c2, nil).Once()
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(nil, nil).Once()
	claimer.On("Complete", mock.Anything, int64(1)).Return(nil).Once()
	claimer.On("Complete", mock.Anything, int64(11)).Return(nil).Once()

	writer := &stubWriter{stats: batch.Stats{Found: 8, Absent: 1, Failed: 1, Batches: 1}}
	pub := &recordingPublisher{}
	loop := worker.NewLoop(claimer, stubEngine{}, writer, pub, loopOptions())

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []int64{1, 11}, writer.drains)
	claimer.AssertExpectations(t)

	require.Len(t, pub.topics, 2)
	assert.Equal(t, config.TopicChunkDone, pub.topics[0])
	var ev worker.ChunkDoneEvent
	require.NoError(t, json.Unmarshal(pub.bodies[0], &ev))
	assert.Equal(t, int64(1), ev.ChunkID)
	assert.Equal(t, "w-test", ev.WorkerID)
	assert.Equal(t, 8, ev.Found)
	assert.Equal(t, 1, ev.Failed)
}

func TestLoop_FlushFailureLeavesChunkClaimed(t *testing.T) {
	claimer := new(MockClaimer)
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(&queue.Chunk{ID: 1, StartID: 1, EndID: 11}, nil).Once()

	writer := &stubWriter{err: fmt.Errorf("%w: connection refused", batch.ErrFlushExhausted)}
	loop := worker.NewLoop(claimer, stubEngine{}, writer, nil, loopOptions())

	err := loop.Run(context.Background())

	assert.ErrorIs(t, err, worker.ErrStoreUnavailable)
	assert.ErrorIs(t, err, batch.ErrFlushExhausted)
	assert.Equal(t, worker.ExitStoreUnavailable, worker.ExitCode(err))
	claimer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestLoop_ClaimRetryExhaustion(t *testing.T) {
	claimer := new(MockClaimer)
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(nil, errors.New("dial tcp: connection refused"))

	loop := worker.NewLoop(claimer, stubEngine{}, &stubWriter{}, nil, loopOptions())
	err := loop.Run(context.Background())

	assert.ErrorIs(t, err, worker.ErrStoreUnavailable)
	assert.Equal(t, worker.ExitStoreUnavailable, worker.ExitCode(err))
	claimer.AssertNumberOfCalls(t, "ClaimNext", 3)
}

func TestLoop_ClaimRecoversAfterTransientError(t *testing.T) {
	claimer := new(MockClaimer)
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(nil, errors.New("connection reset")).Once()
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(nil, nil).Once()

	loop := worker.NewLoop(claimer, stubEngine{}, &stubWriter{}, nil, loopOptions())

	assert.NoError(t, loop.Run(context.Background()))
}

func TestLoop_CompleteRetryExhaustion(t *testing.T) {
	claimer := new(MockClaimer)
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(&queue.Chunk{ID: 1, StartID: 1, EndID: 2}, nil).Once()
	claimer.On("Complete", mock.Anything, int64(1)).Return(errors.New("connection reset"))

	loop := worker.NewLoop(claimer, stubEngine{}, &stubWriter{}, nil, loopOptions())
	err := loop.Run(context.Background())

	assert.ErrorIs(t, err, worker.ErrStoreUnavailable)
	claimer.AssertNumberOfCalls(t, "Complete", 3)
}

func TestLoop_CompleteOnPendingChunkIsFatal(t *testing.T) {
	claimer := new(MockClaimer)
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(&queue.Chunk{ID: 1, StartID: 1, EndID: 2}, nil).Once()
	claimer.On("Complete", mock.Anything, int64(1)).Return(queue.ErrNotClaimed).Once()

	loop := worker.NewLoop(claimer, stubEngine{}, &stubWriter{}, nil, loopOptions())
	err := loop.Run(context.Background())

	assert.ErrorIs(t, err, queue.ErrNotClaimed)
	assert.Equal(t, worker.ExitFatal, worker.ExitCode(err))
}

func TestLoop_InterruptDoesNotComplete(t *testing.T) {
	claimer := new(MockClaimer)
	claimer.On("ClaimNext", mock.Anything, "w-test").Return(&queue.Chunk{ID: 1, StartID: 1, EndID: 11}, nil).Once()

	writer := &stubWriter{block: true}
	loop := worker.NewLoop(claimer, stubEngine{}, writer, nil, loopOptions())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.State() == worker.StateFetching }, time.Second, time.Millisecond)
	cancel()

	err := <-errc
	assert.ErrorIs(t, err, worker.ErrInterrupted)
	assert.Equal(t, worker.ExitOK, worker.ExitCode(err))
	claimer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestLoop_CancelledBeforeClaim(t *testing.T) {
	claimer := new(MockClaimer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := worker.NewLoop(claimer, stubEngine{}, &stubWriter{}, nil, loopOptions())

	assert.ErrorIs(t, loop.Run(ctx), worker.ErrInterrupted)
	claimer.AssertNotCalled(t, "ClaimNext", mock.Anything, mock.Anything)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, worker.ExitCode(nil))
	assert.Equal(t, 0, worker.ExitCode(worker.ErrInterrupted))
	assert.Equal(t, 2, worker.ExitCode(fmt.Errorf("wrap: %w", worker.ErrStoreUnavailable)))
	assert.Equal(t, 3, worker.ExitCode(errors.New("disk full")))
}

func TestIdentity(t *testing.T) {
	a := worker.Identity()
	b := worker.Identity()

	assert.Regexp(t, regexp.MustCompile(`^.+-\d+-\d+-[0-9a-f]{8}$`), a)
	assert.NotEqual(t, a, b)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "claiming", worker.StateClaiming.String())
	assert.Equal(t, "flushing", worker.StateFlushing.String())
	assert.Equal(t, "drained", worker.StateDrained.String())
}

type savingRecorder struct {
	saved []failure.Failure
	err   error
}

func (s *savingRecorder) SaveBatch(ctx context.Context, failures []failure.Failure) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, failures...)
	return nil
}

func TestFailureRecorder_PublishesAfterSave(t *testing.T) {
	next := &savingRecorder{}
	pub := &recordingPublisher{}
	rec := worker.NewFailureRecorder(next, pub)

	err := rec.SaveBatch(context.Background(), []failure.Failure{
		{ItemID: 5, ChunkID: 1, WorkerID: "w", Error: "timeout"},
		{ItemID: 6, ChunkID: 1, WorkerID: "w", Error: "503"},
	})

	require.NoError(t, err)
	assert.Len(t, next.saved, 2)
	assert.Equal(t, []string{config.TopicItemFailed, config.TopicItemFailed}, pub.topics)

	var ev worker.ItemFailedEvent
	require.NoError(t, json.Unmarshal(pub.bodies[1], &ev))
	assert.Equal(t, int64(6), ev.ItemID)
	assert.Equal(t, "503", ev.Error)
}

func TestFailureRecorder_SaveErrorSkipsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	rec := worker.NewFailureRecorder(&savingRecorder{err: errors.New("db down")}, pub)

	err := rec.SaveBatch(context.Background(), []failure.Failure{{ItemID: 1}})

	assert.Error(t, err)
	assert.Empty(t, pub.topics)
}
