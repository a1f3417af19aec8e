package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hnharvest/internal/dispatcher"
	"hnharvest/internal/worker"
)

func TestFuncLauncher_ReturnsExitCode(t *testing.T) {
	l := dispatcher.FuncLauncher(func(ctx context.Context, slot int) int {
		return slot + 1
	})

	h, err := l.Launch(context.Background(), 2)
	require.NoError(t, err)

	code, err := h.Wait()
	assert.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestFuncLauncher_StopCancelsWorker(t *testing.T) {
	l := dispatcher.FuncLauncher(func(ctx context.Context, slot int) int {
		<-ctx.Done()
		return worker.ExitOK
	})

	h, err := l.Launch(context.Background(), 0)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		code, _ := h.Wait()
		done <- code
	}()
	h.Stop()

	select {
	case code := <-done:
		assert.Equal(t, worker.ExitOK, code)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestFuncLauncher_IgnoresLaunchContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	l := dispatcher.FuncLauncher(func(wctx context.Context, slot int) int {
		close(started)
		select {
		case <-wctx.Done():
			return 1
		case <-time.After(20 * time.Millisecond):
			return 0
		}
	})

	h, err := l.Launch(ctx, 0)
	require.NoError(t, err)
	<-started
	cancel()

	code, _ := h.Wait()
	assert.Equal(t, 0, code, "only Stop interrupts a worker")
}
