package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ProcessLauncher starts each worker as a child process running the
// worker subcommand of the current binary.
type ProcessLauncher struct {
	path string
	args []string
	env  []string
}

func NewProcessLauncher(args ...string) (*ProcessLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if len(args) == 0 {
		args = []string{"worker"}
	}
	return &ProcessLauncher{path: path, args: args}, nil
}

// SetEnv appends KEY=value pairs to the inherited environment of every worker.
func (l *ProcessLauncher) SetEnv(env ...string) {
	l.env = append(l.env, env...)
}

func (l *ProcessLauncher) Launch(ctx context.Context, slot int) (Handle, error) {
	cmd := exec.Command(l.path, l.args...)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("HNHARVEST_WORKER_SLOT=%d", slot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &processHandle{cmd: cmd}, nil
}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (h *processHandle) Stop() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(os.Interrupt)
	}
}

// FuncLauncher runs each worker as a goroutine inside the dispatcher
// process. The function returns the worker's exit status.
type FuncLauncher func(ctx context.Context, slot int) int

func (f FuncLauncher) Launch(ctx context.Context, slot int) (Handle, error) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &funcHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.code = f(wctx, slot)
	}()
	return h, nil
}

type funcHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	code   int
}

func (h *funcHandle) Wait() (int, error) {
	<-h.done
	h.cancel()
	return h.code, nil
}

func (h *funcHandle) Stop() {
	h.cancel()
}
