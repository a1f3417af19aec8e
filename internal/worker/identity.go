package worker

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"hnharvest/internal/batch"
)

const (
	ExitOK               = 0
	ExitStoreUnavailable = 2
	ExitFatal            = 3
)

var (
	ErrStoreUnavailable = errors.New("work queue store unavailable")
	ErrInterrupted      = batch.ErrInterrupted
)

// Identity names this process in claimed_by columns and logs.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), time.Now().Unix(), uuid.NewString()[:8])
}

// ExitCode maps the result of Loop.Run to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrInterrupted):
		return ExitOK
	case errors.Is(err, ErrStoreUnavailable):
		return ExitStoreUnavailable
	default:
		return ExitFatal
	}
}
