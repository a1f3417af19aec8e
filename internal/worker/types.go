package worker

import (
	"context"

	"hnharvest/features/queue"
	"hnharvest/internal/batch"
	"hnharvest/internal/fetch"
)

type Streamer interface {
	Stream(ctx context.Context, start, end int64) <-chan fetch.Result
}

type Drainer interface {
	Drain(ctx context.Context, chunk *queue.Chunk, results <-chan fetch.Result) (batch.Stats, error)
	Flushing() bool
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type State int32

const (
	StateIdle State = iota
	StateClaiming
	StateFetching
	StateFlushing
	StateCompleting
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaiming:
		return "claiming"
	case StateFetching:
		return "fetching"
	case StateFlushing:
		return "flushing"
	case StateCompleting:
		return "completing"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}
