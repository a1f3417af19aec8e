package queue

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
)

var (
	ErrChunkNotFound = errors.New("chunk not found")
	ErrNotClaimed    = errors.New("chunk is not claimed")
)

// Chunk is the half-open id range [StartID, EndID). ID equals StartID.
type Chunk struct {
	ID          int64      `json:"chunk_id"`
	StartID     int64      `json:"start_id"`
	EndID       int64      `json:"end_id"`
	Status      Status     `json:"status"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

func (c Chunk) Len() int64 {
	return c.EndID - c.StartID
}

func (c Chunk) Contains(id int64) bool {
	return id >= c.StartID && id < c.EndID
}

type Progress struct {
	Done    int64 `json:"chunks_done"`
	Claimed int64 `json:"chunks_claimed"`
	Total   int64 `json:"chunks_total"`
}

func (p Progress) Drained() bool {
	return p.Total > 0 && p.Done == p.Total
}

// Partition splits [1, total] into ceil(total/size) contiguous chunks. The
// last chunk is truncated so the union is exactly the id space.
func Partition(total, size int64) []Chunk {
	if total <= 0 || size <= 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (total+size-1)/size)
	for start := int64(1); start <= total; start += size {
		end := start + size
		if end > total+1 {
			end = total + 1
		}
		chunks = append(chunks, Chunk{ID: start, StartID: start, EndID: end, Status: StatusPending})
	}
	return chunks
}

// Store is the dispatcher's view of the queue.
type Store interface {
	Seed(ctx context.Context, total, size int64) (int64, error)
	Progress(ctx context.Context) (Progress, error)
	Reset(ctx context.Context) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Claimer is the worker's view of the queue.
type Claimer interface {
	ClaimNext(ctx context.Context, workerID string) (*Chunk, error)
	Complete(ctx context.Context, chunkID int64) error
}
