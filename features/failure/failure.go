package failure

import "time"

// Failure is an item id whose fetch exhausted its retries. One row per item id;
// Retries counts how many times the id failed again after the first record.
type Failure struct {
	ID        int64     `json:"id"`
	ItemID    int64     `json:"item_id"`
	ChunkID   int64     `json:"chunk_id"`
	WorkerID  string    `json:"worker_id"`
	Error     string    `json:"error"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
}
