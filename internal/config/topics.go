package config

const (
	// TopicChunkDone is the NSQ topic announcing a chunk reached done.
	TopicChunkDone = "harvest.chunk.done"

	// TopicItemFailed is the NSQ topic for item ids that exhausted their fetch retries.
	TopicItemFailed = "harvest.item.failed"
)
