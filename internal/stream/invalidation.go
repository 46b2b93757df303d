package stream

// TopicInvalidate is the event bus topic that carries Invalidation notices.
const TopicInvalidate = "runs.invalidate"

// Invalidation tells cached run queries that a lifecycle event was observed.
// It is published once per appended run.* event.
type Invalidation struct {
	RunID     string `json:"run_id"`
	EventType string `json:"event_type"`
	Seq       uint64 `json:"seq"`
}
