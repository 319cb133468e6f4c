// Package events carries the queue's wakeup signals over PostgreSQL
// LISTEN/NOTIFY: workers sleep on their poll interval and wake immediately
// when a dispatch is enqueued, cancelled or completed.
package events

import "encoding/json"

// NOTIFY channels.
const (
	// ChannelDispatchCreated wakes idle workers when a dispatch is enqueued.
	ChannelDispatchCreated = "dispatch_created"
	// ChannelDispatchCancel asks the worker owning a running dispatch in the
	// named concurrency group to cancel it at the next action boundary.
	ChannelDispatchCancel = "dispatch_cancel"
	// ChannelDispatchCompleted announces terminal dispatch statuses, for
	// pollers waiting on a result.
	ChannelDispatchCompleted = "dispatch_completed"
)

// DispatchCreatedPayload is the dispatch_created payload.
type DispatchCreatedPayload struct {
	ID               string `json:"id"`
	Job              string `json:"job"`
	ConcurrencyGroup string `json:"concurrency_group"`
}

// DispatchCancelPayload is the dispatch_cancel payload. Every worker
// receives it; the one owning a running dispatch in the group acts.
type DispatchCancelPayload struct {
	ConcurrencyGroup string   `json:"concurrency_group"`
	DispatchIDs      []string `json:"dispatch_ids,omitempty"`
}

// DispatchCompletedPayload is the dispatch_completed payload.
type DispatchCompletedPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
