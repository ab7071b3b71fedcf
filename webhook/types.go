// Package webhook implements C9: outbound notification delivery for
// task lifecycle events, with per-delivery dedup and a 4xx-except-
// retryable-codes terminal policy.
package webhook

import (
	"encoding/json"
	"strconv"
	"time"
)

// DeliveryRequest is the WebhookDeliveryRequested payload. Body is
// pre-rendered by the publishing component (Orchestrator or Progress
// Tracker) since each knows the event-specific fields spec §6 lists;
// the dispatcher itself only handles transport, retries, and signing.
type DeliveryRequest struct {
	TaskID      string            `json:"task_id"`
	TaskType    string            `json:"task_type"`
	EventType   string            `json:"event_type"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body"`
	RequestedAt time.Time         `json:"requested_at"`
}

// DedupKey implements spec §4.9's dedup key, bucketing RequestedAt into
// a coarse slot so retried-but-logically-identical deliveries collapse
// to the same key while genuinely distinct events (even for the same
// task+event type, like two TaskProgress updates) do not.
const timestampSlotWidth = 5 * time.Second

func (d DeliveryRequest) DedupKey() string {
	slot := d.RequestedAt.Truncate(timestampSlotWidth).Unix()
	return d.TaskType + "-" + d.TaskID + "-" + d.EventType + "-" + strconv.FormatInt(slot, 10)
}
