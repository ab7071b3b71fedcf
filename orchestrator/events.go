package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/conduitgw/gateway/costengine"
	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/taskstore"
	"github.com/conduitgw/gateway/webhook"
)

// resultDocument is the JSON shape persisted as Task.Result on
// completion: the provider's structured fields plus our own storage
// URL, matching the webhook body fields spec §6 shows for each task
// type.
func resultDocument(result ProviderResult, cost costengine.CostResult) map[string]interface{} {
	doc := make(map[string]interface{}, len(result.Structured)+2)
	for k, v := range result.Structured {
		doc[k] = v
	}
	if result.MediaURL != "" {
		doc["url"] = result.MediaURL
	}
	doc["cost"] = cost.TotalCost.Float64()
	return doc
}

func completionEvent(task *taskstore.Task) map[string]interface{} {
	return map[string]interface{}{
		"task_id": task.ID,
		"status":  "completed",
		"result":  json.RawMessage(task.Result),
	}
}

func mediaEvent(task *taskstore.Task, result ProviderResult) map[string]interface{} {
	return map[string]interface{}{
		"task_id":   task.ID,
		"task_type": string(task.Type),
		"url":       result.MediaURL,
		"is_video":  result.IsVideo,
	}
}

func failedEvent(task *taskstore.Task, cause error, retrying bool) map[string]interface{} {
	status := "failed"
	if retrying {
		status = "retrying"
	}
	return map[string]interface{}{
		"task_id": task.ID,
		"status":  status,
		"error":   sanitize(cause.Error()),
	}
}

// webhookRequest renders the event-specific body spec §6 shows for each
// topic, leaving transport (signing, retries, dedup) to the dispatcher.
func webhookRequest(task *taskstore.Task, event eventbus.Topic) webhook.DeliveryRequest {
	eventType := string(event)
	var body map[string]interface{}
	switch eventType {
	case "TaskCompleted":
		body = map[string]interface{}{
			"task_id": task.ID,
			"status":  "completed",
			"result":  json.RawMessage(task.Result),
		}
	case "TaskFailed":
		status := "failed"
		if !task.State.IsTerminal() {
			status = "retrying"
		}
		body = map[string]interface{}{
			"task_id": task.ID,
			"status":  status,
			"error":   task.Error,
		}
	case "TaskCancelled":
		body = map[string]interface{}{
			"task_id": task.ID,
			"status":  "cancelled",
		}
	case "TaskProgress":
		body = map[string]interface{}{
			"task_id":             task.ID,
			"status":              "processing",
			"progress_percentage": task.Progress,
			"message":             task.ProgressMsg,
		}
	default:
		body = map[string]interface{}{"task_id": task.ID}
	}
	encoded, _ := json.Marshal(body)
	return webhook.DeliveryRequest{
		TaskID:      task.ID,
		TaskType:    string(task.Type),
		EventType:   eventType,
		URL:         task.WebhookURL,
		Headers:     task.WebhookHeader,
		Body:        encoded,
		RequestedAt: time.Now(),
	}
}
