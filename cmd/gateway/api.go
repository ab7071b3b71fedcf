package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/idempotency"
	"github.com/conduitgw/gateway/middleware"
	"github.com/conduitgw/gateway/taskstore"
	"github.com/conduitgw/gateway/workqueue"
)

// API holds the collaborators the task lifecycle HTTP surface needs.
// Everything heavier (provider dispatch, cost accounting) lives behind
// the orchestrator, reached only via the work queue and event bus.
type API struct {
	store       taskstore.Store
	queue       workqueue.WorkQueue
	publisher   eventbus.Publisher
	idempotency *idempotency.Store
}

func NewAPI(store taskstore.Store, queue workqueue.WorkQueue, publisher eventbus.Publisher, idemStore *idempotency.Store) *API {
	return &API{store: store, queue: queue, publisher: publisher, idempotency: idemStore}
}

// bufferingRecorder captures a handler's response into memory instead of
// writing through, so withIdempotency can cache and replay it verbatim
// regardless of whether this call executed the handler or hit the cache.
type bufferingRecorder struct {
	header     http.Header
	statusCode int
	body       []byte
}

func newBufferingRecorder() *bufferingRecorder {
	return &bufferingRecorder{header: make(http.Header), statusCode: http.StatusOK}
}

func (r *bufferingRecorder) Header() http.Header         { return r.header }
func (r *bufferingRecorder) WriteHeader(code int)        { r.statusCode = code }
func (r *bufferingRecorder) Write(b []byte) (int, error) { r.body = append(r.body, b...); return len(b), nil }

// withIdempotency guards POST /tasks against a retried HTTP call spawning
// two independent task lifecycles, per spec's opt-in Idempotency-Key
// header contract. A request with no key bypasses the store entirely.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		resp, err := a.idempotency.Execute(r.Context(), key, func(ctx context.Context) (idempotency.Response, error) {
			rec := newBufferingRecorder()
			next(rec, r.WithContext(ctx))
			headers := make(map[string]string, len(rec.header))
			for k := range rec.header {
				headers[k] = rec.header.Get(k)
			}
			return idempotency.Response{StatusCode: rec.statusCode, Body: rec.body, Headers: headers}, nil
		})
		if err != nil {
			http.Error(w, "idempotent request processing failed", http.StatusInternalServerError)
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

type createTaskRequest struct {
	Type           string            `json:"type"`
	VirtualKey     string            `json:"virtual_key"`
	Payload        json.RawMessage   `json:"payload"`
	Webhook        string            `json:"webhook,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

var validTaskTypes = map[taskstore.TaskType]bool{
	taskstore.TypeTranscription: true,
	taskstore.TypeTTS:           true,
	taskstore.TypeImage:         true,
	taskstore.TypeVideo:         true,
	taskstore.TypeRealtime:      true,
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	taskType := taskstore.TaskType(req.Type)
	if !validTaskTypes[taskType] {
		http.Error(w, "type must be one of transcription, tts, image, video, realtime", http.StatusBadRequest)
		return
	}

	virtualKey, err := middleware.VirtualKeyFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if req.VirtualKey != "" && req.VirtualKey != virtualKey {
		http.Error(w, "virtual_key does not match X-Virtual-Key header", http.StatusBadRequest)
		return
	}

	task := &taskstore.Task{
		ID:            uuid.NewString(),
		Type:          taskType,
		VirtualKeyID:  virtualKey,
		Payload:       req.Payload,
		State:         taskstore.StatePending,
		MaxRetries:    3,
		WebhookURL:    req.Webhook,
		WebhookHeader: req.WebhookHeaders,
		CorrelationID: req.CorrelationID,
	}

	if err := a.store.Create(r.Context(), task); err != nil {
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	if err := a.queue.Enqueue(r.Context(), &workqueue.WorkItem{TaskID: task.ID, Priority: workqueue.PriorityNormal}); err != nil {
		http.Error(w, "failed to enqueue task", http.StatusInternalServerError)
		return
	}

	a.publisher.Publish(r.Context(), eventbus.TaskCreated, map[string]interface{}{"task_id": task.ID, "type": string(task.Type)})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(createTaskResponse{TaskID: task.ID})
}

// handleTaskByID dispatches GET /tasks/{id} and POST /tasks/{id}/cancel
// by trimming the id out of the trailing path segment.
func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if path == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(path, "/cancel"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.handleCancelTask(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.handleGetTask(w, r, path)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load task", http.StatusInternalServerError)
		return
	}

	virtualKey, err := middleware.VirtualKeyFromContext(r.Context())
	if err == nil && task.VirtualKeyID != virtualKey {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}

// handleCancelTask flips the task to Cancelled if it hasn't reached a
// terminal state yet and returns immediately; the orchestrator observes
// the new state at its next cooperative yield (once the provider call returns) or the next
// time it claims the task (if still Pending), and is what actually
// publishes TaskCancelled and fires the webhook, per spec §5.
func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load task", http.StatusInternalServerError)
		return
	}
	virtualKey, err := middleware.VirtualKeyFromContext(r.Context())
	if err == nil && task.VirtualKeyID != virtualKey {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	if !task.State.IsTerminal() {
		if _, err := a.store.UpdateState(r.Context(), id, taskstore.StateCancelled, "", ""); err != nil && !errors.Is(err, taskstore.ErrTerminalState) {
			http.Error(w, "failed to cancel task", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}
