// Package orchestrator implements C8: the task lifecycle driver consuming
// TaskClaimed events and running each task through provider dispatch,
// cost accounting, and terminal-state publication.
package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/conduitgw/gateway/costengine"
)

// ProviderRequest is the typed request payload reconstructed from a
// task's raw JSON metadata, handling the legacy wrapper where the
// original metadata is nested under "originalMetadata".
type ProviderRequest struct {
	Provider string
	Model    string
	Params   map[string]interface{}
}

// ProviderResult is what a provider adapter returns for a completed call.
// MediaURL/MediaInline cover the two possible shapes of a media result;
// exactly one is populated for media task types.
type ProviderResult struct {
	Structured   map[string]interface{}
	MediaURL     string
	MediaInline  io.Reader
	InlineBytes  int64
	IsVideo      bool
	Confidence   float64
	Accuracy     float64
	WordErrorRate float64
	UnitCount    float64 // seconds of audio for transcription, characters for TTS; realtime usage is read from Structured
}

// ProviderAdapter is the external collaborator that actually calls a
// provider's API. Concrete adapters (OpenAI, ElevenLabs, etc.) are out of
// scope here per spec §1; this interface is the orchestrator's only
// contact point with them.
type ProviderAdapter interface {
	Invoke(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// MediaStorage uploads a media result to durable storage and returns the
// gateway's own URL, replacing the provider's URL in the final record.
// An external collaborator, out of scope per spec §1.
type MediaStorage interface {
	UploadInline(ctx context.Context, taskID string, data io.Reader, size int64) (url string, err error)
	UploadFromURL(ctx context.Context, taskID string, sourceURL string, timeout time.Duration) (url string, err error)
}

// QuotaChecker validates a virtual key has remaining quota before a
// provider is invoked. An external collaborator, out of scope per
// spec §1 (the ledger and balance mutation live outside this gateway).
type QuotaChecker interface {
	HasQuota(ctx context.Context, virtualKeyID string) (bool, error)
}

// Charger applies a computed cost against a virtual key's balance. An
// external collaborator; the ledger itself owns balance mutation per
// spec §4.8 step 6.
type Charger interface {
	Charge(ctx context.Context, virtualKeyID string, idempotencyKey string, amount costengine.Money) error
}

// ProgressStarter begins C10's synthetic checkpoint tracking for a task
// that just entered Processing. Satisfied by progress.Tracker; optional,
// a nil tracker leaves tasks to report progress only via their own
// UpdateProgress calls (native reporters) or not at all.
type ProgressStarter interface {
	Track(ctx context.Context, taskID, taskType string)
}
