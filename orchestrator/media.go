package orchestrator

import (
	"context"
	"time"

	"github.com/conduitgw/gateway/taskstore"
)

const (
	videoDownloadTimeout = 15 * time.Minute
	imageDownloadTimeout = 2 * time.Minute
)

// placeMedia implements spec §4.8 step 5: an inline result is uploaded
// directly; an external-URL result is streamed down and re-uploaded so
// the final record only ever points at our own storage. On any failure
// the caller keeps the provider's original URL, per spec.
func (o *Orchestrator) placeMedia(ctx context.Context, task *taskstore.Task, result ProviderResult) (ProviderResult, error) {
	if o.storage == nil {
		return result, nil
	}
	if result.MediaInline != nil {
		url, err := o.storage.UploadInline(ctx, task.ID, result.MediaInline, result.InlineBytes)
		if err != nil {
			return result, err
		}
		result.MediaURL = url
		result.MediaInline = nil
		return result, nil
	}
	if result.MediaURL == "" {
		return result, nil
	}

	timeout := imageDownloadTimeout
	if result.IsVideo {
		timeout = videoDownloadTimeout
	}
	url, err := o.storage.UploadFromURL(ctx, task.ID, result.MediaURL, timeout)
	if err != nil {
		return result, err
	}
	result.MediaURL = url
	return result, nil
}
