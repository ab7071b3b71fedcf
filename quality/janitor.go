package quality

import (
	"context"
	"log"
	"time"
)

// Janitor periodically prunes samples older than WindowRetention, following
// the same ticker-driven sweep shape workqueue.Janitor uses for orphaned
// claims.
type Janitor struct {
	tracker  *Tracker
	interval time.Duration
}

func NewJanitor(t *Tracker, interval time.Duration) *Janitor {
	return &Janitor{tracker: t, interval: interval}
}

func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := j.tracker.Prune(now); removed > 0 {
				log.Printf("[QUALITY JANITOR] pruned %d sample(s) older than %s", removed, WindowRetention)
			}
		}
	}
}
