package workqueue

import (
	"context"
	"log"
	"time"
)

// Janitor periodically calls RecoverOrphans so orphan recovery happens even
// when no worker is actively polling.
type Janitor struct {
	queue        WorkQueue
	interval     time.Duration
	claimTimeout time.Duration
}

func NewJanitor(q WorkQueue, interval, claimTimeout time.Duration) *Janitor {
	return &Janitor{queue: q, interval: interval, claimTimeout: claimTimeout}
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
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	recovered, err := j.queue.RecoverOrphans(ctx, j.claimTimeout)
	if err != nil {
		log.Printf("[WORKQUEUE JANITOR] recover_orphans failed: %v", err)
		return
	}
	if len(recovered) > 0 {
		log.Printf("[WORKQUEUE JANITOR] recovered %d orphaned claim(s): %v", len(recovered), recovered)
	}
}
