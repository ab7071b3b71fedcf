package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/conduitgw/gateway/observability"
)

// LogPublisher is the degraded-mode fallback when Redis pub/sub is
// unreachable: it never fans out to subscribers, only logs. It never
// fails; the caller's own state transition always wins over bus delivery.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic Topic, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(string(topic)).Inc()
		return err
	}

	event := Event{
		ID:        newEventID(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "conduit-gateway",
	}
	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[EVENTBUS] PUBLISH %s: %s", topic, string(eventBytes))
	observability.EventsPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[EVENTBUS] closed LogPublisher")
	return nil
}

func newEventID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
