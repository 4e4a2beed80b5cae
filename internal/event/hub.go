package event

import (
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"

	"github.com/waypost/engine/pkg/api"
)

type (
	// Publisher is anything session events can be pushed into
	Publisher interface {
		Publish(*api.SessionEvent)
	}

	// Hub fans session events out to any number of consumers, one per
	// connected websocket client
	Hub struct {
		topic topic.Topic[*api.SessionEvent]
		prod  topic.Producer[*api.SessionEvent]
	}

	// Multi forwards every event to all of its publishers
	Multi []Publisher
)

// NewHub creates a fan-out hub for session events
func NewHub() *Hub {
	t := caravan.NewTopic[*api.SessionEvent]()
	return &Hub{
		topic: t,
		prod:  t.NewProducer(),
	}
}

// Publish pushes one event to every connected consumer
func (h *Hub) Publish(ev *api.SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.prod.Send() <- ev
}

// NewConsumer registers a new consumer receiving all subsequent events.
// The caller owns the consumer and must Close it
func (h *Hub) NewConsumer() topic.Consumer[*api.SessionEvent] {
	return h.topic.NewConsumer()
}

// Close stops the hub's producer
func (h *Hub) Close() {
	h.prod.Close()
}

// Publish forwards the event to every publisher in order
func (m Multi) Publish(ev *api.SessionEvent) {
	for _, p := range m {
		p.Publish(ev)
	}
}
