package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// EventPublisher wraps payloads in a versioned envelope and hands them to
// the producer.
type EventPublisher struct {
	Producer *Producer
	Service  string
}

func (p *EventPublisher) Publish(ctx context.Context, eventType, orderID string, payload any) {
	ev := events.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.Service,
		TraceID:       middleware.GetReqID(ctx),
		CorrelationID: orderID,
		Payload:       MustMarshal(payload),
	}
	p.Producer.Publish(events.PartitionKey(orderID), MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(ev.EventVersion))},
	)
}

var _ events.Publisher = (*EventPublisher)(nil)
