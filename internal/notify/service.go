// Package notify consumes order events after commit and refreshes the read
// caches that depend on them.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	kafkax "github.com/ariefcatur/go-pharmacy-orders/internal/kafka"
	"github.com/ariefcatur/go-pharmacy-orders/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
)

type Deduper interface {
	Claim(ctx context.Context, consumer, eventID string) (bool, error)
}

type StatusCache interface {
	Set(ctx context.Context, orderID string, st domain.Status, at time.Time)
}

type SummaryCache interface {
	InvalidateSummary(ctx context.Context)
}

// Alerter receives low stock alerts. The default only logs.
type Alerter interface {
	LowStock(ctx context.Context, p events.LowStockPayload)
}

type Service struct {
	Dedup       Deduper
	Status      StatusCache
	Summary     SummaryCache
	Alerts      Alerter
	ServiceName string
}

// HandleEvent is installed as the consumer handler.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		metrics.RecordEventConsumed("unknown", "malformed")
		return err
	}

	if s.Dedup != nil {
		won, err := s.Dedup.Claim(ctx, s.ServiceName, env.EventID)
		if err != nil {
			log.Printf("dedup %s: %v", env.EventID, err)
		} else if !won {
			metrics.RecordEventConsumed(env.EventType, "duplicate")
			return nil
		}
	}

	switch env.EventType {
	case events.EventOrderCreated:
		err = s.orderCreated(ctx, env)
	case events.EventOrderStatusChanged:
		err = s.statusChanged(ctx, env)
	case events.EventPaymentConfirmed:
		err = s.paymentConfirmed(ctx, env)
	case events.EventLowStock:
		err = s.lowStock(ctx, env)
	default:
		metrics.RecordEventConsumed(env.EventType, "ignored")
		return nil
	}
	if err != nil {
		metrics.RecordEventConsumed(env.EventType, "error")
		return err
	}
	metrics.RecordEventConsumed(env.EventType, "ok")
	return nil
}

func (s *Service) orderCreated(ctx context.Context, env events.Envelope) error {
	p, err := kafkax.UnwrapPayload[events.OrderCreatedPayload](env.Payload)
	if err != nil {
		return err
	}
	log.Printf("new order placed: order=%s user=%s total=%s items=%d", p.OrderID, p.UserID, p.Total, p.Items)
	if s.Status != nil {
		s.Status.Set(ctx, p.OrderID, domain.StatusPending, env.OccurredAt)
	}
	return nil
}

func (s *Service) statusChanged(ctx context.Context, env events.Envelope) error {
	p, err := kafkax.UnwrapPayload[events.OrderStatusChangedPayload](env.Payload)
	if err != nil {
		return err
	}
	log.Printf("order %s: %s -> %s", p.OrderID, p.From, p.To)
	if s.Status != nil {
		s.Status.Set(ctx, p.OrderID, domain.Status(p.To), env.OccurredAt)
	}
	if s.Summary != nil {
		s.Summary.InvalidateSummary(ctx)
	}
	return nil
}

func (s *Service) paymentConfirmed(ctx context.Context, env events.Envelope) error {
	p, err := kafkax.UnwrapPayload[events.PaymentConfirmedPayload](env.Payload)
	if err != nil {
		return err
	}
	log.Printf("payment successful: ref=%s order=%s amount=%s %s", p.Reference, p.OrderID, p.Amount, p.Currency)
	if s.Summary != nil {
		s.Summary.InvalidateSummary(ctx)
	}
	return nil
}

func (s *Service) lowStock(ctx context.Context, env events.Envelope) error {
	p, err := kafkax.UnwrapPayload[events.LowStockPayload](env.Payload)
	if err != nil {
		return err
	}
	if s.Alerts != nil {
		s.Alerts.LowStock(ctx, p)
		return nil
	}
	log.Printf("low stock alert: %s is running low (%d remaining)", p.Name, p.Remaining)
	return nil
}
