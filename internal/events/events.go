package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentConfirmed   = "PaymentConfirmed"
	EventLowStock           = "LowStock"
)

// TopicOrderEvents carries every order lifecycle event, keyed by order id so
// one order's events stay ordered.
const TopicOrderEvents = "pharmacy.order.events"

func PartitionKey(orderID string) []byte { return []byte(orderID) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderCreatedPayload struct {
	OrderID string          `json:"order_id"`
	UserID  string          `json:"user_id"`
	Total   decimal.Decimal `json:"total"`
	Items   int             `json:"items"`
}

type OrderStatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Notes   string `json:"notes,omitempty"`
}

type PaymentConfirmedPayload struct {
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type LowStockPayload struct {
	DrugID    string `json:"drug_id"`
	Name      string `json:"name"`
	Remaining int    `json:"remaining"`
}

// Publisher emits events after the owning transaction has committed.
// Delivery is best effort; the database rows are the source of truth.
type Publisher interface {
	Publish(ctx context.Context, eventType, orderID string, payload any)
}

type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

type Recorded struct {
	Type    string
	OrderID string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, eventType, orderID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Recorded{Type: eventType, OrderID: orderID, Payload: payload})
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}
