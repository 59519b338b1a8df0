// Package orders owns the order lifecycle: creation in PENDING and the
// allowed status transitions after it.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	"github.com/ariefcatur/go-pharmacy-orders/internal/metrics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyOrder        = errors.New("order has no items")
	ErrInvalidItem       = errors.New("invalid order item")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOrderNotFound     = errors.New("order not found")
)

type ItemInput struct {
	DrugID   string          `json:"drugId"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type Service struct {
	Store  store.Store
	Retry  retry.Policy
	Events events.Publisher
	Now    func() time.Time
	NewID  func() string
}

func NewService(st store.Store, p retry.Policy, pub events.Publisher) *Service {
	return &Service{Store: st, Retry: p, Events: pub}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) publisher() events.Publisher {
	if s.Events == nil {
		return events.Nop{}
	}
	return s.Events
}

// ValidateItems checks the cart shape without touching the store.
func ValidateItems(items []ItemInput) error {
	if len(items) == 0 {
		return retry.Permanent(ErrEmptyOrder)
	}
	for i, it := range items {
		if it.DrugID == "" {
			return retry.Permanent(fmt.Errorf("%w: item %d has no drug id", ErrInvalidItem, i))
		}
		if it.Quantity <= 0 {
			return retry.Permanent(fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidItem, it.DrugID))
		}
		if it.Price.IsNegative() {
			return retry.Permanent(fmt.Errorf("%w: negative price for %s", ErrInvalidItem, it.DrugID))
		}
	}
	return nil
}

// Create inserts a PENDING order with its items, the first status log row
// and a "new order" notification in one transaction.
func (s *Service) Create(ctx context.Context, userID, addressID string, items []ItemInput) (*domain.Order, error) {
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	now := s.now()
	o := &domain.Order{
		ID:        s.newID(),
		UserID:    userID,
		AddressID: addressID,
		Status:    domain.StatusPending,
		Total:     decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, it := range items {
		item := domain.OrderItem{
			ID:       s.newID(),
			OrderID:  o.ID,
			DrugID:   it.DrugID,
			Quantity: it.Quantity,
			Price:    it.Price,
		}
		o.Items = append(o.Items, item)
		o.Total = o.Total.Add(item.Subtotal())
	}
	created := domain.StatusLog{ID: s.newID(), OrderID: o.ID, Status: domain.StatusPending, Notes: "Order created", CreatedAt: now}
	o.StatusLogs = []domain.StatusLog{created}

	err := s.Retry.Named("create order").Do(ctx, func(ctx context.Context) error {
		return s.Store.WithTx(ctx, func(q store.Queries) error {
			if err := q.InsertOrder(ctx, o); err != nil {
				return fmt.Errorf("insert order: %w", err)
			}
			if err := q.InsertStatusLog(ctx, created); err != nil {
				return fmt.Errorf("insert status log: %w", err)
			}
			return q.InsertNotification(ctx, domain.Notification{
				ID:        s.newID(),
				Title:     "New Order Placed",
				Message:   fmt.Sprintf("Order #%s has been created and is pending payment.", o.ID),
				Type:      domain.NotificationOrderStatus,
				Metadata:  map[string]any{"orderId": o.ID},
				CreatedAt: now,
			})
		})
	})
	metrics.RecordOrderOperation("create", err == nil)
	if err != nil {
		return nil, err
	}

	log.Printf("order %s created for user %s total=%s", o.ID, userID, o.Total.StringFixed(2))
	s.publisher().Publish(ctx, events.EventOrderCreated, o.ID, events.OrderCreatedPayload{
		OrderID: o.ID, UserID: userID, Total: o.Total, Items: o.UnitsSold(),
	})
	return o, nil
}

// UpdateStatus moves an order to next if the transition table allows it.
// It writes a status log row and a notification; it never touches stock.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, next domain.Status, notes string) (*domain.Order, error) {
	if notes == "" {
		notes = fmt.Sprintf("Order status updated to %s", next)
	}
	var (
		out  *domain.Order
		from domain.Status
	)
	err := s.Retry.Named("update order status").Do(ctx, func(ctx context.Context) error {
		return s.Store.WithTx(ctx, func(q store.Queries) error {
			o, err := Transition(ctx, q, orderID, next, notes, s.now(), s.newID)
			if err != nil {
				return err
			}
			from = o.Status
			now := s.now()
			if err := q.InsertNotification(ctx, domain.Notification{
				ID:        s.newID(),
				UserID:    o.UserID,
				Title:     "Order Status Updated",
				Message:   fmt.Sprintf("Order #%s status has been updated to %s", orderID, next),
				Type:      domain.NotificationOrderStatus,
				Metadata:  map[string]any{"orderId": orderID, "status": string(next)},
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
			o.Status = next
			o.UpdatedAt = now
			logs, err := q.ListStatusLogs(ctx, orderID)
			if err != nil {
				return err
			}
			o.StatusLogs = logs
			out = o
			return nil
		})
	})
	metrics.RecordOrderOperation("update_status", err == nil)
	if err != nil {
		return nil, err
	}

	log.Printf("order %s: %s -> %s", orderID, from, next)
	s.publisher().Publish(ctx, events.EventOrderStatusChanged, orderID, events.OrderStatusChangedPayload{
		OrderID: orderID, From: string(from), To: string(next), Notes: notes,
	})
	return out, nil
}

// Get loads an order with its items and status history.
func (s *Service) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return retry.Value(ctx, s.Retry.Named("get order"), func(ctx context.Context) (*domain.Order, error) {
		o, err := s.Store.GetOrder(ctx, orderID, false)
		if errors.Is(err, store.ErrNotFound) {
			return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrOrderNotFound, orderID))
		}
		if err != nil {
			return nil, err
		}
		if o.StatusLogs, err = s.Store.ListStatusLogs(ctx, orderID); err != nil {
			return nil, err
		}
		return o, nil
	})
}

// Transition locks the order, checks the move against the table, then
// updates the status and appends a log row through q. The returned order
// still carries the previous status. Callers own the transaction.
func Transition(ctx context.Context, q store.Queries, orderID string, next domain.Status, notes string, at time.Time, newID func() string) (*domain.Order, error) {
	o, err := q.GetOrder(ctx, orderID, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrOrderNotFound, orderID))
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if !CanTransition(o.Status, next) {
		return nil, retry.Permanent(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next))
	}
	if err := q.SetOrderStatus(ctx, orderID, next, at); err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	if err := q.InsertStatusLog(ctx, domain.StatusLog{
		ID: newID(), OrderID: orderID, Status: next, Notes: notes, CreatedAt: at,
	}); err != nil {
		return nil, fmt.Errorf("insert status log: %w", err)
	}
	return o, nil
}
