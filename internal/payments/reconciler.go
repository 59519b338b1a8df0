// Package payments turns a gateway-verified payment into durable order,
// inventory and analytics state exactly once per reference.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/analytics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	"github.com/ariefcatur/go-pharmacy-orders/internal/metrics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/orders"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound = orders.ErrOrderNotFound
	// ErrPaymentLinkConflict means the reference already pays for another
	// order. The existing link is never overwritten.
	ErrPaymentLinkConflict = errors.New("payment reference linked to a different order")
	// ErrNotOwner means the order or the payment row belongs to a user other
	// than ConfirmParams.UserID.
	ErrNotOwner = errors.New("order or payment belongs to another user")
	// ErrUnderpaid means the verified amount is below the order total.
	ErrUnderpaid = errors.New("payment amount is less than the order total")
)

const DefaultLowStockThreshold = 10

type ConfirmParams struct {
	OrderID   string
	Reference string
	Amount    decimal.Decimal
	Method    string
	Currency  string
	// PaymentID, when set, names an existing payment row to link.
	PaymentID string
	// UserID is the paying user. When set it must own the order and any
	// existing payment row. Defaults to the order's user.
	UserID string
}

type Result struct {
	Order   *domain.Order
	Payment *domain.Payment
	// Replayed is true when the reference was already reconciled with this
	// order and nothing was written.
	Replayed bool
}

type Invalidator interface {
	Invalidate(ctx context.Context)
}

type Reconciler struct {
	Store  store.Store
	Retry  retry.Policy
	Events events.Publisher
	// Analytics is told to drop cached summaries after each confirmation.
	Analytics         Invalidator
	LowStockThreshold int
	Now               func() time.Time
	NewID             func() string
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

func (r *Reconciler) threshold() int {
	if r.LowStockThreshold > 0 {
		return r.LowStockThreshold
	}
	return DefaultLowStockThreshold
}

// Confirm links the payment for p.Reference to the order and moves the order
// to CONFIRMED, decrementing stock and updating today's analytics row, all
// in one transaction. Calling it again for the same order and reference is
// a no-op that returns the stored state.
func (r *Reconciler) Confirm(ctx context.Context, p ConfirmParams) (*Result, error) {
	if p.OrderID == "" || p.Reference == "" {
		return nil, retry.Permanent(errors.New("order id and payment reference are required"))
	}

	var (
		res      *Result
		lowStock []events.LowStockPayload
	)
	err := r.Retry.Named("confirm payment").Do(ctx, func(ctx context.Context) error {
		lowStock = nil
		return r.Store.WithTx(ctx, func(q store.Queries) error {
			var err error
			res, lowStock, err = r.confirmTx(ctx, q, p)
			return err
		})
	})
	metrics.RecordOrderOperation("confirm_payment", err == nil)
	if err != nil {
		log.Printf("confirm payment ref=%s order=%s: %v", p.Reference, p.OrderID, err)
		return nil, err
	}
	if res.Replayed {
		log.Printf("payment ref=%s already reconciled with order %s", p.Reference, p.OrderID)
		return res, nil
	}

	log.Printf("payment ref=%s confirmed order %s amount=%s", p.Reference, p.OrderID, res.Payment.Amount.StringFixed(2))
	pub := r.Events
	if pub == nil {
		pub = events.Nop{}
	}
	pub.Publish(ctx, events.EventOrderStatusChanged, p.OrderID, events.OrderStatusChangedPayload{
		OrderID: p.OrderID, From: string(domain.StatusPending), To: string(domain.StatusConfirmed),
		Notes: "Payment confirmed: " + p.Reference,
	})
	pub.Publish(ctx, events.EventPaymentConfirmed, p.OrderID, events.PaymentConfirmedPayload{
		OrderID: p.OrderID, PaymentID: res.Payment.ID, Reference: p.Reference,
		Amount: res.Payment.Amount, Currency: res.Payment.Currency,
	})
	for _, ls := range lowStock {
		pub.Publish(ctx, events.EventLowStock, p.OrderID, ls)
	}
	if r.Analytics != nil {
		r.Analytics.Invalidate(ctx)
	}
	return res, nil
}

func (r *Reconciler) confirmTx(ctx context.Context, q store.Queries, p ConfirmParams) (*Result, []events.LowStockPayload, error) {
	now := r.now()

	o, err := q.GetOrder(ctx, p.OrderID, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, retry.Permanent(fmt.Errorf("%w: %s", ErrOrderNotFound, p.OrderID))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load order: %w", err)
	}
	if p.UserID != "" && o.UserID != p.UserID {
		return nil, nil, retry.Permanent(fmt.Errorf("%w: order %s", ErrNotOwner, o.ID))
	}

	pay, created, err := r.resolvePayment(ctx, q, p, o, now)
	if err != nil {
		return nil, nil, err
	}
	if p.UserID != "" && pay.UserID != "" && pay.UserID != p.UserID {
		return nil, nil, retry.Permanent(fmt.Errorf("%w: payment %s", ErrNotOwner, p.Reference))
	}

	if !created && pay.OrderID == o.ID && o.Status != domain.StatusPending {
		logs, err := q.ListStatusLogs(ctx, o.ID)
		if err != nil {
			return nil, nil, err
		}
		o.StatusLogs = logs
		return &Result{Order: o, Payment: pay, Replayed: true}, nil, nil
	}
	if pay.OrderID != "" && pay.OrderID != o.ID {
		return nil, nil, retry.Permanent(fmt.Errorf("%w: %s is linked to %s", ErrPaymentLinkConflict, p.Reference, pay.OrderID))
	}
	if pay.Amount.LessThan(o.Total) {
		return nil, nil, retry.Permanent(fmt.Errorf("%w: paid %s, order %s costs %s", ErrUnderpaid, pay.Amount.StringFixed(2), o.ID, o.Total.StringFixed(2)))
	}
	if pay.OrderID != o.ID || pay.Status != domain.PaymentCompleted {
		if err := q.LinkPayment(ctx, pay.ID, o.ID, domain.PaymentCompleted); err != nil {
			return nil, nil, fmt.Errorf("link payment: %w", err)
		}
		pay.OrderID = o.ID
		pay.Status = domain.PaymentCompleted
	}

	if _, err := orders.Transition(ctx, q, o.ID, domain.StatusConfirmed, "Payment confirmed: "+p.Reference, now, r.newID); err != nil {
		return nil, nil, err
	}
	o.Status = domain.StatusConfirmed
	o.UpdatedAt = now

	var lowStock []events.LowStockPayload
	for _, it := range o.Items {
		d, err := q.ApplySale(ctx, it.DrugID, it.Quantity, it.Subtotal())
		if err != nil {
			return nil, nil, fmt.Errorf("apply sale %s: %w", it.DrugID, err)
		}
		if d.StockQuantity >= r.threshold() {
			continue
		}
		if err := q.InsertNotification(ctx, domain.Notification{
			ID:        r.newID(),
			Title:     "Low Stock Alert",
			Message:   fmt.Sprintf("%s %s is running low (%d remaining)", d.Name, d.Dosage, d.StockQuantity),
			Type:      domain.NotificationLowStock,
			Metadata:  map[string]any{"drugId": d.ID, "stockQuantity": d.StockQuantity},
			CreatedAt: now,
		}); err != nil {
			return nil, nil, fmt.Errorf("low stock notification: %w", err)
		}
		lowStock = append(lowStock, events.LowStockPayload{DrugID: d.ID, Name: d.Name, Remaining: d.StockQuantity})
	}

	if err := q.InsertNotification(ctx, domain.Notification{
		ID:        r.newID(),
		UserID:    o.UserID,
		Title:     "Payment Successful",
		Message:   fmt.Sprintf("Payment for order #%s has been successfully processed (%s %s).", o.ID, pay.Currency, pay.Amount.StringFixed(2)),
		Type:      domain.NotificationPaymentSuccess,
		Metadata:  map[string]any{"orderId": o.ID, "paymentId": pay.ID},
		CreatedAt: now,
	}); err != nil {
		return nil, nil, fmt.Errorf("payment notification: %w", err)
	}

	if err := analytics.Record(ctx, q, o, pay.Amount, now); err != nil {
		return nil, nil, err
	}

	logs, err := q.ListStatusLogs(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}
	o.StatusLogs = logs
	return &Result{Order: o, Payment: pay}, lowStock, nil
}

// resolvePayment finds the payment by id or reference, or creates it. A
// concurrent insert of the same reference is resolved by re-reading the row
// that won.
func (r *Reconciler) resolvePayment(ctx context.Context, q store.Queries, p ConfirmParams, o *domain.Order, now time.Time) (pay *domain.Payment, created bool, err error) {
	if p.PaymentID != "" {
		pay, err = q.GetPayment(ctx, p.PaymentID)
		if err == nil {
			return pay, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("load payment: %w", err)
		}
	}

	pay, err = q.GetPaymentByReference(ctx, p.Reference)
	if err == nil {
		return pay, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("load payment by reference: %w", err)
	}

	userID := p.UserID
	if userID == "" {
		userID = o.UserID
	}
	pay = &domain.Payment{
		ID:              r.newID(),
		UserID:          userID,
		OrderID:         o.ID,
		Reference:       p.Reference,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Status:          domain.PaymentCompleted,
		PaymentMethod:   p.Method,
		TransactionDate: now,
	}
	err = q.InsertPayment(ctx, pay)
	if err == nil {
		return pay, true, nil
	}
	if !errors.Is(err, store.ErrDuplicateReference) {
		return nil, false, fmt.Errorf("insert payment: %w", err)
	}
	existing, err := q.GetPaymentByReference(ctx, p.Reference)
	if err != nil {
		return nil, false, fmt.Errorf("reload payment %s: %w", p.Reference, err)
	}
	return existing, false, nil
}
