// Package checkout verifies a gateway payment for the caller and turns it
// into a confirmed order. Once the gateway has confirmed a payment, no later
// failure is reported as a failed payment; the response is flagged for
// manual follow-up instead.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/gateway"
	"github.com/ariefcatur/go-pharmacy-orders/internal/metrics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/orders"
	"github.com/ariefcatur/go-pharmacy-orders/internal/payments"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrValidation = errors.New("invalid request")
	// ErrNotVerified means the gateway answered and the payment did not
	// succeed.
	ErrNotVerified = errors.New("payment not verified")
)

type CartItem struct {
	DrugID   string          `json:"drugId"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	// OrderID is set when the cart was already turned into a pending order.
	OrderID string `json:"orderId,omitempty"`
}

type Request struct {
	Reference         string     `json:"reference"`
	Cart              []CartItem `json:"cart,omitempty"`
	OrderID           string     `json:"orderId,omitempty"`
	DeliveryAddressID string     `json:"deliveryAddressId,omitempty"`
	DeliveryAddress   string     `json:"deliveryAddress,omitempty"`
	UserEmail         string     `json:"userEmail,omitempty"`
}

type Response struct {
	Success                    bool            `json:"success"`
	Message                    string          `json:"message,omitempty"`
	Payment                    *domain.Payment `json:"payment,omitempty"`
	Order                      *domain.Order   `json:"order,omitempty"`
	NeedsManualVerification    bool            `json:"needsManualVerification,omitempty"`
	NeedsManualOrderProcessing bool            `json:"needsManualOrderProcessing,omitempty"`
	InvalidDrugIDs             []string        `json:"invalidDrugIds,omitempty"`
	Replayed                   bool            `json:"replayed,omitempty"`
}

type IdentityResolver interface {
	Resolve(ctx context.Context, token, email string) (*domain.User, error)
}

type Verifier interface {
	Verify(ctx context.Context, reference string) (*gateway.Verification, error)
}

// ResponseCache remembers confirmed responses by reference.
type ResponseCache interface {
	Get(ctx context.Context, reference string) ([]byte, bool)
	Put(ctx context.Context, reference string, body []byte)
}

type Service struct {
	Identity IdentityResolver
	Gateway  Verifier
	Store    store.Store
	Orders   *orders.Service
	Payments *payments.Reconciler
	Retry    retry.Policy
	Cache    ResponseCache
	// CreateAttempts and CreatePause bound the extra order-creation
	// attempts made when the store reports a transaction timeout.
	CreateAttempts int
	CreatePause    time.Duration
	// Currency is used when the gateway does not report one.
	Currency string
	// Country is stored on addresses created from free text.
	Country string
	NewID   func() string
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Verify runs the checkout for req on behalf of the caller identified by
// token or req.UserEmail. A returned error means nothing was verified:
// ErrValidation, identity.ErrUnauthenticated or ErrNotVerified.
func (s *Service) Verify(ctx context.Context, token string, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		metrics.RecordCheckout("rejected")
		return nil, err
	}

	user, err := s.Identity.Resolve(ctx, token, req.UserEmail)
	if err != nil {
		metrics.RecordCheckout("unauthenticated")
		return nil, err
	}

	if s.Cache != nil {
		if b, ok := s.Cache.Get(ctx, req.Reference); ok {
			var cached Response
			if err := json.Unmarshal(b, &cached); err == nil && cached.Payment != nil && cached.Payment.UserID == user.ID {
				cached.Replayed = true
				metrics.RecordCheckout("replayed")
				return &cached, nil
			}
		}
	}

	if resp, ok := s.replay(ctx, req.Reference, user.ID); ok {
		metrics.RecordCheckout("replayed")
		return resp, nil
	}

	v, err := s.Gateway.Verify(ctx, req.Reference)
	if err != nil {
		if retry.IsPermanent(err) {
			metrics.RecordCheckout("rejected")
			return nil, fmt.Errorf("%w: %v", ErrNotVerified, err)
		}
		log.Printf("verify %s: gateway unreachable, flagging for manual verification: %v", req.Reference, err)
		metrics.RecordCheckout("manual_verification")
		return &Response{
			Success:                 true,
			Message:                 "Payment received; verification is pending and will be completed manually.",
			Payment:                 &domain.Payment{Reference: req.Reference, UserID: user.ID, Status: "pending_verification"},
			NeedsManualVerification: true,
		}, nil
	}

	params := payments.ConfirmParams{
		Reference: req.Reference,
		Amount:    v.Amount,
		Method:    v.Channel,
		Currency:  v.Currency,
		UserID:    user.ID,
	}
	if params.Currency == "" {
		params.Currency = s.Currency
	}

	orderID := pendingOrderID(req)
	if len(req.Cart) == 0 && orderID == "" {
		pay, err := s.Payments.Record(ctx, params)
		if err != nil {
			return s.manual(ctx, params, nil, nil, fmt.Errorf("record payment: %w", err)), nil
		}
		metrics.RecordCheckout("payment_only")
		return &Response{Success: true, Message: "Payment verified", Payment: ownPayment(params, pay)}, nil
	}

	if orderID == "" {
		if missing, err := s.missingDrugs(ctx, req.Cart); err != nil {
			return s.manual(ctx, params, nil, nil, err), nil
		} else if len(missing) > 0 {
			return s.manual(ctx, params, nil, missing, fmt.Errorf("invalid drug ids: %s", strings.Join(missing, ", "))), nil
		}
		addressID, err := s.resolveAddress(ctx, user.ID, req)
		if err != nil {
			return s.manual(ctx, params, nil, nil, err), nil
		}
		o, err := s.createOrder(ctx, user.ID, addressID, req.Cart)
		if err != nil {
			return s.manual(ctx, params, nil, nil, err), nil
		}
		orderID = o.ID
	}

	params.OrderID = orderID
	res, err := s.Payments.Confirm(ctx, params)
	if errors.Is(err, payments.ErrNotOwner) {
		return s.manual(ctx, params, nil, nil, err), nil
	}
	if err != nil {
		return s.manual(ctx, params, &orderID, nil, err), nil
	}

	resp := &Response{Success: true, Message: "Payment verified and order confirmed", Payment: res.Payment, Order: res.Order, Replayed: res.Replayed}
	if s.Cache != nil {
		if b, err := json.Marshal(resp); err == nil {
			s.Cache.Put(ctx, req.Reference, b)
		}
	}
	metrics.RecordCheckout("confirmed")
	return resp, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Reference) == "" {
		return fmt.Errorf("%w: payment reference is required", ErrValidation)
	}
	for i, it := range req.Cart {
		if it.DrugID == "" {
			return fmt.Errorf("%w: cart item %d has no drug id", ErrValidation, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrValidation, it.DrugID)
		}
		if it.Price.IsNegative() {
			return fmt.Errorf("%w: price for %s is negative", ErrValidation, it.DrugID)
		}
	}
	return nil
}

func pendingOrderID(req Request) string {
	if req.OrderID != "" {
		return req.OrderID
	}
	for _, it := range req.Cart {
		if it.OrderID != "" {
			return it.OrderID
		}
	}
	return ""
}

// replay answers a reference that already confirmed an order for userID
// without calling the gateway again.
func (s *Service) replay(ctx context.Context, reference, userID string) (*Response, bool) {
	type found struct {
		pay   *domain.Payment
		order *domain.Order
	}
	f, err := retry.Value(ctx, s.Retry.Named("lookup payment"), func(ctx context.Context) (*found, error) {
		pay, err := s.Store.GetPaymentByReference(ctx, reference)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if pay.OrderID == "" {
			return nil, nil
		}
		o, err := s.Store.GetOrder(ctx, pay.OrderID, false)
		if err != nil {
			return nil, err
		}
		return &found{pay: pay, order: o}, nil
	})
	if err != nil {
		log.Printf("replay lookup %s: %v", reference, err)
		return nil, false
	}
	if f == nil || f.order.Status == domain.StatusPending {
		return nil, false
	}
	if f.pay.UserID != userID {
		log.Printf("replay %s: payment belongs to another user, verifying again", reference)
		return nil, false
	}
	return &Response{
		Success: true, Message: "Payment already verified", Payment: f.pay, Order: f.order, Replayed: true,
	}, true
}

func (s *Service) missingDrugs(ctx context.Context, cart []CartItem) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, it := range cart {
		if !seen[it.DrugID] {
			seen[it.DrugID] = true
			ids = append(ids, it.DrugID)
		}
	}
	return retry.Value(ctx, s.Retry.Named("validate cart"), func(ctx context.Context) ([]string, error) {
		return s.Store.MissingDrugs(ctx, ids)
	})
}

// resolveAddress picks the requested address, else creates one from the
// free-text address, else falls back to the user's default.
func (s *Service) resolveAddress(ctx context.Context, userID string, req Request) (string, error) {
	return retry.Value(ctx, s.Retry.Named("resolve address"), func(ctx context.Context) (string, error) {
		if req.DeliveryAddressID != "" {
			a, err := s.Store.GetAddress(ctx, req.DeliveryAddressID)
			if err == nil && a.UserID == userID {
				return a.ID, nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return "", err
			}
		}
		if line := strings.TrimSpace(req.DeliveryAddress); line != "" {
			a := &domain.Address{
				ID:           s.newID(),
				UserID:       userID,
				AddressLine1: line,
				Country:      s.Country,
				CreatedAt:    time.Now().UTC(),
			}
			if err := s.Store.InsertAddress(ctx, a); err != nil {
				return "", err
			}
			return a.ID, nil
		}
		a, err := s.Store.GetDefaultAddress(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return "", retry.Permanent(errors.New("no delivery address"))
		}
		if err != nil {
			return "", err
		}
		return a.ID, nil
	})
}

// createOrder retries order creation on transaction timeouts only, with a
// fixed pause.
func (s *Service) createOrder(ctx context.Context, userID, addressID string, cart []CartItem) (*domain.Order, error) {
	items := make([]orders.ItemInput, 0, len(cart))
	for _, it := range cart {
		items = append(items, orders.ItemInput{DrugID: it.DrugID, Quantity: it.Quantity, Price: it.Price})
	}
	attempts := s.CreateAttempts
	if attempts <= 0 {
		attempts = 3
	}
	p := retry.Policy{
		Name:         "create checkout order",
		MaxRetries:   attempts - 1,
		InitialDelay: s.CreatePause,
		Factor:       1,
		Retryable:    retry.IsTxTimeout,
		Sleep:        s.Retry.Sleep,
	}
	return retry.Value(ctx, p, func(ctx context.Context) (*domain.Order, error) {
		return s.Orders.Create(ctx, userID, addressID, items)
	})
}

// manual builds the degraded success response for a verified payment whose
// order could not be completed. The payment is recorded so it can be
// reconciled by hand.
func (s *Service) manual(ctx context.Context, params payments.ConfirmParams, orderID *string, invalid []string, cause error) *Response {
	log.Printf("verify %s: payment verified but order processing failed: %v", params.Reference, cause)
	metrics.RecordCheckout("manual_order")

	resp := &Response{
		Success:                    true,
		Message:                    "Payment verified; your order will be processed manually.",
		NeedsManualOrderProcessing: true,
		InvalidDrugIDs:             invalid,
	}
	params.OrderID = ""
	pay, err := s.Payments.Record(ctx, params)
	if err != nil {
		log.Printf("verify %s: record payment for manual processing: %v", params.Reference, err)
	}
	resp.Payment = ownPayment(params, pay)
	if orderID != nil && *orderID != "" {
		if o, err := s.Store.GetOrder(ctx, *orderID, false); err == nil {
			resp.Order = o
		}
	}
	if len(invalid) > 0 {
		resp.Message = fmt.Sprintf("Payment verified; some cart items are not in the catalog (%s). Your order will be processed manually.", strings.Join(invalid, ", "))
	}
	return resp
}

// ownPayment returns pay when it belongs to the caller. Otherwise it returns
// a row built from the verified params so another user's payment is never
// echoed back.
func ownPayment(params payments.ConfirmParams, pay *domain.Payment) *domain.Payment {
	if pay != nil && (params.UserID == "" || pay.UserID == params.UserID) {
		return pay
	}
	return &domain.Payment{
		Reference: params.Reference, UserID: params.UserID, Amount: params.Amount,
		Currency: params.Currency, PaymentMethod: params.Method, Status: domain.PaymentCompleted,
	}
}
