// Package store defines the transactional store seam shared by the order,
// payment and analytics components. internal/postgres is the production
// implementation; internal/store/memstore backs dev mode and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateReference is returned by InsertPayment when the gateway
	// reference already has a payment row.
	ErrDuplicateReference = errors.New("duplicate payment reference")
	ErrConflict           = errors.New("unique constraint conflict")
	// ErrTxTimeout marks a transaction that could not get its connection or
	// locks in time, or ran past its deadline. Nothing was committed.
	ErrTxTimeout = errors.New("transaction timeout")
)

// Queries is implemented both by the store itself (autocommit) and by the
// handle passed to WithTx.
type Queries interface {
	InsertOrder(ctx context.Context, o *domain.Order) error
	// GetOrder loads the order with its items. lock takes a row lock for the
	// rest of the transaction.
	GetOrder(ctx context.Context, id string, lock bool) (*domain.Order, error)
	SetOrderStatus(ctx context.Context, id string, s domain.Status, at time.Time) error
	InsertStatusLog(ctx context.Context, l domain.StatusLog) error
	ListStatusLogs(ctx context.Context, orderID string) ([]domain.StatusLog, error)

	InsertNotification(ctx context.Context, n domain.Notification) error
	ListNotifications(ctx context.Context, limit, offset int, includeRead bool) ([]domain.Notification, int, error)

	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	InsertPayment(ctx context.Context, p *domain.Payment) error
	LinkPayment(ctx context.Context, paymentID, orderID, status string) error

	GetDrug(ctx context.Context, id string) (*domain.Drug, error)
	// ApplySale decrements stock and bumps total_sold/revenue, returning the
	// updated row. Stock is not clamped at zero.
	ApplySale(ctx context.Context, drugID string, qty int, revenue decimal.Decimal) (*domain.Drug, error)
	// MissingDrugs returns the subset of ids with no catalog row.
	MissingDrugs(ctx context.Context, ids []string) ([]string, error)

	GetAnalytics(ctx context.Context, day time.Time) (*domain.Analytics, error)
	// IncrementAnalytics inserts the day row or adds the counters to it.
	IncrementAnalytics(ctx context.Context, delta domain.Analytics) error
	ListAnalytics(ctx context.Context, since time.Time) ([]domain.Analytics, error)

	GetUserByExternalID(ctx context.Context, externalID string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	InsertUser(ctx context.Context, u *domain.User) error

	GetAddress(ctx context.Context, id string) (*domain.Address, error)
	GetDefaultAddress(ctx context.Context, userID string) (*domain.Address, error)
	InsertAddress(ctx context.Context, a *domain.Address) error

	InsertPrescription(ctx context.Context, p *domain.Prescription) error
}

type Store interface {
	Queries
	// WithTx runs fn in one transaction. Any error from fn rolls back every
	// write made through q.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}
