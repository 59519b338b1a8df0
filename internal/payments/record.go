package payments

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
)

// Record stores a verified payment that has no order yet, or returns the
// existing row for the reference. A later Confirm with its id links it.
func (r *Reconciler) Record(ctx context.Context, p ConfirmParams) (*domain.Payment, error) {
	if p.Reference == "" {
		return nil, retry.Permanent(errors.New("payment reference is required"))
	}
	return retry.Value(ctx, r.Retry.Named("record payment"), func(ctx context.Context) (*domain.Payment, error) {
		var out *domain.Payment
		err := r.Store.WithTx(ctx, func(q store.Queries) error {
			existing, err := q.GetPaymentByReference(ctx, p.Reference)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			pay := &domain.Payment{
				ID:              r.newID(),
				UserID:          p.UserID,
				Reference:       p.Reference,
				Amount:          p.Amount,
				Currency:        p.Currency,
				Status:          domain.PaymentCompleted,
				PaymentMethod:   p.Method,
				TransactionDate: r.now(),
			}
			err = q.InsertPayment(ctx, pay)
			if errors.Is(err, store.ErrDuplicateReference) {
				out, err = q.GetPaymentByReference(ctx, p.Reference)
				return err
			}
			if err != nil {
				return err
			}
			out = pay
			return nil
		})
		return out, err
	})
}
