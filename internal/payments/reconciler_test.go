package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	"github.com/ariefcatur/go-pharmacy-orders/internal/orders"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	st     *memstore.Store
	orders *orders.Service
	rec    *Reconciler
	events *events.Recorder
	inval  *countingInvalidator
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate(context.Context) { c.n++ }

func noSleep() retry.Policy {
	p := retry.Default("test")
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	st.AddDrug(domain.Drug{ID: "drugA", Name: "Amoxicillin", Dosage: "500mg", Price: decimal.NewFromInt(4), StockQuantity: 50, Revenue: decimal.Zero})
	st.AddDrug(domain.Drug{ID: "drugB", Name: "Ibuprofen", Dosage: "200mg", Price: decimal.NewFromInt(3), StockQuantity: 11, Revenue: decimal.Zero})

	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	rec := &events.Recorder{}
	inval := &countingInvalidator{}
	now := func() time.Time { return testNow }
	return &fixture{
		st:     st,
		orders: &orders.Service{Store: st, Retry: noSleep(), Events: rec, Now: now, NewID: newID},
		rec: &Reconciler{
			Store: st, Retry: noSleep(), Events: rec, Analytics: inval,
			Now: now, NewID: newID,
		},
		events: rec,
		inval:  inval,
	}
}

func (f *fixture) pendingOrder(t *testing.T) *domain.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), "u1", "addr1", []orders.ItemInput{
		{DrugID: "drugA", Quantity: 3, Price: decimal.NewFromInt(4)},
		{DrugID: "drugB", Quantity: 1, Price: decimal.NewFromInt(3)},
	})
	require.NoError(t, err)
	return o
}

func params(orderID string) ConfirmParams {
	return ConfirmParams{
		OrderID: orderID, Reference: "ref_abc", Amount: decimal.NewFromInt(15),
		Method: "card", Currency: "NGN",
	}
}

func TestConfirm_AppliesAllSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	res, err := f.rec.Confirm(ctx, params(o.ID))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, domain.StatusConfirmed, res.Order.Status)
	assert.Equal(t, o.ID, res.Payment.OrderID)
	assert.Equal(t, domain.PaymentCompleted, res.Payment.Status)
	require.Len(t, res.Order.StatusLogs, 2)
	assert.Equal(t, "Payment confirmed: ref_abc", res.Order.StatusLogs[1].Notes)

	a, err := f.st.GetDrug(ctx, "drugA")
	require.NoError(t, err)
	assert.Equal(t, 47, a.StockQuantity)
	assert.Equal(t, 3, a.TotalSold)
	assert.True(t, decimal.NewFromInt(12).Equal(a.Revenue))

	b, err := f.st.GetDrug(ctx, "drugB")
	require.NoError(t, err)
	assert.Equal(t, 10, b.StockQuantity)
	assert.Equal(t, 1, b.TotalSold)

	day, err := f.st.GetAnalytics(ctx, testNow)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(15).Equal(day.TotalRevenue))
	assert.Equal(t, 1, day.TotalOrders)
	assert.Equal(t, 4, day.TotalDrugsSold)

	ns, _, err := f.st.ListNotifications(ctx, 10, 0, true)
	require.NoError(t, err)
	var titles []string
	for _, n := range ns {
		titles = append(titles, n.Title)
	}
	assert.ElementsMatch(t, []string{"New Order Placed", "Payment Successful"}, titles)

	assert.Equal(t, []string{
		events.EventOrderCreated, events.EventOrderStatusChanged, events.EventPaymentConfirmed,
	}, f.events.Types())
	assert.Equal(t, 1, f.inval.n)
}

func TestConfirm_LowStockNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.orders.Create(ctx, "u1", "addr1", []orders.ItemInput{{DrugID: "drugB", Quantity: 2, Price: decimal.NewFromInt(3)}})
	require.NoError(t, err)

	_, err = f.rec.Confirm(ctx, params(o.ID))
	require.NoError(t, err)

	ns, _, err := f.st.ListNotifications(ctx, 10, 0, true)
	require.NoError(t, err)
	var low *domain.Notification
	for i := range ns {
		if ns[i].Type == domain.NotificationLowStock {
			low = &ns[i]
		}
	}
	require.NotNil(t, low)
	assert.Equal(t, "Ibuprofen 200mg is running low (9 remaining)", low.Message)
	assert.Contains(t, f.events.Types(), events.EventLowStock)
}

func TestConfirm_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	first, err := f.rec.Confirm(ctx, params(o.ID))
	require.NoError(t, err)
	second, err := f.rec.Confirm(ctx, params(o.ID))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Len(t, f.st.Payments(), 1)

	logs, err := f.st.ListStatusLogs(ctx, o.ID)
	require.NoError(t, err)
	confirmed := 0
	for _, l := range logs {
		if l.Status == domain.StatusConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed)

	a, err := f.st.GetDrug(ctx, "drugA")
	require.NoError(t, err)
	assert.Equal(t, 47, a.StockQuantity)
	day, err := f.st.GetAnalytics(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, day.TotalOrders)
	assert.Equal(t, 1, f.inval.n)
}

func TestConfirm_LinksExistingPaymentByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)
	require.NoError(t, f.st.InsertPayment(ctx, &domain.Payment{
		ID: "pay-1", UserID: "u1", Reference: "ref_abc", Amount: decimal.NewFromInt(15),
		Currency: "NGN", Status: "pending", PaymentMethod: "card", TransactionDate: testNow,
	}))

	p := params(o.ID)
	p.PaymentID = "pay-1"
	res, err := f.rec.Confirm(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", res.Payment.ID)

	stored, err := f.st.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, stored.OrderID)
	assert.Equal(t, domain.PaymentCompleted, stored.Status)
	assert.Len(t, f.st.Payments(), 1)
}

// racingStore hides the first reference lookup, as if a concurrent request
// inserted the row between our read and our insert.
type racingStore struct {
	*memstore.Store
	raced bool
}

func (r *racingStore) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	return r.Store.WithTx(ctx, func(q store.Queries) error {
		return fn(&racingQueries{Queries: q, s: r})
	})
}

type racingQueries struct {
	store.Queries
	s *racingStore
}

func (q *racingQueries) GetPaymentByReference(ctx context.Context, ref string) (*domain.Payment, error) {
	if !q.s.raced {
		q.s.raced = true
		return nil, store.ErrNotFound
	}
	return q.Queries.GetPaymentByReference(ctx, ref)
}

func TestConfirm_DuplicateReferenceFallsBackToExistingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)
	require.NoError(t, f.st.InsertPayment(ctx, &domain.Payment{
		ID: "winner", UserID: "u1", Reference: "ref_abc", Amount: decimal.NewFromInt(15),
		Currency: "NGN", Status: domain.PaymentCompleted, TransactionDate: testNow,
	}))
	rs := &racingStore{Store: f.st}
	f.rec.Store = rs

	res, err := f.rec.Confirm(ctx, params(o.ID))
	require.NoError(t, err)
	assert.True(t, rs.raced)
	assert.Equal(t, "winner", res.Payment.ID)
	assert.Equal(t, o.ID, res.Payment.OrderID)
	require.Len(t, f.st.Payments(), 1)
	assert.Equal(t, o.ID, f.st.Payments()[0].OrderID)
}

func TestConfirm_ReferenceLinkedToAnotherOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.pendingOrder(t)
	second := f.pendingOrder(t)

	_, err := f.rec.Confirm(ctx, params(first.ID))
	require.NoError(t, err)

	_, err = f.rec.Confirm(ctx, params(second.ID))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentLinkConflict)
	assert.True(t, retry.IsPermanent(err))

	got, err := f.st.GetOrder(ctx, second.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, first.ID, f.st.Payments()[0].OrderID)
}

func TestConfirm_RejectsOtherUsersOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	p := params(o.ID)
	p.UserID = "u2"
	_, err := f.rec.Confirm(ctx, p)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.True(t, retry.IsPermanent(err))

	got, err := f.st.GetOrder(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, f.st.Payments())
	assert.NotContains(t, f.events.Types(), events.EventPaymentConfirmed)
}

func TestConfirm_RejectsOtherUsersPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	p := params("")
	p.UserID = "u2"
	_, err := f.rec.Record(ctx, p)
	require.NoError(t, err)

	p = params(o.ID)
	p.UserID = "u1"
	_, err = f.rec.Confirm(ctx, p)
	assert.ErrorIs(t, err, ErrNotOwner)

	pays := f.st.Payments()
	require.Len(t, pays, 1)
	assert.Empty(t, pays[0].OrderID)
}

func TestConfirm_RejectsUnderpayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	p := params(o.ID)
	p.Amount = decimal.RequireFromString("14.99")
	_, err := f.rec.Confirm(ctx, p)
	assert.ErrorIs(t, err, ErrUnderpaid)
	assert.True(t, retry.IsPermanent(err))

	got, err := f.st.GetOrder(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, f.st.Payments())
	a, err := f.st.GetDrug(ctx, "drugA")
	require.NoError(t, err)
	assert.Equal(t, 50, a.StockQuantity)
	_, err = f.st.GetAnalytics(ctx, testNow)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirm_OrderNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Confirm(context.Background(), params("missing"))
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.True(t, retry.IsPermanent(err))
	assert.Empty(t, f.st.Payments())
}

func TestConfirm_CancelledOrderIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)
	_, err := f.orders.UpdateStatus(ctx, o.ID, domain.StatusCancelled, "")
	require.NoError(t, err)

	_, err = f.rec.Confirm(ctx, params(o.ID))
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	assert.Empty(t, f.st.Payments())
}

func TestConfirm_RollsBackOnFailureAndRetriesTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	// Fails after the payment, status and first stock writes.
	f.st.FailNext("IncrementAnalytics", store.ErrTxTimeout, 1)
	res, err := f.rec.Confirm(ctx, params(o.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, res.Order.Status)

	a, err := f.st.GetDrug(ctx, "drugA")
	require.NoError(t, err)
	assert.Equal(t, 47, a.StockQuantity)
	assert.Len(t, f.st.Payments(), 1)
}

func TestConfirm_PermanentFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	f.st.FailNext("ApplySale", errors.New("check constraint violated"), 1)
	_, err := f.rec.Confirm(ctx, params(o.ID))
	require.Error(t, err)

	got, err := f.st.GetOrder(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, f.st.Payments())
	a, err := f.st.GetDrug(ctx, "drugA")
	require.NoError(t, err)
	assert.Equal(t, 50, a.StockQuantity)
	_, err = f.st.GetAnalytics(ctx, testNow)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirm_RequiresReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Confirm(context.Background(), ConfirmParams{OrderID: "x"})
	assert.True(t, retry.IsPermanent(err))
}

func TestRecord_ThenConfirmLinksSameRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := params("")
	p.UserID = "u1"
	pay, err := f.rec.Record(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, pay.OrderID)

	again, err := f.rec.Record(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, pay.ID, again.ID)

	o := f.pendingOrder(t)
	res, err := f.rec.Confirm(ctx, params(o.ID))
	require.NoError(t, err)
	assert.Equal(t, pay.ID, res.Payment.ID)
	assert.Len(t, f.st.Payments(), 1)
}
