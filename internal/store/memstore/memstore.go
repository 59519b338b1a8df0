// Package memstore is an in-memory store.Store. Transactions are serialized
// and run against a copy of the state that is swapped in on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/shopspring/decimal"
)

type state struct {
	orders        map[string]*domain.Order
	logs          []domain.StatusLog
	notifications []domain.Notification
	payments      map[string]*domain.Payment
	byReference   map[string]string
	drugs         map[string]*domain.Drug
	analytics     map[string]*domain.Analytics
	users         map[string]*domain.User
	addresses     map[string]*domain.Address
	prescriptions map[string]*domain.Prescription
}

func newState() *state {
	return &state{
		orders:        map[string]*domain.Order{},
		payments:      map[string]*domain.Payment{},
		byReference:   map[string]string{},
		drugs:         map[string]*domain.Drug{},
		analytics:     map[string]*domain.Analytics{},
		users:         map[string]*domain.User{},
		addresses:     map[string]*domain.Address{},
		prescriptions: map[string]*domain.Prescription{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, o := range s.orders {
		c.orders[k] = cloneOrder(o)
	}
	c.logs = append([]domain.StatusLog(nil), s.logs...)
	c.notifications = append([]domain.Notification(nil), s.notifications...)
	for k, p := range s.payments {
		cp := *p
		c.payments[k] = &cp
	}
	for k, v := range s.byReference {
		c.byReference[k] = v
	}
	for k, d := range s.drugs {
		cp := *d
		c.drugs[k] = &cp
	}
	for k, a := range s.analytics {
		cp := *a
		c.analytics[k] = &cp
	}
	for k, u := range s.users {
		cp := *u
		c.users[k] = &cp
	}
	for k, a := range s.addresses {
		cp := *a
		c.addresses[k] = &cp
	}
	for k, p := range s.prescriptions {
		cp := *p
		c.prescriptions[k] = &cp
	}
	return c
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	cp.StatusLogs = nil
	return &cp
}

type faults struct {
	mu   sync.Mutex
	next map[string][]error
}

func (f *faults) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.next[op]
	if len(q) == 0 {
		return nil
	}
	f.next[op] = q[1:]
	return q[0]
}

type Store struct {
	view
	mu sync.Mutex
}

func New() *Store {
	s := &Store{}
	s.view = view{st: newState(), mu: &s.mu, faults: &faults{next: map[string][]error{}}}
	return s
}

// FailNext makes the next n calls of op (a Queries method name) return err.
func (s *Store) FailNext(op string, err error, n int) {
	s.faults.mu.Lock()
	defer s.faults.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults.next[op] = append(s.faults.next[op], err)
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &view{st: s.st.clone(), faults: s.faults}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

func (s *Store) AddDrug(d domain.Drug) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.drugs[d.ID] = &d
}

func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = &u
}

// Payments returns a snapshot of every payment row.
func (s *Store) Payments() []domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Payment, 0, len(s.st.payments))
	for _, p := range s.st.payments {
		out = append(out, *p)
	}
	return out
}

// Orders returns a snapshot of every order, oldest first.
func (s *Store) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.st.orders))
	for _, o := range s.st.orders {
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// view implements store.Queries over one state. mu is nil inside a
// transaction, where the store lock is already held.
type view struct {
	st     *state
	mu     *sync.Mutex
	faults *faults
}

func (v *view) enter(op string) (func(), error) {
	if err := v.faults.take(op); err != nil {
		return func() {}, err
	}
	if v.mu == nil {
		return func() {}, nil
	}
	v.mu.Lock()
	return v.mu.Unlock, nil
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (v *view) InsertOrder(_ context.Context, o *domain.Order) error {
	done, err := v.enter("InsertOrder")
	defer done()
	if err != nil {
		return err
	}
	if _, ok := v.st.orders[o.ID]; ok {
		return store.ErrConflict
	}
	v.st.orders[o.ID] = cloneOrder(o)
	return nil
}

func (v *view) GetOrder(_ context.Context, id string, _ bool) (*domain.Order, error) {
	done, err := v.enter("GetOrder")
	defer done()
	if err != nil {
		return nil, err
	}
	o, ok := v.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(o)
	for i, it := range out.Items {
		if d, ok := v.st.drugs[it.DrugID]; ok {
			out.Items[i].DrugName = d.Name
		}
	}
	return out, nil
}

func (v *view) SetOrderStatus(_ context.Context, id string, s domain.Status, at time.Time) error {
	done, err := v.enter("SetOrderStatus")
	defer done()
	if err != nil {
		return err
	}
	o, ok := v.st.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = s
	o.UpdatedAt = at
	return nil
}

func (v *view) InsertStatusLog(_ context.Context, l domain.StatusLog) error {
	done, err := v.enter("InsertStatusLog")
	defer done()
	if err != nil {
		return err
	}
	v.st.logs = append(v.st.logs, l)
	return nil
}

func (v *view) ListStatusLogs(_ context.Context, orderID string) ([]domain.StatusLog, error) {
	done, err := v.enter("ListStatusLogs")
	defer done()
	if err != nil {
		return nil, err
	}
	var out []domain.StatusLog
	for _, l := range v.st.logs {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (v *view) InsertNotification(_ context.Context, n domain.Notification) error {
	done, err := v.enter("InsertNotification")
	defer done()
	if err != nil {
		return err
	}
	v.st.notifications = append(v.st.notifications, n)
	return nil
}

func (v *view) ListNotifications(_ context.Context, limit, offset int, includeRead bool) ([]domain.Notification, int, error) {
	done, err := v.enter("ListNotifications")
	defer done()
	if err != nil {
		return nil, 0, err
	}
	var all []domain.Notification
	for _, n := range v.st.notifications {
		if includeRead || !n.Read {
			all = append(all, n)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Read != all[j].Read {
			return !all[i].Read
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (v *view) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	done, err := v.enter("GetPayment")
	defer done()
	if err != nil {
		return nil, err
	}
	p, ok := v.st.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (v *view) GetPaymentByReference(_ context.Context, reference string) (*domain.Payment, error) {
	done, err := v.enter("GetPaymentByReference")
	defer done()
	if err != nil {
		return nil, err
	}
	id, ok := v.st.byReference[reference]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v.st.payments[id]
	return &cp, nil
}

func (v *view) InsertPayment(_ context.Context, p *domain.Payment) error {
	done, err := v.enter("InsertPayment")
	defer done()
	if err != nil {
		return err
	}
	if _, ok := v.st.byReference[p.Reference]; ok {
		return store.ErrDuplicateReference
	}
	cp := *p
	v.st.payments[p.ID] = &cp
	v.st.byReference[p.Reference] = p.ID
	return nil
}

func (v *view) LinkPayment(_ context.Context, paymentID, orderID, status string) error {
	done, err := v.enter("LinkPayment")
	defer done()
	if err != nil {
		return err
	}
	p, ok := v.st.payments[paymentID]
	if !ok {
		return store.ErrNotFound
	}
	p.OrderID = orderID
	p.Status = status
	return nil
}

func (v *view) GetDrug(_ context.Context, id string) (*domain.Drug, error) {
	done, err := v.enter("GetDrug")
	defer done()
	if err != nil {
		return nil, err
	}
	d, ok := v.st.drugs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (v *view) ApplySale(_ context.Context, drugID string, qty int, revenue decimal.Decimal) (*domain.Drug, error) {
	done, err := v.enter("ApplySale")
	defer done()
	if err != nil {
		return nil, err
	}
	d, ok := v.st.drugs[drugID]
	if !ok {
		return nil, store.ErrNotFound
	}
	d.StockQuantity -= qty
	d.TotalSold += qty
	d.Revenue = d.Revenue.Add(revenue)
	cp := *d
	return &cp, nil
}

func (v *view) MissingDrugs(_ context.Context, ids []string) ([]string, error) {
	done, err := v.enter("MissingDrugs")
	defer done()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if _, ok := v.st.drugs[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (v *view) GetAnalytics(_ context.Context, day time.Time) (*domain.Analytics, error) {
	done, err := v.enter("GetAnalytics")
	defer done()
	if err != nil {
		return nil, err
	}
	a, ok := v.st.analytics[dayKey(day)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (v *view) IncrementAnalytics(_ context.Context, delta domain.Analytics) error {
	done, err := v.enter("IncrementAnalytics")
	defer done()
	if err != nil {
		return err
	}
	k := dayKey(delta.Date)
	a, ok := v.st.analytics[k]
	if !ok {
		cp := delta
		v.st.analytics[k] = &cp
		return nil
	}
	a.TotalRevenue = a.TotalRevenue.Add(delta.TotalRevenue)
	a.TotalOrders += delta.TotalOrders
	a.TotalDrugsSold += delta.TotalDrugsSold
	a.UpdatedAt = delta.UpdatedAt
	return nil
}

func (v *view) ListAnalytics(_ context.Context, since time.Time) ([]domain.Analytics, error) {
	done, err := v.enter("ListAnalytics")
	defer done()
	if err != nil {
		return nil, err
	}
	var out []domain.Analytics
	for _, a := range v.st.analytics {
		if !a.Date.Before(since) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (v *view) GetUserByExternalID(_ context.Context, externalID string) (*domain.User, error) {
	done, err := v.enter("GetUserByExternalID")
	defer done()
	if err != nil {
		return nil, err
	}
	for _, u := range v.st.users {
		if u.ExternalID != "" && u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (v *view) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	done, err := v.enter("GetUserByEmail")
	defer done()
	if err != nil {
		return nil, err
	}
	for _, u := range v.st.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (v *view) GetUser(_ context.Context, id string) (*domain.User, error) {
	done, err := v.enter("GetUser")
	defer done()
	if err != nil {
		return nil, err
	}
	u, ok := v.st.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (v *view) InsertUser(_ context.Context, u *domain.User) error {
	done, err := v.enter("InsertUser")
	defer done()
	if err != nil {
		return err
	}
	for _, x := range v.st.users {
		if x.Email == u.Email {
			return store.ErrConflict
		}
	}
	cp := *u
	v.st.users[u.ID] = &cp
	return nil
}

func (v *view) GetAddress(_ context.Context, id string) (*domain.Address, error) {
	done, err := v.enter("GetAddress")
	defer done()
	if err != nil {
		return nil, err
	}
	a, ok := v.st.addresses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (v *view) GetDefaultAddress(_ context.Context, userID string) (*domain.Address, error) {
	done, err := v.enter("GetDefaultAddress")
	defer done()
	if err != nil {
		return nil, err
	}
	for _, a := range v.st.addresses {
		if a.UserID == userID && a.IsDefault {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (v *view) InsertAddress(_ context.Context, a *domain.Address) error {
	done, err := v.enter("InsertAddress")
	defer done()
	if err != nil {
		return err
	}
	cp := *a
	v.st.addresses[a.ID] = &cp
	return nil
}

func (v *view) InsertPrescription(_ context.Context, p *domain.Prescription) error {
	done, err := v.enter("InsertPrescription")
	defer done()
	if err != nil {
		return err
	}
	cp := *p
	v.st.prescriptions[p.ID] = &cp
	return nil
}

var _ store.Store = (*Store)(nil)
