package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres error codes the store translates.
const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
	codeQueryCanceled    = "57014"
	codeIdleInTxTimeout  = "25P03"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on a pgx pool.
type Store struct {
	queries
	DB *pgxpool.Pool
	// MaxWait bounds connection acquisition and lock waits; Timeout bounds
	// the whole transaction.
	MaxWait time.Duration
	Timeout time.Duration
}

func NewStore(db *pgxpool.Pool, maxWait, timeout time.Duration) *Store {
	return &Store{queries: queries{q: db}, DB: db, MaxWait: maxWait, Timeout: timeout}
}

func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	acqCtx, acqCancel := context.WithTimeout(ctx, s.MaxWait)
	conn, err := s.DB.Acquire(acqCtx)
	acqCancel()
	if err != nil {
		return txErr(fmt.Errorf("acquire: %w", err))
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return txErr(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, s.MaxWait.Milliseconds())); err != nil {
		return txErr(err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL statement_timeout = '%dms'`, s.Timeout.Milliseconds())); err != nil {
		return txErr(err)
	}

	if err := fn(queries{q: tx}); err != nil {
		return txErr(err)
	}
	return txErr(tx.Commit(ctx))
}

// txErr tags deadline and lock-wait failures with store.ErrTxTimeout.
func txErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrTxTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrTxTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeQueryCanceled, codeIdleInTxTimeout:
			return fmt.Errorf("%w: %w", store.ErrTxTimeout, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type queries struct{ q querier }

func (r queries) InsertOrder(ctx context.Context, o *domain.Order) error {
	if _, err := r.q.Exec(ctx, `
		INSERT INTO orders(id, user_id, address_id, status, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.UserID, o.AddressID, string(o.Status), o.Total, o.CreatedAt, o.UpdatedAt); err != nil {
		return err
	}
	for _, it := range o.Items {
		if _, err := r.q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, drug_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5)`,
			it.ID, o.ID, it.DrugID, it.Quantity, it.Price); err != nil {
			return err
		}
	}
	return nil
}

func (r queries) GetOrder(ctx context.Context, id string, lock bool) (*domain.Order, error) {
	sql := `SELECT id, user_id, address_id, status, total, created_at, updated_at FROM orders WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var o domain.Order
	var status string
	if err := r.q.QueryRow(ctx, sql, id).Scan(&o.ID, &o.UserID, &o.AddressID, &status, &o.Total, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	o.Status = domain.Status(status)

	rows, err := r.q.Query(ctx, `
		SELECT oi.id, oi.drug_id, d.name, oi.quantity, oi.price
		FROM order_items oi JOIN drugs d ON d.id = oi.drug_id
		WHERE oi.order_id=$1 ORDER BY oi.id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		it := domain.OrderItem{OrderID: id}
		if err := rows.Scan(&it.ID, &it.DrugID, &it.DrugName, &it.Quantity, &it.Price); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r queries) SetOrderStatus(ctx context.Context, id string, s domain.Status, at time.Time) error {
	ct, err := r.q.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1`, id, string(s), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (r queries) InsertStatusLog(ctx context.Context, l domain.StatusLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO order_status_logs(id, order_id, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5)`, l.ID, l.OrderID, string(l.Status), l.Notes, l.CreatedAt)
	return err
}

func (r queries) ListStatusLogs(ctx context.Context, orderID string) ([]domain.StatusLog, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, status, notes, created_at FROM order_status_logs
		WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusLog
	for rows.Next() {
		var l domain.StatusLog
		var status string
		if err := rows.Scan(&l.ID, &l.OrderID, &status, &l.Notes, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Status = domain.Status(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r queries) InsertNotification(ctx context.Context, n domain.Notification) error {
	var meta []byte
	if n.Metadata != nil {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO notifications(id, user_id, title, message, type, read, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, nullable(n.UserID), n.Title, n.Message, string(n.Type), n.Read, meta, n.CreatedAt)
	return err
}

func (r queries) ListNotifications(ctx context.Context, limit, offset int, includeRead bool) ([]domain.Notification, int, error) {
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE $1 OR NOT read`, includeRead).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, COALESCE(user_id, ''), title, message, type, read, metadata, created_at
		FROM notifications WHERE $1 OR NOT read
		ORDER BY read ASC, created_at DESC LIMIT $2 OFFSET $3`, includeRead, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var typ string
		var meta []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &typ, &n.Read, &meta, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		n.Type = domain.NotificationType(typ)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &n.Metadata)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

const paymentCols = `id, user_id, order_id, reference, amount, currency, status, payment_method, transaction_date`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var orderID *string
	if err := row.Scan(&p.ID, &p.UserID, &orderID, &p.Reference, &p.Amount, &p.Currency, &p.Status, &p.PaymentMethod, &p.TransactionDate); err != nil {
		return nil, notFound(err)
	}
	if orderID != nil {
		p.OrderID = *orderID
	}
	return &p, nil
}

func (r queries) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return scanPayment(r.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id=$1`, id))
}

func (r queries) GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return scanPayment(r.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE reference=$1`, reference))
}

// InsertPayment never raises inside the transaction on a duplicate
// reference: ON CONFLICT keeps the transaction usable for the re-read.
func (r queries) InsertPayment(ctx context.Context, p *domain.Payment) error {
	ct, err := r.q.Exec(ctx, `
		INSERT INTO payments(`+paymentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference) DO NOTHING`,
		p.ID, p.UserID, nullable(p.OrderID), p.Reference, p.Amount, p.Currency, p.Status, p.PaymentMethod, p.TransactionDate)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateReference
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrDuplicateReference
	}
	return nil
}

func (r queries) LinkPayment(ctx context.Context, paymentID, orderID, status string) error {
	ct, err := r.q.Exec(ctx, `UPDATE payments SET order_id=$2, status=$3 WHERE id=$1`, paymentID, orderID, status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

const drugCols = `id, name, dosage, price, stock_quantity, total_sold, revenue`

func scanDrug(row pgx.Row) (*domain.Drug, error) {
	var d domain.Drug
	if err := row.Scan(&d.ID, &d.Name, &d.Dosage, &d.Price, &d.StockQuantity, &d.TotalSold, &d.Revenue); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r queries) GetDrug(ctx context.Context, id string) (*domain.Drug, error) {
	return scanDrug(r.q.QueryRow(ctx, `SELECT `+drugCols+` FROM drugs WHERE id=$1`, id))
}

func (r queries) ApplySale(ctx context.Context, drugID string, qty int, revenue decimal.Decimal) (*domain.Drug, error) {
	return scanDrug(r.q.QueryRow(ctx, `
		UPDATE drugs
		SET stock_quantity = stock_quantity - $2, total_sold = total_sold + $2, revenue = revenue + $3
		WHERE id=$1
		RETURNING `+drugCols, drugID, qty, revenue))
}

func (r queries) MissingDrugs(ctx context.Context, ids []string) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT x.id FROM unnest($1::text[]) AS x(id)
		LEFT JOIN drugs d ON d.id = x.id
		WHERE d.id IS NULL`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const analyticsCols = `date, total_revenue, total_orders, total_drugs_sold, daily_data, updated_at`

func scanAnalytics(row pgx.Row) (*domain.Analytics, error) {
	var a domain.Analytics
	var daily []byte
	if err := row.Scan(&a.Date, &a.TotalRevenue, &a.TotalOrders, &a.TotalDrugsSold, &daily, &a.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	if len(daily) > 0 {
		a.DailyData = daily
	}
	return &a, nil
}

func (r queries) GetAnalytics(ctx context.Context, day time.Time) (*domain.Analytics, error) {
	return scanAnalytics(r.q.QueryRow(ctx, `SELECT `+analyticsCols+` FROM analytics WHERE date=$1`, day))
}

func (r queries) IncrementAnalytics(ctx context.Context, d domain.Analytics) error {
	var daily []byte
	if len(d.DailyData) > 0 {
		daily = d.DailyData
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO analytics(`+analyticsCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (date) DO UPDATE SET
			total_revenue    = analytics.total_revenue + EXCLUDED.total_revenue,
			total_orders     = analytics.total_orders + EXCLUDED.total_orders,
			total_drugs_sold = analytics.total_drugs_sold + EXCLUDED.total_drugs_sold,
			updated_at       = EXCLUDED.updated_at`,
		d.Date, d.TotalRevenue, d.TotalOrders, d.TotalDrugsSold, daily, d.UpdatedAt)
	return err
}

func (r queries) ListAnalytics(ctx context.Context, since time.Time) ([]domain.Analytics, error) {
	rows, err := r.q.Query(ctx, `SELECT `+analyticsCols+` FROM analytics WHERE date >= $1 ORDER BY date`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Analytics
	for rows.Next() {
		a, err := scanAnalytics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const userCols = `id, COALESCE(external_id, ''), email, name, role, guest, created_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.Role, &u.Guest, &u.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r queries) GetUserByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE external_id=$1`, externalID))
}

func (r queries) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email=$1`, email))
}

func (r queries) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (r queries) InsertUser(ctx context.Context, u *domain.User) error {
	ct, err := r.q.Exec(ctx, `
		INSERT INTO users(id, external_id, email, name, role, guest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		u.ID, nullable(u.ExternalID), u.Email, u.Name, u.Role, u.Guest, u.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

const addressCols = `id, user_id, address_line1, country, is_default, created_at`

func scanAddress(row pgx.Row) (*domain.Address, error) {
	var a domain.Address
	if err := row.Scan(&a.ID, &a.UserID, &a.AddressLine1, &a.Country, &a.IsDefault, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r queries) GetAddress(ctx context.Context, id string) (*domain.Address, error) {
	return scanAddress(r.q.QueryRow(ctx, `SELECT `+addressCols+` FROM addresses WHERE id=$1`, id))
}

func (r queries) GetDefaultAddress(ctx context.Context, userID string) (*domain.Address, error) {
	return scanAddress(r.q.QueryRow(ctx, `
		SELECT `+addressCols+` FROM addresses WHERE user_id=$1 AND is_default
		ORDER BY created_at LIMIT 1`, userID))
}

func (r queries) InsertAddress(ctx context.Context, a *domain.Address) error {
	_, err := r.q.Exec(ctx, `INSERT INTO addresses(`+addressCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.AddressLine1, a.Country, a.IsDefault, a.CreatedAt)
	return err
}

func (r queries) InsertPrescription(ctx context.Context, p *domain.Prescription) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO prescriptions(id, user_id, text, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5)`, p.ID, p.UserID, p.Text, p.ImageURL, p.CreatedAt)
	return err
}

var _ store.Store = (*Store)(nil)
