// Package analytics keeps the per-day sales counters that are updated in the
// same transaction as a payment confirmation.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/shopspring/decimal"
)

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type dailyDrug struct {
	DrugID   string          `json:"drugId"`
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type dailyData struct {
	Orders []string    `json:"orders"`
	Drugs  []dailyDrug `json:"drugs"`
}

// Record adds one confirmed order to today's row through q. The first order
// of the day also seeds daily_data with its ids and per-drug figures.
func Record(ctx context.Context, q store.Queries, o *domain.Order, amount decimal.Decimal, now time.Time) error {
	dd := dailyData{Orders: []string{o.ID}}
	for _, it := range o.Items {
		dd.Drugs = append(dd.Drugs, dailyDrug{
			DrugID: it.DrugID, Name: it.DrugName, Quantity: it.Quantity, Revenue: it.Subtotal(),
		})
	}
	raw, err := json.Marshal(dd)
	if err != nil {
		return fmt.Errorf("daily data: %w", err)
	}
	if err := q.IncrementAnalytics(ctx, domain.Analytics{
		Date:           Day(now),
		TotalRevenue:   amount,
		TotalOrders:    1,
		TotalDrugsSold: o.UnitsSold(),
		DailyData:      raw,
		UpdatedAt:      now,
	}); err != nil {
		return fmt.Errorf("increment analytics: %w", err)
	}
	return nil
}

type Summary struct {
	TotalRevenue   decimal.Decimal    `json:"totalRevenue"`
	TotalOrders    int                `json:"totalOrders"`
	TotalDrugsSold int                `json:"totalDrugsSold"`
	Days           []domain.Analytics `json:"days"`
	GeneratedAt    time.Time          `json:"generatedAt"`
}

// Cache stores the rendered summary between confirmations.
type Cache interface {
	GetSummary(ctx context.Context) (*Summary, bool)
	SetSummary(ctx context.Context, s *Summary)
	InvalidateSummary(ctx context.Context)
}

type Reader struct {
	Store store.Queries
	Cache Cache
	// Window is how many days the summary covers, today included.
	Window int
	Now    func() time.Time
}

func (r *Reader) Summary(ctx context.Context) (*Summary, error) {
	if r.Cache != nil {
		if s, ok := r.Cache.GetSummary(ctx); ok {
			return s, nil
		}
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	window := r.Window
	if window <= 0 {
		window = 7
	}
	since := Day(now).AddDate(0, 0, -(window - 1))
	days, err := r.Store.ListAnalytics(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list analytics: %w", err)
	}
	s := &Summary{TotalRevenue: decimal.Zero, Days: days, GeneratedAt: now.UTC()}
	for _, d := range days {
		s.TotalRevenue = s.TotalRevenue.Add(d.TotalRevenue)
		s.TotalOrders += d.TotalOrders
		s.TotalDrugsSold += d.TotalDrugsSold
	}
	if r.Cache != nil {
		r.Cache.SetSummary(ctx, s)
	}
	return s, nil
}

// Invalidate drops the cached summary. Safe on a nil cache.
func (r *Reader) Invalidate(ctx context.Context) {
	if r == nil || r.Cache == nil {
		return
	}
	r.Cache.InvalidateSummary(ctx)
	log.Printf("analytics summary cache invalidated")
}
