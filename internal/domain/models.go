package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId,omitempty"` // session subject
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	Role       string    `json:"role"`
	Guest      bool      `json:"guest,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Address struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	AddressLine1 string    `json:"addressLine1"`
	Country      string    `json:"country"`
	IsDefault    bool      `json:"isDefault"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Drug struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Dosage        string          `json:"dosage,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stockQuantity"`
	TotalSold     int             `json:"totalSold"`
	Revenue       decimal.Decimal `json:"revenue"`
}

type Order struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	AddressID  string          `json:"addressId"`
	Status     Status          `json:"status"`
	Total      decimal.Decimal `json:"total"`
	Items      []OrderItem     `json:"items"`
	StatusLogs []StatusLog     `json:"statusLogs,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// OrderItem.Price is the unit price at purchase time.
type OrderItem struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"orderId"`
	DrugID   string          `json:"drugId"`
	DrugName string          `json:"drugName,omitempty"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func (it OrderItem) Subtotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// UnitsSold sums item quantities.
func (o *Order) UnitsSold() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

type StatusLog struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
}

type Payment struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	OrderID         string          `json:"orderId,omitempty"` // empty until linked
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	PaymentMethod   string          `json:"paymentMethod"`
	TransactionDate time.Time       `json:"transactionDate"`
}

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId,omitempty"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Read      bool             `json:"read"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Analytics is one row per calendar day (UTC).
type Analytics struct {
	Date           time.Time       `json:"date"`
	TotalRevenue   decimal.Decimal `json:"totalRevenue"`
	TotalOrders    int             `json:"totalOrders"`
	TotalDrugsSold int             `json:"totalDrugsSold"`
	DailyData      json.RawMessage `json:"dailyData,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type Prescription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
