// Package offline holds the client-side durable operation queue. Operations
// that could not reach the API are persisted locally and replayed once the
// connection comes back.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Type string

const (
	TypePayment      Type = "payment"
	TypeOrder        Type = "order"
	TypePrescription Type = "prescription"
)

func (t Type) Valid() bool {
	switch t {
	case TypePayment, TypeOrder, TypePrescription:
		return true
	}
	return false
}

type Operation struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Attempts  int             `json:"attempts"`
}

var ErrNotFound = errors.New("offline: not found")

// Store is the local persistence behind the queue. It has two collections:
// operations, listed oldest first, and an expiring response cache.
type Store interface {
	PutOperation(ctx context.Context, op Operation) error
	DeleteOperation(ctx context.Context, id string) error
	ListOperations(ctx context.Context) ([]Operation, error)

	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// GetCache returns ErrNotFound for missing or expired keys.
	GetCache(ctx context.Context, key string) ([]byte, error)
	ClearExpired(ctx context.Context) (int64, error)

	Close() error
}
