package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/analytics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Redis is a fast path only. Every failure here is logged and treated as a
// cache miss; Postgres stays the source of truth.

// ResponseCache stores verified-payment responses by gateway reference.
type ResponseCache struct{ R redis.Cmdable }

func (c ResponseCache) Get(ctx context.Context, reference string) ([]byte, bool) {
	b, err := c.R.Get(ctx, fmt.Sprintf(KeyIdemPaymentVerify, reference)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("redis get verify response %s: %v", reference, err)
		}
		return nil, false
	}
	return b, true
}

func (c ResponseCache) Put(ctx context.Context, reference string, body []byte) {
	if err := c.R.Set(ctx, fmt.Sprintf(KeyIdemPaymentVerify, reference), body, TTLIdempotency).Err(); err != nil {
		log.Printf("redis set verify response %s: %v", reference, err)
	}
}

type orderStatus struct {
	Status    domain.Status `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// StatusCache publishes the latest known status per order under
// KeyOrderStatus for readers outside this service.
type StatusCache struct{ R redis.Cmdable }

func (c StatusCache) Set(ctx context.Context, orderID string, st domain.Status, at time.Time) {
	b, _ := json.Marshal(orderStatus{Status: st, UpdatedAt: at})
	if err := c.R.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err(); err != nil {
		log.Printf("redis set order status %s: %v", orderID, err)
	}
}

// SummaryCache implements analytics.Cache.
type SummaryCache struct{ R redis.Cmdable }

func (c SummaryCache) GetSummary(ctx context.Context) (*analytics.Summary, bool) {
	b, err := c.R.Get(ctx, KeyAnalyticsSummary).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("redis get analytics summary: %v", err)
		}
		return nil, false
	}
	var s analytics.Summary
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, false
	}
	return &s, true
}

func (c SummaryCache) SetSummary(ctx context.Context, s *analytics.Summary) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.R.Set(ctx, KeyAnalyticsSummary, b, TTLAnalyticsSummary).Err(); err != nil {
		log.Printf("redis set analytics summary: %v", err)
	}
}

func (c SummaryCache) InvalidateSummary(ctx context.Context) {
	if err := c.R.Del(ctx, KeyAnalyticsSummary).Err(); err != nil {
		log.Printf("redis del analytics summary: %v", err)
	}
}

var _ analytics.Cache = SummaryCache{}
