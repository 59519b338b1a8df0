package redisx

import "time"

const (
	// Verified payment response: idem:payment:verify:{reference} -> JSON body
	KeyIdemPaymentVerify = "idem:payment:verify:%s"

	// Cached order status: order_status:{order_id} -> {"status": "...", "updatedAt": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Admin dashboard summary: analytics:summary -> JSON
	KeyAnalyticsSummary = "analytics:summary"
)

var (
	TTLIdempotency      = 24 * time.Hour
	TTLStatusCache      = 5 * time.Minute
	TTLDedup            = 48 * time.Hour
	TTLAnalyticsSummary = 5 * time.Minute
)
