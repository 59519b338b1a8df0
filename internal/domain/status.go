package domain

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return st, true
	}
	return "", false
}

type NotificationType string

const (
	NotificationOrderStatus    NotificationType = "ORDER_STATUS_CHANGE"
	NotificationPaymentSuccess NotificationType = "PAYMENT_SUCCESS"
	NotificationLowStock       NotificationType = "LOW_STOCK"
)

const (
	PaymentCompleted = "completed"
)
