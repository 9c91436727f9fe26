package domain

import "time"

const (
	TopicOrderPaid   = "order.paid"
	TopicOrderFailed = "order.failed"
)

type OutboxMessage struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
	SentAt    *time.Time
}

// OrderNotification is the payload published for order.paid / order.failed.
type OrderNotification struct {
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	CustomerEmail string    `json:"customer_email"`
	CustomerName  string    `json:"customer_name"`
	Status        string    `json:"status"`
	TotalAmount   int64     `json:"total_amount"`
	ItemIDs       []string  `json:"item_ids"`
	OccurredAt    time.Time `json:"occurred_at"`
}
