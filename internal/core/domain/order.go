package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusFailed
}

type Customer struct {
	Email string
	Name  string
	Phone string
}

type OrderItem struct {
	CatalogItemID string
	Quantity      int
	UnitPrice     int64 // minor currency units, captured at checkout

	// display fields joined from the catalog on reads
	Title      string
	PreviewURL string
}

func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

type Order struct {
	ID            string
	Number        string
	Customer      Customer
	Items         []OrderItem
	TotalAmount   int64
	DownloadToken string
	PaymentRef    string // empty until a payment link exists
	PaymentMethod string
	Status        OrderStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderFilter selects orders by exactly one of Email or Token.
type OrderFilter struct {
	Email string
	Token string
}
