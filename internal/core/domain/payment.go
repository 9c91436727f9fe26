package domain

import "time"

type PaymentLinkRequest struct {
	Name        string
	Description string
	Currency    string
	AmountCents int64
	RedirectURL string
	ExpiresAt   time.Time
	Customer    Customer
}

type PaymentLink struct {
	ID  string
	URL string
}

type EventKind int

const (
	EventKindOther EventKind = iota
	EventKindTransactionUpdated
)

type PaymentOutcome int

const (
	OutcomeOther PaymentOutcome = iota
	OutcomeApproved
	OutcomeDeclined
	OutcomeErrored
)

func (o PaymentOutcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDeclined:
		return "declined"
	case OutcomeErrored:
		return "errored"
	default:
		return "other"
	}
}

// TargetStatus maps an outcome to the order status it drives. ok is false for
// outcomes that leave the order untouched.
func (o PaymentOutcome) TargetStatus() (OrderStatus, bool) {
	switch o {
	case OutcomeApproved:
		return OrderStatusPaid, true
	case OutcomeDeclined, OutcomeErrored:
		return OrderStatusFailed, true
	default:
		return "", false
	}
}

// PaymentEvent is the verified, decoded form of a processor webhook.
type PaymentEvent struct {
	Kind          EventKind
	Name          string // raw event name, kept for logging
	TransactionID string
	PaymentRef    string
	Outcome       PaymentOutcome
	RawStatus     string
	PaymentMethod string
}
