package payment

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusFailed     Status = "FAILED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// PaymentSession links a local order to the payment the gateway issued for it.
type PaymentSession struct {
	ID               string
	LocalOrderID     string
	GatewayPaymentID string
	Amount           int64
	Currency         string
	Status           Status
	FailureReason    string
	Receipt          []ReceiptLine
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// DeliveredAt is set once the outcome has reached the platform.
	DeliveredAt       *time.Time
	// DeliveryClaimedAt marks a delivery attempt in flight.
	DeliveryClaimedAt *time.Time
}

// AwaitingDelivery reports a session finalized from AUTHORIZED whose
// outcome has not reached the platform yet. Sessions failed before the
// gateway issued a payment have nothing to deliver.
func (s *PaymentSession) AwaitingDelivery() bool {
	return s.Status.Terminal() && s.GatewayPaymentID != "" && s.DeliveredAt == nil
}

// ReceiptLine is one fiscal receipt position, frozen at session start.
type ReceiptLine struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	TaxClass  string `json:"tax_class"`
	ShopCode  string `json:"shop_code,omitempty"`
}

// Total is UnitPrice * Quantity in minor units.
func (l ReceiptLine) Total() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// CallbackEvent is an append-only audit record of a gateway notification.
type CallbackEvent struct {
	ID               int64
	GatewayPaymentID string
	LocalOrderID     string
	ReportedStatus   string
	RawPayload       json.RawMessage
	SignatureValid   bool
	ReceivedAt       time.Time
}

type Customer struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}
