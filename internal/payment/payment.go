package payment

import (
	"context"
	"encoding/json"
)

// GatewayStatus is the gateway's view of a payment, normalised.
type GatewayStatus string

const (
	GatewayInProgress GatewayStatus = "IN_PROGRESS"
	GatewayPaid       GatewayStatus = "PAID"
	GatewayFailed     GatewayStatus = "FAILED"
	GatewayCancelled  GatewayStatus = "CANCELLED"
)

type AuthorizeRequest struct {
	OrderID         string
	Amount          int64
	Currency        string
	Description     string
	SuccessURL      string
	FailURL         string
	NotificationURL string
	Customer        Customer
	Receipt         []ReceiptLine
}

type AuthorizeResult struct {
	PaymentID   string
	RedirectURL string
}

type StatusResult struct {
	Status GatewayStatus
	// Raw is the gateway's own status code, e.g. CONFIRMED.
	Raw  string
	Data json.RawMessage
}

// Gateway is the payment provider client. Authorize is not idempotent
// and must not be retried; QueryStatus is read-only.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	QueryStatus(ctx context.Context, paymentID string) (*StatusResult, error)
	VerifyCallback(payload map[string]any) bool
}

// OrderLine is one position of an order as the platform reports it.
type OrderLine struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	TaxClass  string `json:"tax_class,omitempty"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

// OrderSnapshot is a read-only copy of a platform order.
type OrderSnapshot struct {
	ID       string      `json:"id"`
	Number   string      `json:"number"`
	Total    int64       `json:"total"`
	Currency string      `json:"currency"`
	Lines    []OrderLine `json:"lines"`
	Customer Customer    `json:"customer"`
}

// Outcome is the result of reconciling a session with the gateway.
type Outcome struct {
	OrderID          string          `json:"order_id"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	Status           Status          `json:"status"`
	Applied          bool            `json:"applied"`
	GatewayStatus    string          `json:"gateway_status,omitempty"`
	RawData          json.RawMessage `json:"raw_data,omitempty"`
}

// OrderGateway is the host platform's order API.
type OrderGateway interface {
	GetOrder(ctx context.Context, orderID string) (*OrderSnapshot, error)
	ApplyPaymentOutcome(ctx context.Context, orderID string, outcome Outcome) error
}
