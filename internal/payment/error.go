package payment

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateSession  = errors.New("payment session already in progress")
	ErrSessionNotFound   = errors.New("payment session not found")
	ErrInvalidTransition = errors.New("invalid payment session transition")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDeliveryInFlight  = errors.New("payment outcome delivery in progress")
	// ErrGatewayRejected marks a well-formed gateway answer that refused the request.
	ErrGatewayRejected = errors.New("gateway rejected request")
)

// GatewayAuthorizationError is returned by checkout start when the
// gateway could not authorize the payment. Surfaced to buyers as
// "payment unavailable".
type GatewayAuthorizationError struct {
	OrderID string
	Err     error
}

func (e *GatewayAuthorizationError) Error() string {
	return fmt.Sprintf("gateway authorization failed for order %s: %v", e.OrderID, e.Err)
}

func (e *GatewayAuthorizationError) Unwrap() error { return e.Err }

func (e *GatewayAuthorizationError) Kind() string { return "payment_unavailable" }

// Kind classifies err for transport mapping.
func Kind(err error) string {
	var authErr *GatewayAuthorizationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return authErr.Kind()
	case errors.Is(err, ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrDeliveryInFlight):
		return "delivery_in_flight"
	case errors.Is(err, ErrGatewayRejected):
		return "gateway_rejected"
	default:
		return "internal"
	}
}
