package tbank

import (
	"bytes"
	"encoding/json"
	"strings"
)

// flexString accepts both "123" and 123. The gateway sends PaymentId as
// a string on Init and as a number in some notifications.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type apiResponse struct {
	Success     bool       `json:"Success"`
	ErrorCode   string     `json:"ErrorCode"`
	Message     string     `json:"Message"`
	Details     string     `json:"Details"`
	TerminalKey string     `json:"TerminalKey"`
	Status      string     `json:"Status"`
	PaymentID   flexString `json:"PaymentId"`
	OrderID     string     `json:"OrderId"`
	Amount      int64      `json:"Amount"`
	PaymentURL  string     `json:"PaymentURL"`
}

type receipt struct {
	Email    string        `json:"Email,omitempty"`
	Phone    string        `json:"Phone,omitempty"`
	Taxation string        `json:"Taxation"`
	Items    []receiptItem `json:"Items"`
}

type receiptItem struct {
	Name     string `json:"Name"`
	Quantity int    `json:"Quantity"`
	Price    int64  `json:"Price"`
	Amount   int64  `json:"Amount"`
	Tax      string `json:"Tax"`
	ShopCode string `json:"ShopCode,omitempty"`
}

// Gateway payment statuses, as reported by GetState and notifications.
const (
	StatusNew             = "NEW"
	StatusFormShowed      = "FORM_SHOWED"
	StatusAuthorizing     = "AUTHORIZING"
	StatusAuthorized      = "AUTHORIZED"
	StatusConfirming      = "CONFIRMING"
	StatusConfirmed       = "CONFIRMED"
	StatusReversing       = "REVERSING"
	StatusReversed        = "REVERSED"
	StatusRefunding       = "REFUNDING"
	StatusRefunded        = "REFUNDED"
	StatusPartialRefunded = "PARTIAL_REFUNDED"
	StatusCanceled        = "CANCELED"
	StatusDeadlineExpired = "DEADLINE_EXPIRED"
	StatusRejected        = "REJECTED"
	StatusAuthFail        = "AUTH_FAIL"
)

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
