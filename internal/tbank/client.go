package tbank

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tbank-checkout/internal/config"
	"tbank-checkout/internal/logger"
	"tbank-checkout/internal/payment"

	"go.uber.org/zap"
)

const (
	taxation   = "osn"
	defaultTax = "none"
)

type client struct {
	terminalKey string
	password    string
	baseURL     string
	testMode    bool
	httpClient  *http.Client
}

// ----------------- Constructor -----------------

func NewClient(creds config.GatewayCredentials) payment.Gateway {
	if creds.TerminalKey == "" || creds.Secret == "" {
		logger.L().Warn("T-Bank terminal credentials are empty")
	}

	return &client{
		terminalKey: creds.TerminalKey,
		password:    creds.Secret,
		baseURL:     strings.TrimRight(creds.BaseURL, "/"),
		testMode:    creds.TestMode,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ----------------- Authorize (Init) -----------------

func (c *client) Authorize(ctx context.Context, req payment.AuthorizeRequest) (*payment.AuthorizeResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("order_id", req.OrderID),
		zap.Int64("amount", req.Amount),
		zap.Bool("test_mode", c.testMode),
	)

	if req.Currency != "" && !strings.EqualFold(req.Currency, "RUB") {
		log.Warn("Unsupported currency", zap.String("currency", req.Currency))
		return nil, fmt.Errorf("tbank supports RUB only, got %s: %w", req.Currency, payment.ErrGatewayRejected)
	}

	params := map[string]any{
		"TerminalKey": c.terminalKey,
		"Amount":      req.Amount,
		"OrderId":     req.OrderID,
	}
	if req.Description != "" {
		params["Description"] = req.Description
	}
	if req.SuccessURL != "" {
		params["SuccessURL"] = req.SuccessURL
	}
	if req.FailURL != "" {
		params["FailURL"] = req.FailURL
	}
	if req.NotificationURL != "" {
		params["NotificationURL"] = req.NotificationURL
	}
	if len(req.Receipt) > 0 {
		params["Receipt"] = buildReceipt(req.Customer, req.Receipt)
	}

	log.Info("Sending Init request to T-Bank")

	res, err := c.call(ctx, log, "Init", params)
	if err != nil {
		return nil, err
	}

	if res.PaymentID == "" || res.PaymentURL == "" {
		log.Error("T-Bank Init response misses payment id or url", zap.String("status", res.Status))
		return nil, errors.New("tbank error: Init response without PaymentId or PaymentURL")
	}

	log.Info("T-Bank payment created",
		zap.String("payment_id", string(res.PaymentID)),
		zap.String("status", res.Status),
	)

	return &payment.AuthorizeResult{
		PaymentID:   string(res.PaymentID),
		RedirectURL: res.PaymentURL,
	}, nil
}

// ----------------- QueryStatus (GetState) -----------------

func (c *client) QueryStatus(ctx context.Context, paymentID string) (*payment.StatusResult, error) {
	log := logger.FromCtx(ctx).With(zap.String("payment_id", paymentID))

	params := map[string]any{
		"TerminalKey": c.terminalKey,
		"PaymentId":   paymentID,
	}

	res, err := c.call(ctx, log, "GetState", params)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(res)

	log.Info("T-Bank payment state", zap.String("status", res.Status))

	return &payment.StatusResult{
		Status: MapStatus(res.Status),
		Raw:    res.Status,
		Data:   data,
	}, nil
}

// ----------------- VerifyCallback -----------------

// VerifyCallback checks the Token of a notification body. Numbers in
// payload may be float64 or json.Number.
func (c *client) VerifyCallback(payload map[string]any) bool {
	got, ok := payload["Token"].(string)
	if !ok || got == "" {
		return false
	}
	if key, _ := payload["TerminalKey"].(string); key != "" && key != c.terminalKey {
		return false
	}

	want := Sign(payload, c.password)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(want)) == 1
}

// MapStatus folds gateway statuses into the normalised set. Unknown and
// intermediate states stay in progress.
func MapStatus(raw string) payment.GatewayStatus {
	switch normalize(raw) {
	case StatusConfirmed, StatusAuthorized, StatusPartialRefunded:
		return payment.GatewayPaid
	case StatusCanceled, StatusReversed, StatusRefunded, StatusDeadlineExpired:
		return payment.GatewayCancelled
	case StatusRejected, StatusAuthFail:
		return payment.GatewayFailed
	default:
		return payment.GatewayInProgress
	}
}

func (c *client) call(ctx context.Context, log *zap.Logger, method string, params map[string]any) (*apiResponse, error) {
	params["Token"] = Sign(params, c.password)

	jsonBody, err := json.Marshal(params)
	if err != nil {
		log.Error("Failed to marshal T-Bank request", zap.String("method", method), zap.Error(err))
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewBuffer(jsonBody))
	if err != nil {
		log.Error("Failed creating request", zap.Error(err))
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("T-Bank request failed", zap.String("method", method), zap.Error(err))
		return nil, fmt.Errorf("tbank %s: %w", method, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("Failed to read response body", zap.Error(err))
		return nil, fmt.Errorf("failed to read tbank response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error("T-Bank returned non-success status",
			zap.String("method", method),
			zap.Int("http_status", resp.StatusCode),
			zap.ByteString("response", bodyBytes),
		)
		return nil, fmt.Errorf("tbank error: %s", string(bodyBytes))
	}

	var res apiResponse
	if err := json.Unmarshal(bodyBytes, &res); err != nil {
		log.Error("Failed decoding T-Bank response", zap.Error(err))
		return nil, fmt.Errorf("tbank %s: decode response: %w", method, err)
	}

	if !res.Success {
		log.Warn("T-Bank rejected request",
			zap.String("method", method),
			zap.String("error_code", res.ErrorCode),
			zap.String("message", res.Message),
			zap.String("details", res.Details),
		)
		return nil, fmt.Errorf("tbank %s: %s (code %s): %w", method, res.Message, res.ErrorCode, payment.ErrGatewayRejected)
	}

	return &res, nil
}

func buildReceipt(customer payment.Customer, lines []payment.ReceiptLine) receipt {
	items := make([]receiptItem, 0, len(lines))
	for _, l := range lines {
		tax := l.TaxClass
		if tax == "" {
			tax = defaultTax
		}
		items = append(items, receiptItem{
			Name:     l.Name,
			Quantity: l.Quantity,
			Price:    l.UnitPrice,
			Amount:   l.Total(),
			Tax:      tax,
			ShopCode: l.ShopCode,
		})
	}

	return receipt{
		Email:    customer.Email,
		Phone:    customer.Phone,
		Taxation: taxation,
		Items:    items,
	}
}
