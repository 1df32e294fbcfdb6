package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tbank-checkout/internal/auth"
	"tbank-checkout/internal/logger"
	"tbank-checkout/internal/payment"

	"go.uber.org/zap"
)

const (
	serviceName = "tbank-checkout"
	tokenTTL    = 5 * time.Minute
)

// Client talks to the host platform's order API with a short-lived
// service token.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*payment.OrderSnapshot, error) {
	log := logger.FromCtx(ctx).With(zap.String("order_id", orderID))

	req, err := c.newRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		log.Error("Failed building request", zap.Error(err))
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("Platform request failed", zap.Error(err))
		return nil, fmt.Errorf("platform get order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("order %s: %w", orderID, payment.ErrOrderNotFound)
	case resp.StatusCode != http.StatusOK:
		log.Error("Platform returned error",
			zap.Int("http_status", resp.StatusCode),
			zap.ByteString("response", body),
		)
		return nil, fmt.Errorf("platform error: %s", string(body))
	}

	var order payment.OrderSnapshot
	if err := json.Unmarshal(body, &order); err != nil {
		log.Error("Failed decoding order", zap.Error(err))
		return nil, err
	}
	if order.ID == "" {
		order.ID = orderID
	}
	return &order, nil
}

func (c *Client) ApplyPaymentOutcome(ctx context.Context, orderID string, outcome payment.Outcome) error {
	log := logger.FromCtx(ctx).With(
		zap.String("order_id", orderID),
		zap.String("status", string(outcome.Status)),
	)

	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/payment-outcome", payload)
	if err != nil {
		log.Error("Failed building request", zap.Error(err))
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("Platform request failed", zap.Error(err))
		return fmt.Errorf("platform apply outcome: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		log.Error("Platform rejected payment outcome",
			zap.Int("http_status", resp.StatusCode),
			zap.ByteString("response", body),
		)
		return fmt.Errorf("platform error: %s", string(body))
	}

	log.Info("Payment outcome delivered to platform")
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	token, err := auth.GenerateServiceToken(c.secret, serviceName, tokenTTL)
	if err != nil {
		return nil, err
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reqID := logger.RequestIDFrom(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	return req, nil
}
