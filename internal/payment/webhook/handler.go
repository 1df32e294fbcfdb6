package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"tbank-checkout/internal/logger"
	"tbank-checkout/internal/metrics"
	"tbank-checkout/internal/payment"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// ackBody is the only response the gateway accepts as delivered.
const ackBody = "OK"

type completer interface {
	Complete(ctx context.Context, orderID string) (payment.Outcome, error)
	CompleteByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (payment.Outcome, error)
}

// Handler receives gateway notifications. A notification only wakes up
// reconciliation: the reported status is stored for audit and never
// trusted.
type Handler struct {
	svc     completer
	gateway payment.Gateway
	store   payment.Store
	verify  bool
	metrics *metrics.Metrics
}

func NewWebhookHandler(svc completer, gateway payment.Gateway, store payment.Store, verify bool, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:     svc,
		gateway: gateway,
		store:   store,
		verify:  verify,
		metrics: m,
	}
}

func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromCtx(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		log.Warn("Invalid notification payload", zap.Error(err))
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	orderID := field(payload, "OrderId")
	paymentID := field(payload, "PaymentId")
	reported := field(payload, "Status")

	log = log.With(
		zap.String("order_id", orderID),
		zap.String("payment_id", paymentID),
		zap.String("reported_status", reported),
	)

	valid := h.gateway.VerifyCallback(payload)
	switch {
	case !h.verify:
		h.metrics.CallbackReceived("skipped")
	case valid:
		h.metrics.CallbackReceived("valid")
	default:
		h.metrics.CallbackReceived("invalid")
	}

	ev := &payment.CallbackEvent{
		GatewayPaymentID: paymentID,
		LocalOrderID:     orderID,
		ReportedStatus:   reported,
		RawPayload:       json.RawMessage(body),
		SignatureValid:   valid,
	}
	if err := h.store.SaveCallback(ctx, ev); err != nil {
		log.Error("Failed to save notification", zap.Error(err))
	}

	if h.verify && !valid {
		log.Warn("Notification token mismatch")
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	var out payment.Outcome
	switch {
	case orderID != "":
		out, err = h.svc.Complete(ctx, orderID)
	case paymentID != "":
		out, err = h.svc.CompleteByGatewayPaymentID(ctx, paymentID)
	default:
		http.Error(w, "missing OrderId and PaymentId", http.StatusBadRequest)
		return
	}

	if errors.Is(err, payment.ErrSessionNotFound) {
		// nothing of ours to reconcile; stop the gateway from retrying
		log.Warn("Notification for unknown payment session")
		writeAck(w)
		return
	}
	if err != nil {
		log.Error("Failed to reconcile notification", zap.Error(err))
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	log.Info("Notification processed",
		zap.String("status", string(out.Status)),
		zap.Bool("applied", out.Applied),
	)
	writeAck(w)
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ackBody)
}

// field returns a root value as a string; numbers keep their literal form.
func field(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
