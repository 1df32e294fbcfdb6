package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"tbank-checkout/internal/logger"
	"tbank-checkout/internal/payment"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var kindToStatus = map[string]int{
	"duplicate_session":   http.StatusConflict,
	"session_not_found":   http.StatusNotFound,
	"order_not_found":     http.StatusNotFound,
	"invalid_transition":  http.StatusConflict,
	"invalid_amount":      http.StatusBadRequest,
	"payment_unavailable": http.StatusBadGateway,
	"gateway_rejected":    http.StatusBadGateway,
	"delivery_in_flight":  http.StatusConflict,
}

// HTTPStatus maps a checkout error to a response code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[payment.Kind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type Handler struct {
	svc          Service
	orders       payment.OrderGateway
	orderPageURL string
}

// NewHandler wires the buyer-facing endpoints. orderPageURL may contain
// {{order_id}} and {{status}}.
func NewHandler(svc Service, orders payment.OrderGateway, orderPageURL string) *Handler {
	return &Handler{svc: svc, orders: orders, orderPageURL: orderPageURL}
}

// Start handles POST /checkout/{orderID}.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")
	log := logger.FromCtx(ctx).With(zap.String("order_id", orderID))

	if orderID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "order id is required")
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		log.Error("Failed to load order", zap.Error(err))
		writeKindError(w, err)
		return
	}
	if order.ID != orderID {
		log.Warn("Platform returned a different order", zap.String("got", order.ID))
		order.ID = orderID
	}

	redirectURL, err := h.svc.Start(ctx, StartRequestFromOrder(order))
	if err != nil {
		writeKindError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": redirectURL})
}

// Return handles GET /checkout/{orderID}/return, where the gateway sends
// the buyer back. It reconciles and redirects to the order page.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")
	log := logger.FromCtx(ctx).With(zap.String("order_id", orderID))

	out, err := h.svc.Complete(ctx, orderID)
	if errors.Is(err, payment.ErrSessionNotFound) {
		writeKindError(w, err)
		return
	}
	if err != nil {
		// the webhook will reconcile later; the buyer still gets the order page
		log.Warn("Complete on buyer return failed", zap.Error(err))
	}

	status := string(out.Status)
	if status == "" {
		status = "UNKNOWN"
	}

	target := payment.InjectURLVariables(h.orderPageURL, payment.TemplateVars{
		"order_id": orderID,
		"status":   status,
	})
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func writeKindError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": payment.Kind(err), "message": msg})
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
