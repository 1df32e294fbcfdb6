package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tbank-checkout/internal/logger"
	"tbank-checkout/internal/metrics"
	"tbank-checkout/internal/payment"
	"tbank-checkout/internal/redisx"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCurrency       = "RUB"
	defaultGatewayTimeout = 20 * time.Second
	defaultStatusTries    = 3
	defaultStatusBackoff  = 200 * time.Millisecond
	defaultDeliveryLease  = 2 * time.Minute
)

// Locker serialises Start per order across instances.
type Locker interface {
	TryLock(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type Service interface {
	// Start opens a payment session for an order and returns the URL the
	// buyer must be sent to.
	Start(ctx context.Context, req StartRequest) (string, error)
	// Complete reconciles the order's session with the gateway. It is
	// safe to call any number of times, concurrently.
	Complete(ctx context.Context, orderID string) (payment.Outcome, error)
	CompleteByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (payment.Outcome, error)
}

type StartRequest struct {
	OrderID     string
	Number      string
	Amount      int64
	Currency    string
	Description string
	Lines       []payment.OrderLine
	Customer    payment.Customer
}

// StartRequestFromOrder builds a StartRequest from a platform order.
func StartRequestFromOrder(o *payment.OrderSnapshot) StartRequest {
	return StartRequest{
		OrderID:  o.ID,
		Number:   o.Number,
		Amount:   o.Total,
		Currency: o.Currency,
		Lines:    o.Lines,
		Customer: o.Customer,
	}
}

type Options struct {
	Orders  payment.OrderGateway
	Locker  Locker
	Metrics *metrics.Metrics

	GatewayTimeout time.Duration
	StatusTries    uint
	StatusBackoff  time.Duration
	// DeliveryLease is how long an unfinished outcome delivery blocks others.
	DeliveryLease  time.Duration

	// URL templates; {{order_id}} is replaced with the local order id.
	SuccessURL      string
	FailURL         string
	NotificationURL string
}

type service struct {
	store   payment.Store
	gateway payment.Gateway
	orders  payment.OrderGateway
	locker  Locker
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

func NewService(store payment.Store, gateway payment.Gateway, opts Options) Service {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = defaultGatewayTimeout
	}
	if opts.StatusTries == 0 {
		opts.StatusTries = defaultStatusTries
	}
	if opts.StatusBackoff <= 0 {
		opts.StatusBackoff = defaultStatusBackoff
	}
	if opts.DeliveryLease <= 0 {
		opts.DeliveryLease = defaultDeliveryLease
	}

	locker := opts.Locker
	if locker == nil {
		locker = noopLocker{}
	}

	return &service{
		store:   store,
		gateway: gateway,
		orders:  opts.Orders,
		locker:  locker,
		metrics: opts.Metrics,
		opts:    opts,
		now:     time.Now,
	}
}

func (s *service) Start(ctx context.Context, req StartRequest) (redirectURL string, err error) {
	log := logger.FromCtx(ctx).With(
		zap.String("order_id", req.OrderID),
		zap.Int64("amount", req.Amount),
	)
	defer func() {
		result := payment.Kind(err)
		if result == "" {
			result = "ok"
		}
		s.metrics.CheckoutStarted(result)
	}()

	if req.Amount <= 0 {
		return "", payment.ErrInvalidAmount
	}

	key := fmt.Sprintf(redisx.KeyCheckoutStart, req.OrderID)
	token, ok, lockErr := s.locker.TryLock(ctx, key)
	switch {
	case lockErr != nil:
		// the store's unique index still rejects a second live session
		log.Warn("Start lock unavailable", zap.Error(lockErr))
	case !ok:
		log.Info("Checkout start already in flight")
		return "", payment.ErrDuplicateSession
	default:
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				log.Warn("Failed to release start lock", zap.Error(err))
			}
		}()
	}

	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	now := s.now()
	session := &payment.PaymentSession{
		ID:           uuid.NewString(),
		LocalOrderID: req.OrderID,
		Amount:       req.Amount,
		Currency:     currency,
		Status:       payment.StatusPending,
		Receipt:      receiptLines(req.Lines),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, session); err != nil {
		if errors.Is(err, payment.ErrDuplicateSession) {
			log.Info("Payment session already in progress")
		} else {
			log.Error("Failed to create payment session", zap.Error(err))
		}
		return "", err
	}

	vars := payment.TemplateVars{"order_id": req.OrderID}
	authReq := payment.AuthorizeRequest{
		OrderID:         req.OrderID,
		Amount:          req.Amount,
		Currency:        currency,
		Description:     description(req),
		SuccessURL:      payment.InjectURLVariables(s.opts.SuccessURL, vars),
		FailURL:         payment.InjectURLVariables(s.opts.FailURL, vars),
		NotificationURL: payment.InjectURLVariables(s.opts.NotificationURL, vars),
		Customer:        req.Customer,
		Receipt:         session.Receipt,
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	timer := metrics.StartTimer()
	res, err := s.gateway.Authorize(gwCtx, authReq)
	s.metrics.ObserveGateway("Authorize", timer, err)
	if err == nil && (res == nil || res.PaymentID == "" || res.RedirectURL == "") {
		err = errors.New("gateway returned no payment id or redirect url")
	}
	if err != nil {
		log.Error("Gateway authorization failed", zap.Error(err))
		s.markFailed(ctx, log, req.OrderID, err.Error())
		return "", &payment.GatewayAuthorizationError{OrderID: req.OrderID, Err: err}
	}

	// The gateway has issued a payment; record it even if the caller went away.
	if err := s.store.SetAuthorized(context.WithoutCancel(ctx), req.OrderID, res.PaymentID); err != nil {
		log.Error("Failed to record authorization",
			zap.String("payment_id", res.PaymentID),
			zap.Error(err),
		)
		s.markFailed(ctx, log, req.OrderID, "record authorization: "+err.Error())
		return "", fmt.Errorf("record authorization: %w", err)
	}

	log.Info("Checkout started", zap.String("payment_id", res.PaymentID))
	return res.RedirectURL, nil
}

func (s *service) Complete(ctx context.Context, orderID string) (payment.Outcome, error) {
	log := logger.FromCtx(ctx).With(zap.String("order_id", orderID))

	session, err := s.store.Get(ctx, orderID)
	if err != nil {
		return payment.Outcome{}, err
	}

	out := payment.Outcome{
		OrderID:          orderID,
		GatewayPaymentID: session.GatewayPaymentID,
		Status:           session.Status,
	}

	if session.Status.Terminal() {
		s.metrics.CheckoutCompleted(string(out.Status), false)
		if session.AwaitingDelivery() {
			return out, s.redeliver(ctx, log, session.ID, out)
		}
		return out, nil
	}
	if session.Status != payment.StatusAuthorized {
		log.Warn("Complete called before authorization was recorded", zap.String("status", string(session.Status)))
		return out, fmt.Errorf("complete %s session: %w", session.Status, payment.ErrInvalidTransition)
	}

	log = log.With(zap.String("payment_id", session.GatewayPaymentID))

	st, err := s.queryStatus(ctx, session.GatewayPaymentID)
	if err != nil {
		log.Error("Failed to query gateway status", zap.Error(err))
		return out, fmt.Errorf("query gateway status: %w", err)
	}
	out.GatewayStatus = st.Raw
	out.RawData = st.Data

	target, final := terminalStatus(st.Status)
	if !final {
		log.Info("Payment still in progress", zap.String("gateway_status", st.Raw))
		return out, nil
	}

	// A transition that wins the CAS must reach the platform even if the caller disconnects.
	persistCtx := context.WithoutCancel(ctx)

	applied, err := s.store.Finalize(persistCtx, orderID, target)
	if err != nil {
		log.Error("Failed to finalize session", zap.Error(err))
		return out, err
	}

	if !applied {
		current, err := s.store.Get(persistCtx, orderID)
		if err != nil {
			return out, err
		}
		out.Status = current.Status
		s.metrics.CheckoutCompleted(string(out.Status), false)
		return out, nil
	}

	out.Status = target
	out.Applied = true
	s.metrics.CheckoutCompleted(string(out.Status), true)
	log.Info("Payment session finalized",
		zap.String("status", string(target)),
		zap.String("gateway_status", st.Raw),
	)

	if s.orders != nil {
		// Finalize handed this call the delivery claim.
		if err := s.deliver(persistCtx, log, session.ID, out); err != nil {
			return out, err
		}
	}

	return out, nil
}

// redeliver retries an outcome an earlier Complete finalized but could not
// deliver. A claim held by another caller is reported as
// ErrDeliveryInFlight so the gateway keeps notifying until delivery sticks.
func (s *service) redeliver(ctx context.Context, log *zap.Logger, sessionID string, out payment.Outcome) error {
	if s.orders == nil {
		return nil
	}
	persistCtx := context.WithoutCancel(ctx)

	claimed, err := s.store.ClaimDelivery(persistCtx, sessionID, s.opts.DeliveryLease)
	if err != nil {
		log.Error("Failed to claim outcome delivery", zap.Error(err))
		return fmt.Errorf("claim outcome delivery: %w", err)
	}
	if !claimed {
		return payment.ErrDeliveryInFlight
	}

	log.Info("Redelivering payment outcome", zap.String("status", string(out.Status)))
	return s.deliver(persistCtx, log, sessionID, out)
}

// deliver must be called with the delivery claim held. The claim is always
// released; only a successful call marks the session delivered.
func (s *service) deliver(ctx context.Context, log *zap.Logger, sessionID string, out payment.Outcome) error {
	err := s.orders.ApplyPaymentOutcome(ctx, out.OrderID, out)
	if relErr := s.store.ReleaseDelivery(ctx, sessionID, err == nil); relErr != nil {
		log.Error("Failed to record outcome delivery", zap.Error(relErr))
	}
	if err != nil {
		log.Error("Failed to apply payment outcome", zap.Error(err))
		return fmt.Errorf("apply payment outcome: %w", err)
	}
	return nil
}

func (s *service) CompleteByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (payment.Outcome, error) {
	session, err := s.store.GetByGatewayPaymentID(ctx, gatewayPaymentID)
	if err != nil {
		return payment.Outcome{}, err
	}
	return s.Complete(ctx, session.LocalOrderID)
}

// queryStatus retries transport failures; gateway rejections are final.
func (s *service) queryStatus(ctx context.Context, paymentID string) (*payment.StatusResult, error) {
	op := func() (*payment.StatusResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		defer cancel()

		timer := metrics.StartTimer()
		res, err := s.gateway.QueryStatus(callCtx, paymentID)
		s.metrics.ObserveGateway("QueryStatus", timer, err)
		if errors.Is(err, payment.ErrGatewayRejected) {
			return nil, backoff.Permanent(err)
		}
		if err == nil && res == nil {
			return nil, errors.New("gateway returned empty status")
		}
		return res, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.StatusBackoff

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.opts.StatusTries),
	)
}

// markFailed must not be skipped on caller cancellation, or the session
// would block the order until manual cleanup.
func (s *service) markFailed(ctx context.Context, log *zap.Logger, orderID, reason string) {
	if err := s.store.Fail(context.WithoutCancel(ctx), orderID, reason); err != nil {
		log.Error("Failed to mark payment session failed", zap.Error(err))
	}
}

func terminalStatus(st payment.GatewayStatus) (payment.Status, bool) {
	switch st {
	case payment.GatewayPaid:
		return payment.StatusCompleted, true
	case payment.GatewayFailed:
		return payment.StatusFailed, true
	case payment.GatewayCancelled:
		return payment.StatusCancelled, true
	default:
		return payment.StatusAuthorized, false
	}
}

func receiptLines(lines []payment.OrderLine) []payment.ReceiptLine {
	if len(lines) == 0 {
		return nil
	}
	out := make([]payment.ReceiptLine, 0, len(lines))
	for _, l := range lines {
		shopCode := l.VariantID
		if shopCode == "" {
			shopCode = l.ProductID
		}
		out = append(out, payment.ReceiptLine{
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			TaxClass:  l.TaxClass,
			ShopCode:  shopCode,
		})
	}
	return out
}

func description(req StartRequest) string {
	if req.Description != "" {
		return req.Description
	}
	number := req.Number
	if number == "" {
		number = req.OrderID
	}
	return "Order #" + number
}

type noopLocker struct{}

func (noopLocker) TryLock(context.Context, string) (string, bool, error) { return "", true, nil }
func (noopLocker) Release(context.Context, string, string) error         { return nil }
