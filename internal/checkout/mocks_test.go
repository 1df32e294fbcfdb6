package checkout

import (
	"context"
	"time"

	"tbank-checkout/internal/payment"

	"github.com/stretchr/testify/mock"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Authorize(ctx context.Context, req payment.AuthorizeRequest) (*payment.AuthorizeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.AuthorizeResult), args.Error(1)
}

func (m *MockGateway) QueryStatus(ctx context.Context, paymentID string) (*payment.StatusResult, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.StatusResult), args.Error(1)
}

func (m *MockGateway) VerifyCallback(payload map[string]any) bool {
	args := m.Called(payload)
	return args.Bool(0)
}

type MockOrderGateway struct {
	mock.Mock
}

func (m *MockOrderGateway) GetOrder(ctx context.Context, orderID string) (*payment.OrderSnapshot, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.OrderSnapshot), args.Error(1)
}

func (m *MockOrderGateway) ApplyPaymentOutcome(ctx context.Context, orderID string, outcome payment.Outcome) error {
	args := m.Called(ctx, orderID, outcome)
	return args.Error(0)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Create(ctx context.Context, s *payment.PaymentSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockStore) SetAuthorized(ctx context.Context, orderID, gatewayPaymentID string) error {
	args := m.Called(ctx, orderID, gatewayPaymentID)
	return args.Error(0)
}

func (m *MockStore) Fail(ctx context.Context, orderID, reason string) error {
	args := m.Called(ctx, orderID, reason)
	return args.Error(0)
}

func (m *MockStore) Finalize(ctx context.Context, orderID string, status payment.Status) (bool, error) {
	args := m.Called(ctx, orderID, status)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, orderID string) (*payment.PaymentSession, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.PaymentSession), args.Error(1)
}

func (m *MockStore) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*payment.PaymentSession, error) {
	args := m.Called(ctx, gatewayPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.PaymentSession), args.Error(1)
}

func (m *MockStore) ClaimDelivery(ctx context.Context, sessionID string, staleAfter time.Duration) (bool, error) {
	args := m.Called(ctx, sessionID, staleAfter)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ReleaseDelivery(ctx context.Context, sessionID string, delivered bool) error {
	args := m.Called(ctx, sessionID, delivered)
	return args.Error(0)
}

func (m *MockStore) SaveCallback(ctx context.Context, ev *payment.CallbackEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type MockService struct {
	mock.Mock
}

func (m *MockService) Start(ctx context.Context, req StartRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockService) Complete(ctx context.Context, orderID string) (payment.Outcome, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(payment.Outcome), args.Error(1)
}

func (m *MockService) CompleteByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (payment.Outcome, error) {
	args := m.Called(ctx, gatewayPaymentID)
	return args.Get(0).(payment.Outcome), args.Error(1)
}

type fakeLocker struct {
	held     bool
	err      error
	released []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	return "tok", !l.held, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) error {
	l.released = append(l.released, key+"/"+token)
	return nil
}
