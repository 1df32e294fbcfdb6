package payment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryStore struct {
	mu        sync.Mutex
	sessions  map[string][]*PaymentSession
	byID      map[string]*PaymentSession
	byPayment map[string]*PaymentSession
	callbacks []CallbackEvent
	now       func() time.Time
}

// NewMemoryStore returns a process-local Store. Sessions are lost on restart.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions:  make(map[string][]*PaymentSession),
		byID:      make(map[string]*PaymentSession),
		byPayment: make(map[string]*PaymentSession),
		now:       time.Now,
	}
}

func (m *memoryStore) Create(_ context.Context, s *PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.latest(s.LocalOrderID); cur != nil && !cur.Status.Terminal() {
		return ErrDuplicateSession
	}

	cp := *s
	cp.Receipt = append([]ReceiptLine(nil), s.Receipt...)
	m.sessions[s.LocalOrderID] = append(m.sessions[s.LocalOrderID], &cp)
	m.byID[cp.ID] = &cp
	return nil
}

func (m *memoryStore) SetAuthorized(_ context.Context, orderID, gatewayPaymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.latest(orderID)
	if cur == nil {
		return ErrSessionNotFound
	}
	if cur.Status != StatusPending || cur.GatewayPaymentID != "" {
		return fmt.Errorf("session is %s: %w", cur.Status, ErrInvalidTransition)
	}

	cur.Status = StatusAuthorized
	cur.GatewayPaymentID = gatewayPaymentID
	cur.UpdatedAt = m.now()
	m.byPayment[gatewayPaymentID] = cur
	return nil
}

func (m *memoryStore) Fail(_ context.Context, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.latest(orderID)
	if cur == nil {
		return ErrSessionNotFound
	}
	if cur.Status != StatusPending {
		return fmt.Errorf("session is %s: %w", cur.Status, ErrInvalidTransition)
	}

	cur.Status = StatusFailed
	cur.FailureReason = reason
	cur.UpdatedAt = m.now()
	return nil
}

func (m *memoryStore) Finalize(_ context.Context, orderID string, status Status) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize to %s: %w", status, ErrInvalidTransition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.latest(orderID)
	switch {
	case cur == nil:
		return false, ErrSessionNotFound
	case cur.Status.Terminal():
		return false, nil
	case cur.Status != StatusAuthorized:
		return false, fmt.Errorf("finalize %s session: %w", cur.Status, ErrInvalidTransition)
	}

	now := m.now()
	cur.Status = status
	cur.UpdatedAt = now
	cur.DeliveryClaimedAt = &now
	return true, nil
}

func (m *memoryStore) ClaimDelivery(_ context.Context, sessionID string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok || !s.Status.Terminal() || s.DeliveredAt != nil {
		return false, nil
	}

	now := m.now()
	if s.DeliveryClaimedAt != nil && !s.DeliveryClaimedAt.Before(now.Add(-staleAfter)) {
		return false, nil
	}
	s.DeliveryClaimedAt = &now
	return true, nil
}

func (m *memoryStore) ReleaseDelivery(_ context.Context, sessionID string, delivered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return nil
	}
	if delivered {
		now := m.now()
		s.DeliveredAt = &now
	}
	s.DeliveryClaimedAt = nil
	return nil
}

func (m *memoryStore) Get(_ context.Context, orderID string) (*PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.latest(orderID)
	if cur == nil {
		return nil, ErrSessionNotFound
	}
	cp := *cur
	return &cp, nil
}

func (m *memoryStore) GetByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (*PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byPayment[gatewayPaymentID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memoryStore) SaveCallback(_ context.Context, ev *CallbackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = m.now()
	}
	ev.ID = int64(len(m.callbacks) + 1)
	m.callbacks = append(m.callbacks, *ev)
	return nil
}

func (m *memoryStore) latest(orderID string) *PaymentSession {
	history := m.sessions[orderID]
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1]
}
