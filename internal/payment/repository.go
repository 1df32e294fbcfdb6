package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// Store persists payment sessions. Every state change is a single
// conditional write so concurrent callers cannot both win a transition.
type Store interface {
	Create(ctx context.Context, s *PaymentSession) error
	SetAuthorized(ctx context.Context, orderID, gatewayPaymentID string) error
	Fail(ctx context.Context, orderID, reason string) error
	// Finalize moves an AUTHORIZED session to a terminal status and claims
	// delivery of its outcome for the caller. It returns applied=false
	// without error when the session is already terminal.
	Finalize(ctx context.Context, orderID string, status Status) (applied bool, err error)
	// ClaimDelivery takes the right to deliver an undelivered outcome. A
	// claim older than staleAfter may be taken over.
	ClaimDelivery(ctx context.Context, sessionID string, staleAfter time.Duration) (bool, error)
	// ReleaseDelivery ends a claim; delivered records the outcome as delivered.
	ReleaseDelivery(ctx context.Context, sessionID string, delivered bool) error
	Get(ctx context.Context, orderID string) (*PaymentSession, error)
	GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*PaymentSession, error)
	SaveCallback(ctx context.Context, ev *CallbackEvent) error
}

type repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) Store {
	return &repository{db: db, now: time.Now}
}

const sessionColumns = `id, local_order_id, COALESCE(gateway_payment_id, ''), amount, currency,
	status, failure_reason, receipt, created_at, updated_at, delivered_at, delivery_claimed_at`

func (r *repository) Create(ctx context.Context, s *PaymentSession) error {
	receipt, err := json.Marshal(s.Receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (
			id,
			local_order_id,
			amount,
			currency,
			status,
			receipt,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		s.ID, s.LocalOrderID, s.Amount, s.Currency, s.Status, receipt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateSession
		}
		return err
	}
	return nil
}

func (r *repository) SetAuthorized(ctx context.Context, orderID, gatewayPaymentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = 'AUTHORIZED', gateway_payment_id = $2, updated_at = $3
		WHERE local_order_id = $1 AND status = 'PENDING' AND gateway_payment_id IS NULL
	`, orderID, gatewayPaymentID, r.now())
	if err != nil {
		return err
	}
	return r.requireTransition(ctx, res, orderID)
}

func (r *repository) Fail(ctx context.Context, orderID, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = 'FAILED', failure_reason = $2, updated_at = $3
		WHERE local_order_id = $1 AND status = 'PENDING'
	`, orderID, reason, r.now())
	if err != nil {
		return err
	}
	return r.requireTransition(ctx, res, orderID)
}

func (r *repository) Finalize(ctx context.Context, orderID string, status Status) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize to %s: %w", status, ErrInvalidTransition)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = $2, updated_at = $3, delivery_claimed_at = $3
		WHERE local_order_id = $1 AND status = 'AUTHORIZED'
	`, orderID, status, r.now())
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	current, err := r.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if current.Status.Terminal() {
		return false, nil
	}
	return false, fmt.Errorf("finalize %s session: %w", current.Status, ErrInvalidTransition)
}

func (r *repository) Get(ctx context.Context, orderID string) (*PaymentSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE local_order_id = $1
		ORDER BY (status IN ('PENDING', 'AUTHORIZED')) DESC, created_at DESC
		LIMIT 1
	`, orderID)
	return scanSession(row)
}

func (r *repository) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*PaymentSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE gateway_payment_id = $1
	`, gatewayPaymentID)
	return scanSession(row)
}

func (r *repository) ClaimDelivery(ctx context.Context, sessionID string, staleAfter time.Duration) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET delivery_claimed_at = $2
		WHERE id = $1
		  AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		  AND delivered_at IS NULL
		  AND (delivery_claimed_at IS NULL OR delivery_claimed_at < $3)
	`, sessionID, now, now.Add(-staleAfter))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repository) ReleaseDelivery(ctx context.Context, sessionID string, delivered bool) error {
	if delivered {
		_, err := r.db.ExecContext(ctx, `
			UPDATE payment_sessions
			SET delivered_at = $2, delivery_claimed_at = NULL
			WHERE id = $1
		`, sessionID, r.now())
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET delivery_claimed_at = NULL
		WHERE id = $1 AND delivered_at IS NULL
	`, sessionID)
	return err
}

func (r *repository) SaveCallback(ctx context.Context, ev *CallbackEvent) error {
	const q = `
	INSERT INTO payment_callbacks (
		gateway_payment_id,
		local_order_id,
		reported_status,
		payload,
		signature_valid,
		received_at
	)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id;
	`

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.now()
	}

	return r.db.QueryRowContext(
		ctx,
		q,
		ev.GatewayPaymentID,
		ev.LocalOrderID,
		ev.ReportedStatus,
		[]byte(ev.RawPayload),
		ev.SignatureValid,
		ev.ReceivedAt,
	).Scan(&ev.ID)
}

// requireTransition turns a zero-row conditional update into the right error.
func (r *repository) requireTransition(ctx context.Context, res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := r.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("session is %s: %w", current.Status, ErrInvalidTransition)
}

func scanSession(row *sql.Row) (*PaymentSession, error) {
	var (
		s                    PaymentSession
		receipt              []byte
		delivered, claimedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.LocalOrderID, &s.GatewayPaymentID, &s.Amount, &s.Currency,
		&s.Status, &s.FailureReason, &receipt, &s.CreatedAt, &s.UpdatedAt,
		&delivered, &claimedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if delivered.Valid {
		s.DeliveredAt = &delivered.Time
	}
	if claimedAt.Valid {
		s.DeliveryClaimedAt = &claimedAt.Time
	}

	if len(receipt) > 0 {
		if err := json.Unmarshal(receipt, &s.Receipt); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
	}
	return &s, nil
}
