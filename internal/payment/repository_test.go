package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionRowColumns = []string{
	"id", "local_order_id", "gateway_payment_id", "amount", "currency",
	"status", "failure_reason", "receipt", "created_at", "updated_at",
	"delivered_at", "delivery_claimed_at",
}

func newMockRepo(t *testing.T) (*repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &repository{db: db, now: func() time.Time { return fixed }}, mock
}

func sessionRow(status, gatewayID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sessionRowColumns).AddRow(
		"sess-1", "42", gatewayID, int64(15000), "RUB",
		status, "", []byte(`[{"name":"Tea","quantity":3,"unit_price":5000,"tax_class":"none"}]`), now, now,
		nil, nil,
	)
}

func TestRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	s := &PaymentSession{
		ID:           "sess-1",
		LocalOrderID: "42",
		Amount:       15000,
		Currency:     "RUB",
		Status:       StatusPending,
		Receipt:      []ReceiptLine{{Name: "Tea", Quantity: 3, UnitPrice: 5000, TaxClass: "none"}},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	receipt, _ := json.Marshal(s.Receipt)

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO payment_sessions`).
			WithArgs("sess-1", "42", int64(15000), "RUB", "PENDING", receipt, s.CreatedAt, s.UpdatedAt).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, repo.Create(ctx, s))
	})

	t.Run("UniqueViolation", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO payment_sessions`).
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

		err := repo.Create(ctx, s)
		assert.ErrorIs(t, err, ErrDuplicateSession)
	})

	t.Run("DBError", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO payment_sessions`).
			WillReturnError(errors.New("database error"))

		err := repo.Create(ctx, s)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrDuplicateSession)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetAuthorized(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions SET status = 'AUTHORIZED', gateway_payment_id = \$2`).
			WithArgs("42", "abc", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.SetAuthorized(ctx, "42", "abc"))
	})

	t.Run("NotPending", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions`).
			WithArgs("42", "abc", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM payment_sessions WHERE local_order_id = \$1`).
			WithArgs("42").
			WillReturnRows(sessionRow("AUTHORIZED", "old"))

		err := repo.SetAuthorized(ctx, "42", "abc")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM payment_sessions`).
			WillReturnError(sql.ErrNoRows)

		err := repo.SetAuthorized(ctx, "42", "abc")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Fail(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions SET status = 'FAILED', failure_reason = \$2`).
			WithArgs("42", "timeout", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Fail(ctx, "42", "timeout"))
	})

	t.Run("AlreadyTerminal", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM payment_sessions`).
			WillReturnRows(sessionRow("FAILED", ""))

		assert.ErrorIs(t, repo.Fail(ctx, "42", "timeout"), ErrInvalidTransition)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Finalize(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	t.Run("Applied", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions SET status = \$2, updated_at = \$3, delivery_claimed_at = \$3 WHERE local_order_id = \$1 AND status = 'AUTHORIZED'`).
			WithArgs("42", "COMPLETED", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		applied, err := repo.Finalize(ctx, "42", StatusCompleted)
		assert.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("AlreadyTerminal", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions`).
			WithArgs("42", "FAILED", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM payment_sessions`).
			WithArgs("42").
			WillReturnRows(sessionRow("COMPLETED", "abc"))

		applied, err := repo.Finalize(ctx, "42", StatusFailed)
		assert.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("StillPending", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM payment_sessions`).
			WillReturnRows(sessionRow("PENDING", ""))

		applied, err := repo.Finalize(ctx, "42", StatusCompleted)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.False(t, applied)
	})

	t.Run("NonTerminalTarget", func(t *testing.T) {
		applied, err := repo.Finalize(ctx, "42", StatusAuthorized)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.False(t, applied)
	})

	t.Run("DBError", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions`).
			WillReturnError(errors.New("connection reset"))

		_, err := repo.Finalize(ctx, "42", StatusCompleted)
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		// a live session wins over a terminal one whatever the clocks say
		mock.ExpectQuery(`SELECT .* FROM payment_sessions WHERE local_order_id = \$1 ORDER BY \(status IN \('PENDING', 'AUTHORIZED'\)\) DESC, created_at DESC LIMIT 1`).
			WithArgs("42").
			WillReturnRows(sessionRow("AUTHORIZED", "abc"))

		s, err := repo.Get(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "42", s.LocalOrderID)
		assert.Equal(t, "abc", s.GatewayPaymentID)
		assert.Equal(t, StatusAuthorized, s.Status)
		assert.Equal(t, int64(15000), s.Amount)
		require.Len(t, s.Receipt, 1)
		assert.Equal(t, "Tea", s.Receipt[0].Name)
		assert.Nil(t, s.DeliveredAt)
		assert.Nil(t, s.DeliveryClaimedAt)
	})

	t.Run("DeliveryTimestamps", func(t *testing.T) {
		delivered := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		rows := sqlmock.NewRows(sessionRowColumns).AddRow(
			"sess-1", "42", "abc", int64(15000), "RUB",
			"COMPLETED", "", nil, delivered, delivered,
			delivered, nil,
		)
		mock.ExpectQuery(`SELECT .* FROM payment_sessions`).
			WithArgs("42").
			WillReturnRows(rows)

		s, err := repo.Get(ctx, "42")
		require.NoError(t, err)
		require.NotNil(t, s.DeliveredAt)
		assert.True(t, delivered.Equal(*s.DeliveredAt))
		assert.Nil(t, s.DeliveryClaimedAt)
		assert.False(t, s.AwaitingDelivery())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM payment_sessions`).
			WithArgs("42").
			WillReturnError(sql.ErrNoRows)

		s, err := repo.Get(ctx, "42")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.Nil(t, s)
	})

	t.Run("ByGatewayPaymentID", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM payment_sessions WHERE gateway_payment_id = \$1`).
			WithArgs("abc").
			WillReturnRows(sessionRow("AUTHORIZED", "abc"))

		s, err := repo.GetByGatewayPaymentID(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "42", s.LocalOrderID)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Delivery(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	fixed := repo.now()

	t.Run("Claimed", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions SET delivery_claimed_at = \$2 WHERE id = \$1 AND status IN .* AND delivered_at IS NULL AND \(delivery_claimed_at IS NULL OR delivery_claimed_at < \$3\)`).
			WithArgs("sess-1", fixed, fixed.Add(-time.Minute)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.ClaimDelivery(ctx, "sess-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("HeldElsewhere", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions SET delivery_claimed_at = \$2`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.ClaimDelivery(ctx, "sess-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Delivered", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions SET delivered_at = \$2, delivery_claimed_at = NULL WHERE id = \$1`).
			WithArgs("sess-1", fixed).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.ReleaseDelivery(ctx, "sess-1", true))
	})

	t.Run("Released", func(t *testing.T) {
		mock.ExpectExec(`UPDATE payment_sessions SET delivery_claimed_at = NULL WHERE id = \$1 AND delivered_at IS NULL`).
			WithArgs("sess-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.ReleaseDelivery(ctx, "sess-1", false))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SaveCallback(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"OrderId":"42","Status":"CONFIRMED"}`)

	t.Run("Success", func(t *testing.T) {
		ev := &CallbackEvent{
			GatewayPaymentID: "abc",
			LocalOrderID:     "42",
			ReportedStatus:   "CONFIRMED",
			RawPayload:       payload,
			SignatureValid:   true,
		}

		mock.ExpectQuery(`INSERT INTO payment_callbacks`).
			WithArgs("abc", "42", "CONFIRMED", []byte(payload), true, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		require.NoError(t, repo.SaveCallback(ctx, ev))
		assert.Equal(t, int64(7), ev.ID)
		assert.False(t, ev.ReceivedAt.IsZero())
	})

	t.Run("Error", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO payment_callbacks`).
			WillReturnError(errors.New("db error"))

		assert.Error(t, repo.SaveCallback(ctx, &CallbackEvent{RawPayload: payload}))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
