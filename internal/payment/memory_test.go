package payment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(orderID string) *PaymentSession {
	return &PaymentSession{ID: "sess-" + orderID, LocalOrderID: orderID, Amount: 15000, Currency: "RUB", Status: StatusPending}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, newPending("42")))
	assert.ErrorIs(t, store.Create(ctx, newPending("42")), ErrDuplicateSession)

	require.NoError(t, store.SetAuthorized(ctx, "42", "abc"))
	assert.ErrorIs(t, store.SetAuthorized(ctx, "42", "other"), ErrInvalidTransition)

	s, err := store.GetByGatewayPaymentID(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "42", s.LocalOrderID)

	applied, err := store.Finalize(ctx, "42", StatusCompleted)
	require.NoError(t, err)
	assert.True(t, applied)

	// terminal status is write-once
	applied, err = store.Finalize(ctx, "42", StatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	s, err = store.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "abc", s.GatewayPaymentID)
}

func TestMemoryStore_RetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, newPending("7")))
	require.NoError(t, store.Fail(ctx, "7", "timeout"))
	assert.ErrorIs(t, store.Fail(ctx, "7", "again"), ErrInvalidTransition)

	require.NoError(t, store.Create(ctx, newPending("7")))

	s, err := store.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status)
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.Finalize(ctx, "missing", StatusCompleted)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.Create(ctx, newPending("1")))
	_, err = store.Finalize(ctx, "1", StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.Finalize(ctx, "1", StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMemoryStore_ConcurrentFinalize(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, newPending("42")))
	require.NoError(t, store.SetAuthorized(ctx, "42", "abc"))

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusCompleted
			if i%2 == 1 {
				status = StatusCancelled
			}
			ok, err := store.Finalize(ctx, "42", status)
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
}

func TestMemoryStore_Delivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().(*memoryStore)
	clock := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return clock }

	require.NoError(t, store.Create(ctx, newPending("42")))

	ok, err := store.ClaimDelivery(ctx, "sess-42", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to deliver before finalize")

	require.NoError(t, store.SetAuthorized(ctx, "42", "abc"))
	applied, err := store.Finalize(ctx, "42", StatusCompleted)
	require.NoError(t, err)
	require.True(t, applied)

	s, _ := store.Get(ctx, "42")
	assert.True(t, s.AwaitingDelivery())
	require.NotNil(t, s.DeliveryClaimedAt)

	// the finalizing caller holds the claim
	ok, err = store.ClaimDelivery(ctx, "sess-42", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseDelivery(ctx, "sess-42", false))
	ok, err = store.ClaimDelivery(ctx, "sess-42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// an abandoned claim can be taken over once stale
	clock = clock.Add(2 * time.Minute)
	ok, err = store.ClaimDelivery(ctx, "sess-42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseDelivery(ctx, "sess-42", true))
	s, _ = store.Get(ctx, "42")
	assert.False(t, s.AwaitingDelivery())
	assert.Nil(t, s.DeliveryClaimedAt)

	ok, err = store.ClaimDelivery(ctx, "sess-42", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_SaveCallback(t *testing.T) {
	store := NewMemoryStore()
	ev := &CallbackEvent{LocalOrderID: "42", ReportedStatus: "CONFIRMED"}

	require.NoError(t, store.SaveCallback(context.Background(), ev))
	assert.Equal(t, int64(1), ev.ID)
	assert.False(t, ev.ReceivedAt.IsZero())
}
