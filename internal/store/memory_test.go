package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamhaus/order-service/pkg/models"
)

func validOrder(id, ownerID string) *models.Order {
	now := time.Now().UTC()
	return &models.Order{
		ID:      id,
		OwnerID: ownerID,
		Items: []models.LineItem{
			{ProductID: "prod-1", Title: "Cloud Hybrid Queen", UnitPrice: 500, Quantity: 2},
			{ProductID: "prod-2", Title: "Memory Foam Pillow", UnitPrice: 1000, Quantity: 1},
		},
		TotalAmount: 2000,
		Customer: models.Customer{
			Name:  "Asha Rao",
			Email: "asha@example.com",
			Address: models.Address{
				Line1:   "14 MG Road",
				City:    "Bengaluru",
				State:   "Karnataka",
				Zip:     "560001",
				Country: "India",
			},
		},
		Status:    models.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	order := validOrder("ord-1", "user-1")
	require.NoError(t, s.Create(ctx, order))

	got, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, int64(2000), got.TotalAmount)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Len(t, got.Items, 2)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))

	got, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	got.Status = models.StatusPaid
	got.Items[0].Quantity = 99

	again, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, again.Status)
	assert.Equal(t, 2, again.Items[0].Quantity)
}

func TestCreateValidation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.Order)
	}{
		{"no items", func(o *models.Order) { o.Items = nil }},
		{"zero quantity", func(o *models.Order) { o.Items[0].Quantity = 0 }},
		{"negative price", func(o *models.Order) { o.Items[0].UnitPrice = -5 }},
		{"total mismatch", func(o *models.Order) { o.TotalAmount = 1999 }},
		{"missing email", func(o *models.Order) { o.Customer.Email = "" }},
		{"missing city", func(o *models.Order) { o.Customer.Address.City = "" }},
		{"missing country", func(o *models.Order) { o.Customer.Address.Country = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder("ord-x", "user-1")
			tt.mutate(order)
			err := s.Create(ctx, order)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestOptionalAddressFieldsAllowed(t *testing.T) {
	s := NewMemoryStore()
	order := validOrder("ord-1", "user-1")
	order.Customer.Address.Line2 = ""
	order.Customer.Address.Landmark = ""
	assert.NoError(t, s.Create(context.Background(), order))
}

func TestListByOwnerNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"ord-a", "ord-b", "ord-c"} {
		order := validOrder(id, "user-1")
		order.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, order))
	}
	require.NoError(t, s.Create(ctx, validOrder("ord-other", "user-2")))

	orders, err := s.ListByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "ord-c", orders[0].ID)
	assert.Equal(t, "ord-a", orders[2].ID)
}

func TestMarkPaid(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))
	require.NoError(t, s.SetRemoteRef(ctx, "ord-1", "intent_abc"))

	conf := models.PaymentConfirmation{
		RemotePaymentID: "pay_123",
		RemoteOrderID:   "intent_abc",
		Signature:       "sig",
	}

	require.NoError(t, s.MarkPaid(ctx, "ord-1", "intent_abc", conf))

	got, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, got.Status)
	require.NotNil(t, got.Confirmation)
	assert.Equal(t, "pay_123", got.Confirmation.RemotePaymentID)

	// Redelivery is a no-op at most once.
	err = s.MarkPaid(ctx, "ord-1", "intent_abc", conf)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
}

func TestMarkPaidAfterShipment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))
	require.NoError(t, s.SetRemoteRef(ctx, "ord-1", "intent_abc"))

	conf := models.PaymentConfirmation{RemotePaymentID: "pay_1", RemoteOrderID: "intent_abc"}
	require.NoError(t, s.MarkPaid(ctx, "ord-1", "intent_abc", conf))
	require.NoError(t, s.UpdateStatus(ctx, "ord-1", []string{models.StatusPaid}, models.StatusShipped))

	// A late redelivery must not drag the order back to paid.
	err := s.MarkPaid(ctx, "ord-1", "intent_abc", conf)
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	got, _ := s.Get(ctx, "ord-1")
	assert.Equal(t, models.StatusShipped, got.Status)
}

func TestMarkPaidCancelledOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))
	require.NoError(t, s.SetRemoteRef(ctx, "ord-1", "intent_abc"))
	require.NoError(t, s.UpdateStatus(ctx, "ord-1",
		[]string{models.StatusCreated, models.StatusIntentCreated}, models.StatusCancelled))

	err := s.MarkPaid(ctx, "ord-1", "intent_abc", models.PaymentConfirmation{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, _ := s.Get(ctx, "ord-1")
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestMarkPaidWithoutRef(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))

	err := s.MarkPaid(ctx, "ord-1", "intent_abc", models.PaymentConfirmation{})
	assert.ErrorIs(t, err, ErrRefMismatch)
}

func TestMarkPaidRefMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))
	require.NoError(t, s.SetRemoteRef(ctx, "ord-1", "intent_new"))

	err := s.MarkPaid(ctx, "ord-1", "intent_stale", models.PaymentConfirmation{})
	assert.ErrorIs(t, err, ErrRefMismatch)

	got, _ := s.Get(ctx, "ord-1")
	assert.Equal(t, models.StatusIntentCreated, got.Status)
	assert.Nil(t, got.Confirmation)
}

func TestMarkPaidUnknownOrder(t *testing.T) {
	s := NewMemoryStore()
	err := s.MarkPaid(context.Background(), "nope", "ref", models.PaymentConfirmation{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPaidConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))
	require.NoError(t, s.SetRemoteRef(ctx, "ord-1", "intent_abc"))

	conf := models.PaymentConfirmation{RemotePaymentID: "pay_1", RemoteOrderID: "intent_abc"}

	const workers = 50
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.MarkPaid(ctx, "ord-1", "intent_abc", conf)
		}()
	}
	wg.Wait()
	close(results)

	var applied, noops int
	for err := range results {
		switch {
		case err == nil:
			applied++
		case err == ErrAlreadyPaid:
			noops++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, applied, "exactly one delivery must win")
	assert.Equal(t, workers-1, noops)
}

func TestUpdateStatusConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))

	err := s.UpdateStatus(ctx, "ord-1", []string{models.StatusPaid}, models.StatusShipped)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.UpdateStatus(ctx, "ord-1",
		[]string{models.StatusCreated, models.StatusIntentCreated}, models.StatusCancelled))

	got, _ := s.Get(ctx, "ord-1")
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestRecordPaymentFailureKeepsStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, validOrder("ord-1", "user-1")))
	require.NoError(t, s.SetRemoteRef(ctx, "ord-1", "intent_abc"))

	require.NoError(t, s.RecordPaymentFailure(ctx, "ord-1", "card declined"))

	got, _ := s.Get(ctx, "ord-1")
	assert.Equal(t, models.StatusIntentCreated, got.Status)
	assert.Equal(t, "card declined", got.FailureReason)
}
