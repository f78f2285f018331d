package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamhaus/order-service/internal/events"
	"github.com/dreamhaus/order-service/internal/gateway"
	"github.com/dreamhaus/order-service/internal/signature"
	"github.com/dreamhaus/order-service/internal/store"
	"github.com/dreamhaus/order-service/pkg/models"
)

type mockGateway struct {
	nextIntentID string
	failWith     error
	lastRequest  gateway.IntentRequest
	calls        int
}

func (m *mockGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	m.calls++
	m.lastRequest = req
	if m.failWith != nil {
		return nil, m.failWith
	}
	return &gateway.Intent{
		ID:               m.nextIntentID,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Status:           "created",
		Receipt:          req.Receipt,
		Notes:            req.Notes,
	}, nil
}

func (m *mockGateway) KeyID() string { return "key_test" }

type mockPublisher struct {
	mutex   sync.Mutex
	created []events.OrderCreatedEvent
	paid    []events.OrderPaidEvent
	failed  []events.PaymentFailedEvent
}

func (m *mockPublisher) PublishOrderCreated(event events.OrderCreatedEvent) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.created = append(m.created, event)
	return nil
}

func (m *mockPublisher) PublishOrderPaid(event events.OrderPaidEvent) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.paid = append(m.paid, event)
	return nil
}

func (m *mockPublisher) PublishPaymentFailed(event events.PaymentFailedEvent) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failed = append(m.failed, event)
	return nil
}

func (m *mockPublisher) paidCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.paid)
}

type fixture struct {
	coordinator *Coordinator
	store       *store.MemoryStore
	gateway     *mockGateway
	publisher   *mockPublisher
	verifier    *signature.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	st := store.NewMemoryStore()
	gw := &mockGateway{nextIntentID: "intent_test_1"}
	pub := &mockPublisher{}
	verifier := signature.NewVerifier("test-webhook-secret")

	return &fixture{
		coordinator: NewCoordinator(st, gw, verifier, pub, nil, "INR", logger),
		store:       st,
		gateway:     gw,
		publisher:   pub,
		verifier:    verifier,
	}
}

func testCustomer() models.Customer {
	return models.Customer{
		Name:  "Asha Rao",
		Email: "asha@example.com",
		Phone: "+919800000000",
		Address: models.Address{
			Line1:   "14 MG Road",
			City:    "Bengaluru",
			State:   "Karnataka",
			Zip:     "560001",
			Country: "India",
		},
	}
}

func testItems() []models.LineItem {
	return []models.LineItem{
		{ProductID: "prod-pillow", Title: "Memory Foam Pillow", UnitPrice: 500, Quantity: 2},
		{ProductID: "prod-sheet", Title: "Bamboo Sheet Set", UnitPrice: 1000, Quantity: 1},
	}
}

// signedCaptureBody builds a payment.captured webhook body for the order and
// signs it the way the processor would.
func (f *fixture) signedCaptureBody(orderID, paymentID, remoteOrderID string) ([]byte, string) {
	body := []byte(fmt.Sprintf(`{
		"event": "payment.captured",
		"payload": {
			"payment": {"entity": {"id": %q, "notes": {"order_id": %q}}},
			"order": {"entity": {"id": %q}}
		}
	}`, paymentID, orderID, remoteOrderID))
	return body, f.verifier.Sign(body)
}

func TestInitiateComputesTotalFromItems(t *testing.T) {
	f := newFixture(t)

	order, err := f.coordinator.Initiate(context.Background(), "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	// 2 x 500 + 1 x 1000
	assert.Equal(t, int64(2000), order.TotalAmount)
	assert.Equal(t, models.StatusCreated, order.Status)
	assert.NotEmpty(t, order.ID)

	require.Len(t, f.publisher.created, 1)
	assert.Equal(t, order.ID, f.publisher.created[0].OrderID)
	assert.Equal(t, int64(2000), f.publisher.created[0].TotalAmount)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		items    []models.LineItem
		customer models.Customer
		wantErr  error
	}{
		{"no items", nil, testCustomer(), ErrInvalidLineItems},
		{"zero quantity", []models.LineItem{{ProductID: "p", UnitPrice: 100, Quantity: 0}}, testCustomer(), ErrInvalidLineItems},
		{"zero price", []models.LineItem{{ProductID: "p", UnitPrice: 0, Quantity: 1}}, testCustomer(), ErrInvalidLineItems},
		{"missing product id", []models.LineItem{{UnitPrice: 100, Quantity: 1}}, testCustomer(), ErrInvalidLineItems},
		{"missing email", testItems(), func() models.Customer {
			c := testCustomer()
			c.Email = ""
			return c
		}(), ErrInvalidAddress},
		{"missing city", testItems(), func() models.Customer {
			c := testCustomer()
			c.Address.City = ""
			return c
		}(), ErrInvalidAddress},
		{"missing zip", testItems(), func() models.Customer {
			c := testCustomer()
			c.Address.Zip = ""
			return c
		}(), ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coordinator.Initiate(ctx, "user-1", tt.items, tt.customer)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateRemoteIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	result, err := f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "intent_test_1", result.RemoteIntentID)
	assert.Equal(t, "key_test", result.KeyID)

	// The gateway was asked for the order's server-computed total with the
	// correlation key in the notes.
	assert.Equal(t, int64(2000), f.gateway.lastRequest.AmountMinorUnits)
	assert.Equal(t, "INR", f.gateway.lastRequest.Currency)
	assert.Equal(t, order.ID, f.gateway.lastRequest.Notes["order_id"])

	stored, err := f.store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIntentCreated, stored.Status)
	assert.Equal(t, "intent_test_1", stored.RemotePaymentRef)
}

func TestCreateRemoteIntentNotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-2")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, f.gateway.calls)
}

func TestCreateRemoteIntentRetryReplacesRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	f.gateway.nextIntentID = "intent_test_2"
	result, err := f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "intent_test_2", result.RemoteIntentID)

	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, "intent_test_2", stored.RemotePaymentRef)
}

func TestCreateRemoteIntentAfterPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)
	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	body, sig := f.signedCaptureBody(order.ID, "pay_1", "intent_test_1")
	require.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, sig))

	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	assert.ErrorIs(t, err, store.ErrAlreadyPaid)
}

func TestCreateRemoteIntentGatewayDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	f.gateway.failWith = gateway.ErrGateway
	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	assert.ErrorIs(t, err, gateway.ErrGateway)

	// The order is untouched so the client can retry.
	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusCreated, stored.Status)
	assert.Empty(t, stored.RemotePaymentRef)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)
	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	body, sig := f.signedCaptureBody(order.ID, "pay_1", "intent_test_1")

	// Wrong header outright.
	err = f.coordinator.HandleWebhookEvent(ctx, body, "0000000000000000")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Valid header but one byte of the body flipped in transit.
	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[len(tampered)/2] ^= 0x01
	err = f.coordinator.HandleWebhookEvent(ctx, tampered, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusIntentCreated, stored.Status)
	assert.Equal(t, 0, f.publisher.paidCount())
}

// TestCheckoutToPaidFlow walks the full happy path: checkout, intent, signed
// capture webhook, paid.
func TestCheckoutToPaidFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)
	require.Equal(t, int64(2000), order.TotalAmount)

	result, err := f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	body, sig := f.signedCaptureBody(order.ID, "pay_42", result.RemoteIntentID)
	require.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, sig))

	stored, err := f.store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, stored.Status)
	require.NotNil(t, stored.Confirmation)
	assert.Equal(t, "pay_42", stored.Confirmation.RemotePaymentID)
	assert.Equal(t, result.RemoteIntentID, stored.Confirmation.RemoteOrderID)
	assert.Equal(t, sig, stored.Confirmation.Signature)

	require.Equal(t, 1, f.publisher.paidCount())
	paid := f.publisher.paid[0]
	assert.Equal(t, order.ID, paid.OrderID)
	assert.Equal(t, "user-1", paid.OwnerID)
	assert.Equal(t, int64(2000), paid.TotalAmount)
	assert.Equal(t, "asha@example.com", paid.CustomerEmail)
}

func TestWebhookDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)
	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	body, sig := f.signedCaptureBody(order.ID, "pay_1", "intent_test_1")

	require.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, sig))
	// The processor redelivers; the duplicate is acknowledged, not reapplied.
	require.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, sig))

	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusPaid, stored.Status)
	assert.Equal(t, 1, f.publisher.paidCount())
}

func TestWebhookConcurrentDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)
	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	body, sig := f.signedCaptureBody(order.ID, "pay_1", "intent_test_1")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.coordinator.HandleWebhookEvent(ctx, body, sig)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusPaid, stored.Status)
	assert.Equal(t, 1, f.publisher.paidCount(), "only the winning delivery publishes")
}

// TestWebhookWithoutIntentOnFile covers the valid-signature, no-intent case:
// the event is acknowledged, the order stays untouched, and nothing is
// published.
func TestWebhookWithoutIntentOnFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	body, sig := f.signedCaptureBody(order.ID, "pay_1", "intent_never_created")
	assert.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, sig))

	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusCreated, stored.Status)
	assert.Nil(t, stored.Confirmation)
	assert.Equal(t, 0, f.publisher.paidCount())
}

func TestWebhookStaleIntentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)
	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	// Webhook for an intent the order no longer references.
	body, sig := f.signedCaptureBody(order.ID, "pay_1", "intent_stale")
	assert.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, sig))

	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusIntentCreated, stored.Status)
	assert.Equal(t, 0, f.publisher.paidCount())
}

func TestWebhookUnknownOrderAcked(t *testing.T) {
	f := newFixture(t)

	body, sig := f.signedCaptureBody("no-such-order", "pay_1", "intent_1")
	assert.NoError(t, f.coordinator.HandleWebhookEvent(context.Background(), body, sig))
	assert.Equal(t, 0, f.publisher.paidCount())
}

func TestWebhookUnhandledKindAcked(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"event": "refund.processed", "payload": {}}`)
	assert.NoError(t, f.coordinator.HandleWebhookEvent(context.Background(), body, f.verifier.Sign(body)))
}

func TestWebhookPaymentFailedRecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)
	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{
		"event": "payment.failed",
		"payload": {
			"payment": {"entity": {"id": "pay_1", "notes": {"order_id": %q}, "error_description": "insufficient funds"}}
		}
	}`, order.ID))
	require.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, f.verifier.Sign(body)))

	stored, _ := f.store.Get(ctx, order.ID)
	// Failure is an audit note, not a transition; the customer can retry.
	assert.Equal(t, models.StatusIntentCreated, stored.Status)
	assert.Equal(t, "insufficient funds", stored.FailureReason)

	require.Len(t, f.publisher.failed, 1)
	assert.Equal(t, "insufficient funds", f.publisher.failed[0].Reason)
}

func TestCancelTransitions(t *testing.T) {
	ctx := context.Background()

	// advance drives the order into the target status through the same store
	// operations the coordinator uses.
	tests := []struct {
		status  string
		advance func(f *fixture, orderID string)
		wantErr error
	}{
		{models.StatusCreated, func(f *fixture, orderID string) {}, nil},
		{models.StatusIntentCreated, func(f *fixture, orderID string) {
			_, _ = f.coordinator.CreateRemoteIntent(ctx, orderID, "user-1")
		}, nil},
		{models.StatusPaid, func(f *fixture, orderID string) {
			_, _ = f.coordinator.CreateRemoteIntent(ctx, orderID, "user-1")
			body, sig := f.signedCaptureBody(orderID, "pay_1", "intent_test_1")
			_ = f.coordinator.HandleWebhookEvent(ctx, body, sig)
		}, store.ErrInvalidTransition},
		{models.StatusShipped, func(f *fixture, orderID string) {
			_, _ = f.coordinator.CreateRemoteIntent(ctx, orderID, "user-1")
			body, sig := f.signedCaptureBody(orderID, "pay_1", "intent_test_1")
			_ = f.coordinator.HandleWebhookEvent(ctx, body, sig)
			_ = f.coordinator.MarkShipped(ctx, orderID, "TRK1", "https://track.example/TRK1")
		}, store.ErrInvalidTransition},
		{models.StatusDelivered, func(f *fixture, orderID string) {
			_, _ = f.coordinator.CreateRemoteIntent(ctx, orderID, "user-1")
			body, sig := f.signedCaptureBody(orderID, "pay_1", "intent_test_1")
			_ = f.coordinator.HandleWebhookEvent(ctx, body, sig)
			_ = f.coordinator.MarkShipped(ctx, orderID, "TRK1", "https://track.example/TRK1")
			_ = f.coordinator.MarkDelivered(ctx, orderID)
		}, store.ErrInvalidTransition},
		{models.StatusCancelled, func(f *fixture, orderID string) {
			_ = f.coordinator.Cancel(ctx, orderID, "user-1")
		}, store.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run("from "+tt.status, func(t *testing.T) {
			f := newFixture(t)
			order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
			require.NoError(t, err)
			tt.advance(f, order.ID)

			stored, err := f.store.Get(ctx, order.ID)
			require.NoError(t, err)
			require.Equal(t, tt.status, stored.Status, "fixture did not reach the target status")

			err = f.coordinator.Cancel(ctx, order.ID, "user-1")
			if tt.wantErr == nil {
				require.NoError(t, err)
				after, _ := f.store.Get(ctx, order.ID)
				assert.Equal(t, models.StatusCancelled, after.Status)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCancelNotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	err = f.coordinator.Cancel(ctx, order.ID, "user-2")
	assert.ErrorIs(t, err, ErrForbidden)

	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusCreated, stored.Status)
}

func TestGetOrderOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	got, err := f.coordinator.GetOrder(ctx, order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = f.coordinator.GetOrder(ctx, order.ID, "user-2")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.coordinator.GetOrder(ctx, "no-such-order", "user-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestFulfillmentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.coordinator.Initiate(ctx, "user-1", testItems(), testCustomer())
	require.NoError(t, err)

	// Shipping before payment is rejected.
	err = f.coordinator.MarkShipped(ctx, order.ID, "TRK1", "https://track.example/TRK1")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = f.coordinator.CreateRemoteIntent(ctx, order.ID, "user-1")
	require.NoError(t, err)
	body, sig := f.signedCaptureBody(order.ID, "pay_1", "intent_test_1")
	require.NoError(t, f.coordinator.HandleWebhookEvent(ctx, body, sig))

	require.NoError(t, f.coordinator.MarkShipped(ctx, order.ID, "TRK1", "https://track.example/TRK1"))
	stored, _ := f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusShipped, stored.Status)
	assert.Equal(t, "TRK1", stored.TrackingNumber)

	require.NoError(t, f.coordinator.MarkDelivered(ctx, order.ID))
	stored, _ = f.store.Get(ctx, order.ID)
	assert.Equal(t, models.StatusDelivered, stored.Status)
}
