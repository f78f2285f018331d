// Package recon drives the local-order → remote-intent → webhook-confirmation
// lifecycle. It is the state machine of record for payment reconciliation:
// validation and ownership are checked before any external call or write, and
// the paid transition rides entirely on the store's conditional update so
// duplicate or racing webhook deliveries apply at most once.
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/events"
	"github.com/dreamhaus/order-service/internal/gateway"
	"github.com/dreamhaus/order-service/internal/signature"
	"github.com/dreamhaus/order-service/internal/store"
	"github.com/dreamhaus/order-service/pkg/models"
)

// Publisher emits lifecycle events. Publish failures are logged and swallowed;
// the event stream is observational, the store is the source of truth.
type Publisher interface {
	PublishOrderCreated(event events.OrderCreatedEvent) error
	PublishOrderPaid(event events.OrderPaidEvent) error
	PublishPaymentFailed(event events.PaymentFailedEvent) error
}

// Broadcaster pushes transitions to the ops dashboard feed.
type Broadcaster interface {
	BroadcastTransition(messageType, orderID, status string, data interface{})
}

// PaymentGateway is the processor surface the coordinator needs.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error)
	KeyID() string
}

// IntentResult is handed to the client-side payment widget.
type IntentResult struct {
	RemoteIntentID string `json:"remote_intent_id"`
	KeyID          string `json:"key_id"`
}

type Coordinator struct {
	store     store.Store
	gateway   PaymentGateway
	verifier  *signature.Verifier
	publisher Publisher
	hub       Broadcaster
	currency  string
	logger    *logrus.Logger
}

// NewCoordinator wires the engine. publisher and hub may be nil; the
// coordinator then runs store-only, which is what most tests want.
func NewCoordinator(st store.Store, gw PaymentGateway, verifier *signature.Verifier, publisher Publisher, hub Broadcaster, currency string, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		gateway:   gw,
		verifier:  verifier,
		publisher: publisher,
		hub:       hub,
		currency:  currency,
		logger:    logger,
	}
}

// Initiate validates the checkout input and persists a new order in created
// status. The total is computed server-side from the captured line items; a
// client-supplied total that disagrees is rejected by the caller before it
// gets here or by the store's own validation.
func (c *Coordinator) Initiate(ctx context.Context, ownerID string, items []models.LineItem, customer models.Customer) (*models.Order, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrForbidden)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidLineItems)
	}
	for i, it := range items {
		if it.ProductID == "" || it.Quantity < 1 || it.UnitPrice <= 0 {
			return nil, fmt.Errorf("%w: item %d", ErrInvalidLineItems, i)
		}
	}
	if customer.Name == "" || customer.Email == "" {
		return nil, fmt.Errorf("%w: customer name and email are required", ErrInvalidAddress)
	}
	addr := customer.Address
	if addr.Line1 == "" || addr.City == "" || addr.State == "" || addr.Zip == "" || addr.Country == "" {
		return nil, fmt.Errorf("%w: line1, city, state, zip, and country are required", ErrInvalidAddress)
	}

	total := models.ItemsTotal(items)
	if total <= 0 {
		return nil, fmt.Errorf("%w: computed total is %d", ErrInvalidTotal, total)
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Items:       items,
		TotalAmount: total,
		Customer:    customer,
		Status:      models.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := c.store.Create(ctx, order); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"owner_id":     ownerID,
		"total_amount": total,
		"items_count":  len(items),
	}).Info("Order created")

	if c.publisher != nil {
		if err := c.publisher.PublishOrderCreated(events.OrderCreatedEvent{
			OrderID:     order.ID,
			OwnerID:     ownerID,
			TotalAmount: total,
			CreatedAt:   order.CreatedAt,
		}); err != nil {
			c.logger.WithError(err).Error("Failed to publish order created event")
		}
	}
	c.broadcast("order_created", order.ID, order.Status, nil)

	return order, nil
}

// CreateRemoteIntent creates a processor-side payment intent for the order's
// total and records the returned reference. A failed or timed-out gateway
// call leaves the order untouched, so the client may simply retry; the retry
// creates a fresh intent and the previous one expires processor-side.
func (c *Coordinator) CreateRemoteIntent(ctx context.Context, orderID, requestingOwnerID string) (*IntentResult, error) {
	order, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != requestingOwnerID {
		return nil, ErrForbidden
	}
	switch order.Status {
	case models.StatusCreated, models.StatusIntentCreated:
	case models.StatusPaid, models.StatusShipped, models.StatusDelivered:
		// Paying twice is reported as completion, not as a generic error.
		return nil, store.ErrAlreadyPaid
	default:
		return nil, fmt.Errorf("%w: cannot create payment intent in status %s", store.ErrInvalidTransition, order.Status)
	}

	intent, err := c.gateway.CreateIntent(ctx, gateway.IntentRequest{
		AmountMinorUnits: order.TotalAmount,
		Currency:         c.currency,
		Receipt:          order.ID,
		Notes: map[string]string{
			"order_id": order.ID,
			"owner_id": order.OwnerID,
			"email":    order.Customer.Email,
		},
	})
	if err != nil {
		c.logger.WithError(err).WithField("order_id", orderID).Error("Payment intent creation failed")
		return nil, err
	}

	if err := c.store.SetRemoteRef(ctx, orderID, intent.ID); err != nil {
		// The intent exists processor-side but was never attached; it will
		// expire there. Surface the local failure.
		c.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":  orderID,
			"intent_id": intent.ID,
		}).Error("Failed to attach payment intent to order")
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"intent_id": intent.ID,
		"amount":    order.TotalAmount,
	}).Info("Payment intent attached to order")
	c.broadcast("payment_intent_created", orderID, models.StatusIntentCreated, nil)

	return &IntentResult{
		RemoteIntentID: intent.ID,
		KeyID:          c.gateway.KeyID(),
	}, nil
}

// HandleWebhookEvent processes an inbound processor callback. Only signature
// and parse failures propagate; once a well-formed, verified event has been
// dispatched the caller must acknowledge with a success response regardless
// of the mutation outcome — the coordinator's idempotency absorbs the
// processor's redeliveries, while a non-2xx only buys redundant retries.
func (c *Coordinator) HandleWebhookEvent(ctx context.Context, rawBody []byte, signatureHeader string) error {
	if !c.verifier.Verify(rawBody, signatureHeader) {
		c.logger.Warn("Webhook signature mismatch, request rejected")
		return ErrInvalidSignature
	}

	event, err := ParseWebhookEvent(rawBody)
	if err != nil {
		c.logger.WithError(err).Warn("Verified webhook carried a malformed event")
		return err
	}

	switch evt := event.(type) {
	case CapturedEvent:
		c.applyCaptured(ctx, evt, signatureHeader)
	case FailedEvent:
		c.applyFailed(ctx, evt)
	case IgnoredEvent:
		c.logger.WithField("event", evt.Kind).Info("Ignoring unhandled webhook event kind")
	}

	return nil
}

func (c *Coordinator) applyCaptured(ctx context.Context, evt CapturedEvent, signatureHeader string) {
	conf := models.PaymentConfirmation{
		RemotePaymentID: evt.RemotePaymentID,
		RemoteOrderID:   evt.RemoteOrderID,
		Signature:       signatureHeader,
	}

	err := c.store.MarkPaid(ctx, evt.OrderID, evt.RemoteOrderID, conf)
	switch {
	case err == nil:
		c.logger.WithFields(logrus.Fields{
			"order_id":          evt.OrderID,
			"remote_payment_id": evt.RemotePaymentID,
		}).Info("Order marked as paid via webhook")
		c.publishPaid(ctx, evt)
		c.broadcast("order_paid", evt.OrderID, models.StatusPaid, nil)

	case errors.Is(err, store.ErrAlreadyPaid):
		// Processors redeliver webhooks; the duplicate is a success, not an
		// error.
		c.logger.WithField("order_id", evt.OrderID).Info("Duplicate payment webhook, order already paid")

	case errors.Is(err, store.ErrRefMismatch):
		// No intent on file, or the event references a stale one. Fraud or
		// bug signal: logged in full for manual review, acknowledged to the
		// processor with nothing revealed.
		c.logger.WithFields(logrus.Fields{
			"order_id":          evt.OrderID,
			"remote_payment_id": evt.RemotePaymentID,
			"remote_order_id":   evt.RemoteOrderID,
		}).Warn("Payment confirmation does not match order on file")

	case errors.Is(err, store.ErrNotFound):
		c.logger.WithFields(logrus.Fields{
			"order_id":          evt.OrderID,
			"remote_payment_id": evt.RemotePaymentID,
		}).Warn("Payment webhook references unknown order")

	default:
		c.logger.WithError(err).WithField("order_id", evt.OrderID).Error("Failed to apply payment confirmation")
	}
}

func (c *Coordinator) applyFailed(ctx context.Context, evt FailedEvent) {
	// Failure is recorded for audit only; the order keeps its status so the
	// customer can retry with a fresh intent.
	if err := c.store.RecordPaymentFailure(ctx, evt.OrderID, evt.Reason); err != nil {
		c.logger.WithError(err).WithField("order_id", evt.OrderID).Error("Failed to record payment failure")
		return
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": evt.OrderID,
		"reason":   evt.Reason,
	}).Info("Payment failure recorded")

	if c.publisher != nil {
		if err := c.publisher.PublishPaymentFailed(events.PaymentFailedEvent{
			OrderID: evt.OrderID,
			Reason:  evt.Reason,
		}); err != nil {
			c.logger.WithError(err).Error("Failed to publish payment failed event")
		}
	}
	c.broadcast("payment_failed", evt.OrderID, "", evt.Reason)
}

func (c *Coordinator) publishPaid(ctx context.Context, evt CapturedEvent) {
	if c.publisher == nil {
		return
	}

	event := events.OrderPaidEvent{
		OrderID:         evt.OrderID,
		RemotePaymentID: evt.RemotePaymentID,
		RemoteOrderID:   evt.RemoteOrderID,
	}
	if order, err := c.store.Get(ctx, evt.OrderID); err == nil {
		event.OwnerID = order.OwnerID
		event.TotalAmount = order.TotalAmount
		event.CustomerEmail = order.Customer.Email
	}

	if err := c.publisher.PublishOrderPaid(event); err != nil {
		c.logger.WithError(err).WithField("order_id", evt.OrderID).Error("Failed to publish order paid event")
	}
}

// Cancel moves the order to cancelled if payment has not completed. Owners
// can back out of created and payment_intent_created; anything later is
// rejected.
func (c *Coordinator) Cancel(ctx context.Context, orderID, requestingOwnerID string) error {
	order, err := c.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.OwnerID != requestingOwnerID {
		return ErrForbidden
	}

	err = c.store.UpdateStatus(ctx, orderID,
		[]string{models.StatusCreated, models.StatusIntentCreated}, models.StatusCancelled)
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"owner_id": requestingOwnerID,
	}).Info("Order cancelled")
	c.broadcast("order_cancelled", orderID, models.StatusCancelled, nil)
	return nil
}

// GetOrder returns the order if the requester owns it.
func (c *Coordinator) GetOrder(ctx context.Context, orderID, requestingOwnerID string) (*models.Order, error) {
	order, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != requestingOwnerID {
		return nil, ErrForbidden
	}
	return order, nil
}

// ListOrders returns the owner's order history, newest first.
func (c *Coordinator) ListOrders(ctx context.Context, ownerID string) ([]*models.Order, error) {
	return c.store.ListByOwner(ctx, ownerID)
}

// MarkShipped records tracking details and moves a paid order to shipped.
// Fulfillment runs admin-side, not owner-side.
func (c *Coordinator) MarkShipped(ctx context.Context, orderID, trackingNumber, trackingLink string) error {
	err := c.store.UpdateStatus(ctx, orderID, []string{models.StatusPaid}, models.StatusShipped)
	if err != nil {
		return err
	}
	if err := c.store.SetTracking(ctx, orderID, trackingNumber, trackingLink); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":        orderID,
		"tracking_number": trackingNumber,
	}).Info("Order shipped")
	c.broadcast("order_shipped", orderID, models.StatusShipped, nil)
	return nil
}

// MarkDelivered completes the fulfillment lifecycle.
func (c *Coordinator) MarkDelivered(ctx context.Context, orderID string) error {
	err := c.store.UpdateStatus(ctx, orderID, []string{models.StatusShipped}, models.StatusDelivered)
	if err != nil {
		return err
	}

	c.logger.WithField("order_id", orderID).Info("Order delivered")
	c.broadcast("order_delivered", orderID, models.StatusDelivered, nil)
	return nil
}

func (c *Coordinator) broadcast(messageType, orderID, status string, data interface{}) {
	if c.hub != nil {
		c.hub.BroadcastTransition(messageType, orderID, status, data)
	}
}
