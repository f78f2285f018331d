// Package store persists order records and owns the only write path that can
// mark an order paid. MarkPaid is a single conditional write so that
// concurrent webhook deliveries for the same order linearize at the storage
// layer; no caller is permitted to read-modify-write an order's status.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamhaus/order-service/pkg/models"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyPaid       = errors.New("order already paid")
	ErrRefMismatch       = errors.New("remote payment reference mismatch")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("order validation failed")
)

type Store interface {
	// Create inserts a new order in created status. The order must already
	// carry an ID, owner, items, total, and customer details.
	Create(ctx context.Context, order *models.Order) error

	Get(ctx context.Context, orderID string) (*models.Order, error)

	// ListByOwner returns the owner's orders, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Order, error)

	// ListAll returns every order, newest first. Serves the reconciliation
	// report; not exposed to customers.
	ListAll(ctx context.Context) ([]*models.Order, error)

	// SetRemoteRef records a freshly created payment intent and moves the
	// order to payment_intent_created. Re-invocation overwrites the previous
	// reference; the orphaned intent expires processor-side.
	SetRemoteRef(ctx context.Context, orderID, remoteRef string) error

	// MarkPaid atomically sets the payment confirmation and transitions the
	// order to paid, provided the on-file remote reference equals
	// expectedRef and the order is not already paid. Returns ErrAlreadyPaid,
	// ErrRefMismatch, or ErrNotFound otherwise. This is the only path that
	// writes the confirmation.
	MarkPaid(ctx context.Context, orderID, expectedRef string, conf models.PaymentConfirmation) error

	// UpdateStatus transitions the order to a new status only if its current
	// status is one of from. Returns ErrInvalidTransition otherwise.
	UpdateStatus(ctx context.Context, orderID string, from []string, to string) error

	// RecordPaymentFailure stores the failure reason for audit without
	// changing the order status, so the customer can retry with a new intent.
	RecordPaymentFailure(ctx context.Context, orderID, reason string) error

	// SetTracking records fulfillment tracking details.
	SetTracking(ctx context.Context, orderID, trackingNumber, trackingLink string) error
}

// Validate checks the integrity constraints every stored order must satisfy.
func Validate(order *models.Order) error {
	if len(order.Items) == 0 {
		return fmt.Errorf("%w: order has no line items", ErrValidation)
	}
	for i, it := range order.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: item %d has no product id", ErrValidation, i)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", ErrValidation, i)
		}
		if it.UnitPrice <= 0 {
			return fmt.Errorf("%w: item %d unit price must be positive", ErrValidation, i)
		}
	}
	if order.TotalAmount <= 0 {
		return fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}
	if got := models.ItemsTotal(order.Items); got != order.TotalAmount {
		return fmt.Errorf("%w: total amount %d does not match item subtotals %d",
			ErrValidation, order.TotalAmount, got)
	}
	if order.Customer.Name == "" || order.Customer.Email == "" {
		return fmt.Errorf("%w: customer name and email are required", ErrValidation)
	}
	addr := order.Customer.Address
	if addr.Line1 == "" || addr.City == "" || addr.State == "" || addr.Zip == "" || addr.Country == "" {
		return fmt.Errorf("%w: address requires line1, city, state, zip, and country", ErrValidation)
	}
	return nil
}
