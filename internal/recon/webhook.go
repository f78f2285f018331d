package recon

import (
	"encoding/json"
	"fmt"
)

// Webhook event kinds the processor delivers. payment.captured and order.paid
// both confirm settlement; processors emit either depending on capture mode.
const (
	kindPaymentCaptured = "payment.captured"
	kindOrderPaid       = "order.paid"
	kindPaymentFailed   = "payment.failed"
)

// WebhookEvent is one of CapturedEvent, FailedEvent, or IgnoredEvent. The
// loose processor payload is parsed into exactly one of these variants so
// handlers never touch possibly-absent nested fields.
type WebhookEvent interface {
	webhookEvent()
}

// CapturedEvent confirms a settled payment.
type CapturedEvent struct {
	OrderID         string
	RemotePaymentID string
	RemoteOrderID   string
}

// FailedEvent reports a failed payment attempt.
type FailedEvent struct {
	OrderID         string
	RemotePaymentID string
	Reason          string
}

// IgnoredEvent is any kind this service does not handle. It is acknowledged
// and dropped.
type IgnoredEvent struct {
	Kind string
}

func (CapturedEvent) webhookEvent() {}
func (FailedEvent) webhookEvent()   {}
func (IgnoredEvent) webhookEvent()  {}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string            `json:"id"`
				Notes            map[string]string `json:"notes"`
				ErrorDescription string            `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseWebhookEvent decodes a verified webhook body into a tagged event.
// The correlation order ID travels in the payment entity's notes; an event
// of a handled kind without it is malformed, not retryable by re-signing.
func ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event kind", ErrBadEvent)
	}

	switch env.Event {
	case kindPaymentCaptured, kindOrderPaid:
		orderID := env.Payload.Payment.Entity.Notes["order_id"]
		if orderID == "" {
			return nil, fmt.Errorf("%w: event carries no order_id note", ErrBadEvent)
		}
		return CapturedEvent{
			OrderID:         orderID,
			RemotePaymentID: env.Payload.Payment.Entity.ID,
			RemoteOrderID:   env.Payload.Order.Entity.ID,
		}, nil

	case kindPaymentFailed:
		orderID := env.Payload.Payment.Entity.Notes["order_id"]
		if orderID == "" {
			return nil, fmt.Errorf("%w: event carries no order_id note", ErrBadEvent)
		}
		return FailedEvent{
			OrderID:         orderID,
			RemotePaymentID: env.Payload.Payment.Entity.ID,
			Reason:          env.Payload.Payment.Entity.ErrorDescription,
		}, nil

	default:
		return IgnoredEvent{Kind: env.Event}, nil
	}
}
