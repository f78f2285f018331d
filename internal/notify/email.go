// Package notify delivers customer notifications. Delivery is fire-and-forget
// from the coordinator's point of view; the worker behind the Kafka topic
// owns retries.
package notify

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/events"
)

// ErrTemporary marks delivery failures worth retrying (provider throttling,
// connection resets). Anything else is parked in the DLQ.
var ErrTemporary = errors.New("temporary delivery failure")

// Sender delivers a rendered message to one recipient.
type Sender interface {
	Send(to, subject, body string) error
}

// LogSender is the stand-in delivery backend: it logs instead of speaking
// SMTP. Real delivery plugs in behind the same interface.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(to, subject, body string) error {
	s.logger.WithFields(logrus.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Sending notification email")
	return nil
}

// EmailHandler turns order.paid events into confirmation emails. It
// implements events.PaidEventHandler for the retry consumer.
type EmailHandler struct {
	sender Sender
	logger *logrus.Logger
}

func NewEmailHandler(sender Sender, logger *logrus.Logger) *EmailHandler {
	return &EmailHandler{sender: sender, logger: logger}
}

func (h *EmailHandler) HandleOrderPaid(event events.OrderPaidEvent) error {
	if event.CustomerEmail == "" {
		h.logger.WithField("order_id", event.OrderID).Warn("Paid event has no customer email, skipping notification")
		return nil
	}

	subject := fmt.Sprintf("Your order %s is confirmed", event.OrderID)
	body := fmt.Sprintf(
		"We received your payment of %d.%02d for order %s (payment %s). We'll let you know when it ships.",
		event.TotalAmount/100, event.TotalAmount%100, event.OrderID, event.RemotePaymentID,
	)

	if err := h.sender.Send(event.CustomerEmail, subject, body); err != nil {
		return fmt.Errorf("failed to send confirmation for order %s: %w", event.OrderID, err)
	}

	h.logger.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"to":       event.CustomerEmail,
	}).Info("Order confirmation sent")
	return nil
}

func (h *EmailHandler) IsRetryable(err error) bool {
	return errors.Is(err, ErrTemporary)
}
