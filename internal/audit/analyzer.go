// Package audit builds the payment reconciliation report: local order state
// compared against processor-side intents. Discrepancies here are the
// fraud/bug signals the webhook path logs for manual review, collected in one
// place for operators.
package audit

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/gateway"
	"github.com/dreamhaus/order-service/pkg/models"
)

const intentStatusCaptured = "captured"

type Analyzer struct {
	staleAfter time.Duration
	logger     *logrus.Logger
}

func NewAnalyzer(staleAfter time.Duration, logger *logrus.Logger) *Analyzer {
	return &Analyzer{staleAfter: staleAfter, logger: logger}
}

// Discrepancy is one order/intent pair that disagrees.
type Discrepancy struct {
	OrderID      string `json:"order_id"`
	IntentID     string `json:"intent_id,omitempty"`
	LocalStatus  string `json:"local_status,omitempty"`
	RemoteStatus string `json:"remote_status,omitempty"`
	LocalAmount  int64  `json:"local_amount,omitempty"`
	RemoteAmount int64  `json:"remote_amount,omitempty"`
	Detail       string `json:"detail"`
}

type Report struct {
	Timestamp   time.Time `json:"timestamp"`
	LocalCount  int       `json:"local_count"`
	RemoteCount int       `json:"remote_count"`

	// Paid locally with no captured intent on the processor: the most severe
	// class, a confirmation was applied that the processor does not back.
	PaidWithoutCapture []Discrepancy `json:"paid_without_capture"`

	// Captured on the processor but not paid locally: a lost or rejected
	// webhook; candidate for manual replay.
	CapturedWithoutPaid []Discrepancy `json:"captured_without_paid"`

	AmountMismatches []Discrepancy `json:"amount_mismatches"`

	// Orders stuck in payment_intent_created longer than the threshold.
	StaleIntents []Discrepancy `json:"stale_intents"`

	InSync bool `json:"in_sync"`
}

// Report correlates orders and intents by the order_id note on the intent.
func (a *Analyzer) Report(localOrders []*models.Order, remoteIntents []gateway.Intent) *Report {
	report := &Report{
		Timestamp:   time.Now().UTC(),
		LocalCount:  len(localOrders),
		RemoteCount: len(remoteIntents),
	}

	capturedByOrder := make(map[string]gateway.Intent)
	for _, intent := range remoteIntents {
		orderID := intent.Notes["order_id"]
		if orderID == "" {
			continue
		}
		if intent.Status == intentStatusCaptured {
			capturedByOrder[orderID] = intent
		}
	}

	localByID := make(map[string]*models.Order, len(localOrders))
	now := time.Now()

	for _, order := range localOrders {
		localByID[order.ID] = order

		captured, hasCapture := capturedByOrder[order.ID]

		switch {
		case order.Status == models.StatusPaid || order.Status == models.StatusShipped || order.Status == models.StatusDelivered:
			if !hasCapture {
				report.PaidWithoutCapture = append(report.PaidWithoutCapture, Discrepancy{
					OrderID:     order.ID,
					LocalStatus: order.Status,
					Detail:      "order settled locally but processor shows no captured intent",
				})
			} else if captured.AmountMinorUnits != order.TotalAmount {
				report.AmountMismatches = append(report.AmountMismatches, Discrepancy{
					OrderID:      order.ID,
					IntentID:     captured.ID,
					LocalAmount:  order.TotalAmount,
					RemoteAmount: captured.AmountMinorUnits,
					Detail:       "captured amount differs from order total",
				})
			}

		case order.Status == models.StatusIntentCreated:
			if hasCapture {
				report.CapturedWithoutPaid = append(report.CapturedWithoutPaid, Discrepancy{
					OrderID:      order.ID,
					IntentID:     captured.ID,
					LocalStatus:  order.Status,
					RemoteStatus: captured.Status,
					Detail:       "processor captured payment but order is not paid; webhook lost or rejected",
				})
			} else if a.staleAfter > 0 && now.Sub(order.UpdatedAt) > a.staleAfter {
				report.StaleIntents = append(report.StaleIntents, Discrepancy{
					OrderID:     order.ID,
					IntentID:    order.RemotePaymentRef,
					LocalStatus: order.Status,
					Detail:      "payment intent outstanding past threshold",
				})
			}
		}
	}

	for orderID, intent := range capturedByOrder {
		if _, known := localByID[orderID]; !known {
			report.CapturedWithoutPaid = append(report.CapturedWithoutPaid, Discrepancy{
				OrderID:      orderID,
				IntentID:     intent.ID,
				RemoteStatus: intent.Status,
				Detail:       "processor captured payment for an order this service does not know",
			})
		}
	}

	report.InSync = len(report.PaidWithoutCapture) == 0 &&
		len(report.CapturedWithoutPaid) == 0 &&
		len(report.AmountMismatches) == 0

	a.logger.WithFields(logrus.Fields{
		"local_count":           report.LocalCount,
		"remote_count":          report.RemoteCount,
		"paid_without_capture":  len(report.PaidWithoutCapture),
		"captured_without_paid": len(report.CapturedWithoutPaid),
		"amount_mismatches":     len(report.AmountMismatches),
		"stale_intents":         len(report.StaleIntents),
		"in_sync":               report.InSync,
	}).Info("Reconciliation report computed")

	return report
}
