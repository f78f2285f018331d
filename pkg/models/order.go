package models

import (
	"time"
)

// Order statuses. Transitions are monotonic along the happy path; cancelled
// is reachable from any pre-paid state.
const (
	StatusCreated       = "created"
	StatusIntentCreated = "payment_intent_created"
	StatusPaid          = "paid"
	StatusShipped       = "shipped"
	StatusDelivered     = "delivered"
	StatusCancelled     = "cancelled"
)

// Order is one customer purchase attempt. Records are retained for audit and
// never deleted. All monetary amounts are in minor currency units (paise).
type Order struct {
	ID               string               `json:"id"`
	OwnerID          string               `json:"owner_id"`
	Items            []LineItem           `json:"items"`
	TotalAmount      int64                `json:"total_amount"`
	Customer         Customer             `json:"customer"`
	Status           string               `json:"status"`
	RemotePaymentRef string               `json:"remote_payment_ref,omitempty"`
	Confirmation     *PaymentConfirmation `json:"payment_confirmation,omitempty"`
	FailureReason    string               `json:"failure_reason,omitempty"`
	TrackingNumber   string               `json:"tracking_number,omitempty"`
	TrackingLink     string               `json:"tracking_link,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// LineItem is a snapshot taken at purchase time. Prices are never recomputed
// from the live catalog.
type LineItem struct {
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
}

// Subtotal returns UnitPrice multiplied by Quantity.
func (li LineItem) Subtotal() int64 {
	return li.UnitPrice * int64(li.Quantity)
}

type Customer struct {
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   string  `json:"phone,omitempty"`
	Address Address `json:"address"`
}

// Address is the structured shipping destination. Line2 and Landmark are the
// only optional fields.
type Address struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
	Country  string `json:"country"`
	Landmark string `json:"landmark,omitempty"`
}

// PaymentConfirmation is written exactly once, by a verified webhook event.
type PaymentConfirmation struct {
	RemotePaymentID string `json:"remote_payment_id"`
	RemoteOrderID   string `json:"remote_order_id"`
	Signature       string `json:"signature"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}

// ItemsTotal sums the captured line-item subtotals.
func ItemsTotal(items []LineItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Subtotal()
	}
	return total
}
