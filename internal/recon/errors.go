package recon

import "errors"

// Client-correctable input errors, rejected before any external call or
// write.
var (
	ErrInvalidLineItems = errors.New("invalid line items")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidTotal     = errors.New("invalid total amount")
	ErrForbidden        = errors.New("not authorized for this order")
)

// Webhook-path integrity errors. These are never surfaced with detail to the
// remote caller; the HTTP layer answers generically to avoid giving an
// attacker an oracle.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrBadEvent         = errors.New("malformed webhook event")
)
