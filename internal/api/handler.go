// Package api exposes the order service over HTTP. Every route goes through
// parsed-body handling except the payment webhook, which reads the raw body
// itself: signature verification must see the exact bytes the processor sent.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/audit"
	"github.com/dreamhaus/order-service/internal/gateway"
	"github.com/dreamhaus/order-service/internal/recon"
	"github.com/dreamhaus/order-service/internal/store"
	"github.com/dreamhaus/order-service/pkg/models"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds how much of a webhook request is read before
// verification.
const maxWebhookBody = 1 << 20

type Handler struct {
	coordinator *recon.Coordinator
	store       store.Store
	gateway     gateway.PaymentGateway
	analyzer    *audit.Analyzer
	logger      *logrus.Logger
}

func NewHandler(coordinator *recon.Coordinator, st store.Store, gw gateway.PaymentGateway, analyzer *audit.Analyzer, logger *logrus.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		store:       st,
		gateway:     gw,
		analyzer:    analyzer,
		logger:      logger,
	}
}

// Register mounts all routes. Authenticated routes get the auth middleware;
// the webhook and health endpoints stay open.
func (h *Handler) Register(router *mux.Router, authMiddleware mux.MiddlewareFunc) {
	authed := router.NewRoute().Subrouter()
	authed.Use(authMiddleware)
	authed.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	authed.HandleFunc("/orders", h.ListOrders).Methods("GET")
	authed.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	authed.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods("POST")
	authed.HandleFunc("/orders/{id}/payment-intent", h.CreatePaymentIntent).Methods("POST")
	authed.HandleFunc("/admin/reconciliation", h.ReconciliationReport).Methods("GET")
	authed.HandleFunc("/admin/orders/{id}/ship", h.ShipOrder).Methods("POST")
	authed.HandleFunc("/admin/orders/{id}/deliver", h.DeliverOrder).Methods("POST")

	router.HandleFunc("/payments/webhook", h.PaymentWebhook).Methods("POST")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

type createOrderRequest struct {
	Items    []models.LineItem `json:"items"`
	Customer models.Customer   `json:"customer"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.coordinator.Initiate(r.Context(), OwnerID(r.Context()), req.Items, req.Customer)
	if err != nil {
		h.respondWithRecoveredError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order created successfully",
		Order:   order,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.coordinator.ListOrders(r.Context(), OwnerID(r.Context()))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list orders")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	order, err := h.coordinator.GetOrder(r.Context(), orderID, OwnerID(r.Context()))
	if err != nil {
		h.respondWithRecoveredError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	if err := h.coordinator.Cancel(r.Context(), orderID, OwnerID(r.Context())); err != nil {
		h.respondWithRecoveredError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Order cancelled",
	})
}

func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	result, err := h.coordinator.CreateRemoteIntent(r.Context(), orderID, OwnerID(r.Context()))
	if err != nil {
		h.respondWithRecoveredError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"remote_intent_id": result.RemoteIntentID,
		"key_id":           result.KeyID,
	})
}

// PaymentWebhook is the processor's callback. No session auth: the caller is
// the processor's server, authenticated by HMAC over the raw body. Rejections
// are deliberately generic.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.WithError(err).Error("Failed to read webhook body")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	err = h.coordinator.HandleWebhookEvent(r.Context(), rawBody, r.Header.Get(SignatureHeader))
	if err != nil {
		// Signature or parse failure. Details go to the log, not the caller.
		h.respondWithError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "OK",
	})
}

func (h *Handler) ReconciliationReport(w http.ResponseWriter, r *http.Request) {
	orders, err := h.store.ListAll(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list orders for reconciliation")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to build report")
		return
	}

	intents, err := h.gateway.FetchIntents(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to fetch processor intents")
		h.respondWithError(w, http.StatusBadGateway, "Payment processor unavailable, try again")
		return
	}

	h.respondWithJSON(w, http.StatusOK, h.analyzer.Report(orders, intents))
}

type shipOrderRequest struct {
	TrackingNumber string `json:"tracking_number"`
	TrackingLink   string `json:"tracking_link"`
}

func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req shipOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.coordinator.MarkShipped(r.Context(), orderID, req.TrackingNumber, req.TrackingLink); err != nil {
		h.respondWithRecoveredError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Order marked as shipped",
	})
}

func (h *Handler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	if err := h.coordinator.MarkDelivered(r.Context(), orderID); err != nil {
		h.respondWithRecoveredError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Order marked as delivered",
	})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "healthy",
		"service": "order-service",
	}
	if gw, ok := h.gateway.(interface{ BreakerMetrics() map[string]interface{} }); ok {
		health["gateway_breaker"] = gw.BreakerMetrics()
	}
	h.respondWithJSON(w, http.StatusOK, health)
}

// respondWithRecoveredError maps the error taxonomy onto HTTP statuses.
// Client input errors are surfaced verbatim; upstream failures become
// retry-safe messages; anything unclassified stays opaque.
func (h *Handler) respondWithRecoveredError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recon.ErrInvalidLineItems),
		errors.Is(err, recon.ErrInvalidAddress),
		errors.Is(err, recon.ErrInvalidTotal),
		errors.Is(err, store.ErrValidation):
		h.respondWithError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, recon.ErrForbidden):
		h.respondWithError(w, http.StatusForbidden, "You are not authorized to access this order")

	case errors.Is(err, store.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, "Order not found")

	case errors.Is(err, store.ErrAlreadyPaid):
		h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Order already completed",
		})

	case errors.Is(err, store.ErrInvalidTransition):
		h.respondWithError(w, http.StatusConflict, err.Error())

	case errors.Is(err, gateway.ErrGateway):
		h.respondWithError(w, http.StatusBadGateway, "Payment processor unavailable, please try again")

	default:
		h.logger.WithError(err).Error("Unhandled error")
		h.respondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
