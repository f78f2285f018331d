// gateway-mock is a stand-in payment processor for the local dev loop. It
// accepts intent creation, lists intents for the reconciliation report, and
// on demand signs and delivers a capture or failure webhook back to the order
// service the way the real processor would.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/gateway"
	"github.com/dreamhaus/order-service/internal/signature"
)

type intentStore struct {
	intents map[string]*gateway.Intent
	mutex   sync.RWMutex
}

func newIntentStore() *intentStore {
	return &intentStore{intents: make(map[string]*gateway.Intent)}
}

func (s *intentStore) put(intent *gateway.Intent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.intents[intent.ID] = intent
}

func (s *intentStore) get(id string) (*gateway.Intent, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	intent, ok := s.intents[id]
	return intent, ok
}

func (s *intentStore) list() []gateway.Intent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	items := make([]gateway.Intent, 0, len(s.intents))
	for _, intent := range s.intents {
		items = append(items, *intent)
	}
	return items
}

type server struct {
	store      *intentStore
	signer     *signature.Verifier
	webhookURL string
	httpClient *http.Client
	logger     *logrus.Logger
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		logger.Fatal("WEBHOOK_SECRET must be set")
	}

	srv := &server{
		store:      newIntentStore(),
		signer:     signature.NewVerifier(webhookSecret),
		webhookURL: getEnv("ORDER_SERVICE_WEBHOOK_URL", "http://localhost:8081/payments/webhook"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", srv.healthCheck).Methods("GET")
	router.HandleFunc("/v1/intents", srv.createIntent).Methods("POST")
	router.HandleFunc("/v1/intents", srv.listIntents).Methods("GET")
	router.HandleFunc("/v1/intents/{id}/capture", srv.captureIntent).Methods("POST")
	router.HandleFunc("/v1/intents/{id}/fail", srv.failIntent).Methods("POST")

	port := getEnv("GATEWAY_MOCK_PORT", "8090")
	logger.WithField("port", port).Info("Starting payment gateway mock")
	if err := http.ListenAndServe(":"+port, router); err != nil {
		logger.WithError(err).Fatal("Gateway mock failed")
	}
}

func (s *server) createIntent(w http.ResponseWriter, r *http.Request) {
	var req gateway.IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.AmountMinorUnits <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	intent := &gateway.Intent{
		ID:               "intent_" + uuid.New().String()[:8],
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Status:           "created",
		Receipt:          req.Receipt,
		Notes:            req.Notes,
	}
	s.store.put(intent)

	s.logger.WithFields(logrus.Fields{
		"intent_id": intent.ID,
		"amount":    intent.AmountMinorUnits,
		"receipt":   intent.Receipt,
	}).Info("Payment intent created")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(intent)
}

func (s *server) listIntents(w http.ResponseWriter, r *http.Request) {
	items := s.store.list()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// captureIntent marks the intent captured and delivers a signed
// payment.captured webhook, simulating an asynchronous processor
// confirmation.
func (s *server) captureIntent(w http.ResponseWriter, r *http.Request) {
	intentID := mux.Vars(r)["id"]
	intent, ok := s.store.get(intentID)
	if !ok {
		http.Error(w, "intent not found", http.StatusNotFound)
		return
	}
	intent.Status = "captured"
	s.store.put(intent)

	payload := map[string]interface{}{
		"event": "payment.captured",
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":    "pay_" + uuid.New().String()[:8],
					"notes": intent.Notes,
				},
			},
			"order": map[string]interface{}{
				"entity": map[string]interface{}{
					"id": intent.ID,
				},
			},
		},
	}

	if err := s.deliverWebhook(payload); err != nil {
		s.logger.WithError(err).Error("Webhook delivery failed")
		http.Error(w, "webhook delivery failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "captured"})
}

func (s *server) failIntent(w http.ResponseWriter, r *http.Request) {
	intentID := mux.Vars(r)["id"]
	intent, ok := s.store.get(intentID)
	if !ok {
		http.Error(w, "intent not found", http.StatusNotFound)
		return
	}
	intent.Status = "failed"
	s.store.put(intent)

	payload := map[string]interface{}{
		"event": "payment.failed",
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":                "pay_" + uuid.New().String()[:8],
					"notes":             intent.Notes,
					"error_description": "card declined by issuer",
				},
			},
		},
	}

	if err := s.deliverWebhook(payload); err != nil {
		s.logger.WithError(err).Error("Webhook delivery failed")
		http.Error(w, "webhook delivery failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
}

func (s *server) deliverWebhook(payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", s.webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", s.signer.Sign(body))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	s.logger.WithField("url", s.webhookURL).Info("Webhook delivered")
	return nil
}

func (s *server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "gateway-mock"})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
