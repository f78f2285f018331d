// Package gateway wraps the external payment processor's HTTP API. Calls are
// time-bounded and guarded by a circuit breaker; there is no automatic retry
// at this layer since re-calling creates a fresh processor-side intent.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/internal/circuitbreaker"
)

// ErrGateway marks upstream failures. Callers surface these as retryable;
// the local order is never advanced on a failed call.
var ErrGateway = errors.New("payment gateway error")

// PaymentGateway is the processor surface the coordinator depends on.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	FetchIntents(ctx context.Context) ([]Intent, error)
}

// IntentRequest describes a processor-side payment intent to create. Notes
// must carry the local order ID: it is the only correlation key the webhook
// brings back.
type IntentRequest struct {
	AmountMinorUnits int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Receipt          string            `json:"receipt"`
	Notes            map[string]string `json:"notes"`
}

// Intent is the processor-side representation of an authorized-but-unsettled
// charge.
type Intent struct {
	ID               string            `json:"id"`
	AmountMinorUnits int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Receipt          string            `json:"receipt"`
	Notes            map[string]string `json:"notes"`
}

type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

func NewClient(baseURL, keyID, keySecret string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "payment-gateway",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			MaxRequests: 2,
		}, logger),
		logger: logger,
	}
}

// KeyID returns the public key identifier the client-side payment widget
// needs.
func (c *Client) KeyID() string {
	return c.keyID
}

func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	c.logger.WithFields(logrus.Fields{
		"receipt": req.Receipt,
		"amount":  req.AmountMinorUnits,
	}).Info("Creating payment intent")

	var intent *Intent
	err := c.breaker.Execute(func() error {
		var execErr error
		intent, execErr = c.doCreateIntent(ctx, req)
		return execErr
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"receipt":   req.Receipt,
		"intent_id": intent.ID,
	}).Info("Payment intent created")

	return intent, nil
}

func (c *Client) doCreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/intents", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: processor returned status %d", ErrGateway, resp.StatusCode)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("%w: failed to decode processor response: %v", ErrGateway, err)
	}

	return &intent, nil
}

// FetchIntents lists processor-side intents for the audit report.
func (c *Client) FetchIntents(ctx context.Context) ([]Intent, error) {
	var intents []Intent
	err := c.breaker.Execute(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/intents", nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.SetBasicAuth(c.keyID, c.keySecret)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGateway, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: processor returned status %d", ErrGateway, resp.StatusCode)
		}

		var response struct {
			Items []Intent `json:"items"`
			Count int      `json:"count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return fmt.Errorf("%w: failed to decode processor response: %v", ErrGateway, err)
		}
		intents = response.Items
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
		return nil, err
	}

	c.logger.WithField("count", len(intents)).Info("Retrieved intents from processor")
	return intents, nil
}

// BreakerMetrics exposes the gateway breaker state for the health surface.
func (c *Client) BreakerMetrics() map[string]interface{} {
	return c.breaker.Metrics()
}
