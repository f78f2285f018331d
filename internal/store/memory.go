package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreamhaus/order-service/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store used by tests and the local
// dev loop. Conditional updates hold the write lock for the whole
// check-and-set, giving the same per-order linearizability as the Postgres
// conditional UPDATE.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (s *MemoryStore) Create(_ context.Context, order *models.Order) error {
	if err := Validate(order); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return ErrValidation
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []*models.Order
	for _, order := range s.orders {
		if order.OwnerID == ownerID {
			orders = append(orders, cloneOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]*models.Order, 0, len(s.orders))
	for _, order := range s.orders {
		orders = append(orders, cloneOrder(order))
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) SetRemoteRef(_ context.Context, orderID, remoteRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status != models.StatusCreated && order.Status != models.StatusIntentCreated {
		return ErrInvalidTransition
	}
	order.RemotePaymentRef = remoteRef
	order.Status = models.StatusIntentCreated
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, orderID, expectedRef string, conf models.PaymentConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	switch order.Status {
	case models.StatusPaid, models.StatusShipped, models.StatusDelivered:
		return ErrAlreadyPaid
	}
	if order.RemotePaymentRef == "" || order.RemotePaymentRef != expectedRef {
		return ErrRefMismatch
	}
	if order.Status != models.StatusIntentCreated {
		return fmt.Errorf("%w: cannot mark %s order paid", ErrInvalidTransition, order.Status)
	}

	c := conf
	order.Confirmation = &c
	order.Status = models.StatusPaid
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, orderID string, from []string, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if order.Status == f {
			order.Status = to
			order.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrInvalidTransition
}

func (s *MemoryStore) RecordPaymentFailure(_ context.Context, orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.FailureReason = reason
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetTracking(_ context.Context, orderID, trackingNumber, trackingLink string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.TrackingNumber = trackingNumber
	order.TrackingLink = trackingLink
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneOrder(order *models.Order) *models.Order {
	clone := *order
	clone.Items = append([]models.LineItem(nil), order.Items...)
	if order.Confirmation != nil {
		c := *order.Confirmation
		clone.Confirmation = &c
	}
	return &clone
}
