package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/dreamhaus/order-service/pkg/models"
)

// PostgresStore implements Store on database/sql with lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgresStore(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// CreateTables creates the schema if it does not exist.
func (s *PostgresStore) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL,
			total_amount BIGINT NOT NULL,
			customer JSONB NOT NULL,
			status VARCHAR(32) NOT NULL,
			remote_payment_ref VARCHAR(128) NOT NULL DEFAULT '',
			remote_payment_id VARCHAR(128) NOT NULL DEFAULT '',
			remote_order_id VARCHAR(128) NOT NULL DEFAULT '',
			confirmation_signature TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			tracking_number TEXT NOT NULL DEFAULT '',
			tracking_link TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL REFERENCES orders(id),
			product_id VARCHAR(64) NOT NULL,
			title TEXT NOT NULL,
			unit_price BIGINT NOT NULL,
			quantity INTEGER NOT NULL,
			size VARCHAR(32)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_owner_id ON orders(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (s *PostgresStore) Create(ctx context.Context, order *models.Order) error {
	if err := Validate(order); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	customerJSON, err := json.Marshal(order.Customer)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (id, owner_id, total_amount, customer, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.ExecContext(ctx, query, order.ID, order.OwnerID, order.TotalAmount,
		string(customerJSON), order.Status, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: duplicate order id %s", ErrValidation, order.ID)
		}
		return err
	}

	for _, item := range order.Items {
		itemQuery := `
			INSERT INTO order_items (order_id, product_id, title, unit_price, quantity, size)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err = tx.ExecContext(ctx, itemQuery, order.ID, item.ProductID, item.Title,
			item.UnitPrice, item.Quantity, item.Size)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, orderID string) (*models.Order, error) {
	query := `
		SELECT id, owner_id, total_amount, customer, status, remote_payment_ref,
		       remote_payment_id, remote_order_id, confirmation_signature,
		       failure_reason, tracking_number, tracking_link, created_at, updated_at
		FROM orders WHERE id = $1
	`
	order, err := scanOrder(s.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.Order, error) {
	query := `
		SELECT id, owner_id, total_amount, customer, status, remote_payment_ref,
		       remote_payment_id, remote_order_id, confirmation_signature,
		       failure_reason, tracking_number, tracking_link, created_at, updated_at
		FROM orders WHERE owner_id = $1 ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, order := range orders {
		if err := s.loadItems(ctx, order); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.Order, error) {
	query := `
		SELECT id, owner_id, total_amount, customer, status, remote_payment_ref,
		       remote_payment_id, remote_order_id, confirmation_signature,
		       failure_reason, tracking_number, tracking_link, created_at, updated_at
		FROM orders ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, order := range orders {
		if err := s.loadItems(ctx, order); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

func (s *PostgresStore) SetRemoteRef(ctx context.Context, orderID, remoteRef string) error {
	query := `
		UPDATE orders
		SET remote_payment_ref = $2, status = $3, updated_at = $4
		WHERE id = $1 AND status IN ($5, $3)
	`
	res, err := s.db.ExecContext(ctx, query, orderID, remoteRef,
		models.StatusIntentCreated, time.Now().UTC(), models.StatusCreated)
	if err != nil {
		return err
	}
	return s.explainNoRows(ctx, res, orderID, func(status string) error {
		return fmt.Errorf("%w: cannot attach payment intent in status %s", ErrInvalidTransition, status)
	})
}

// MarkPaid performs the paid transition as one conditional UPDATE. The row
// predicate carries all the preconditions (exists, awaiting payment, ref
// matches); a follow-up read only disambiguates which one failed.
func (s *PostgresStore) MarkPaid(ctx context.Context, orderID, expectedRef string, conf models.PaymentConfirmation) error {
	query := `
		UPDATE orders
		SET status = $2, remote_payment_id = $3, remote_order_id = $4,
		    confirmation_signature = $5, updated_at = $6
		WHERE id = $1 AND status = $8
		  AND remote_payment_ref <> '' AND remote_payment_ref = $7
	`
	res, err := s.db.ExecContext(ctx, query, orderID, models.StatusPaid,
		conf.RemotePaymentID, conf.RemoteOrderID, conf.Signature,
		time.Now().UTC(), expectedRef, models.StatusIntentCreated)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status, ref string
	err = s.db.QueryRowContext(ctx,
		`SELECT status, remote_payment_ref FROM orders WHERE id = $1`, orderID).
		Scan(&status, &ref)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	switch status {
	case models.StatusPaid, models.StatusShipped, models.StatusDelivered:
		return ErrAlreadyPaid
	}
	if ref == "" || ref != expectedRef {
		s.logger.WithFields(logrus.Fields{
			"order_id":     orderID,
			"status":       status,
			"on_file_ref":  ref,
			"expected_ref": expectedRef,
		}).Debug("Conditional paid update matched no rows")
		return ErrRefMismatch
	}
	return fmt.Errorf("%w: cannot mark %s order paid", ErrInvalidTransition, status)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, orderID string, from []string, to string) error {
	query := `
		UPDATE orders SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`
	res, err := s.db.ExecContext(ctx, query, orderID, to, time.Now().UTC(), pq.Array(from))
	if err != nil {
		return err
	}
	return s.explainNoRows(ctx, res, orderID, func(status string) error {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, status, to)
	})
}

func (s *PostgresStore) RecordPaymentFailure(ctx context.Context, orderID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET failure_reason = $2, updated_at = $3 WHERE id = $1`,
		orderID, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetTracking(ctx context.Context, orderID, trackingNumber, trackingLink string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET tracking_number = $2, tracking_link = $3, updated_at = $4 WHERE id = $1`,
		orderID, trackingNumber, trackingLink, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// explainNoRows turns a zero-row conditional update into ErrNotFound or a
// transition error built from the order's current status.
func (s *PostgresStore) explainNoRows(ctx context.Context, res sql.Result, orderID string, transitionErr func(status string) error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return transitionErr(status)
}

func (s *PostgresStore) loadItems(ctx context.Context, order *models.Order) error {
	query := `
		SELECT product_id, title, unit_price, quantity, COALESCE(size, '')
		FROM order_items WHERE order_id = $1 ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.LineItem
		if err := rows.Scan(&item.ProductID, &item.Title, &item.UnitPrice, &item.Quantity, &item.Size); err != nil {
			return err
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var customerJSON string
	var paymentID, remoteOrderID, confSig string

	err := row.Scan(
		&order.ID, &order.OwnerID, &order.TotalAmount, &customerJSON, &order.Status,
		&order.RemotePaymentRef, &paymentID, &remoteOrderID, &confSig,
		&order.FailureReason, &order.TrackingNumber, &order.TrackingLink,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(customerJSON), &order.Customer); err != nil {
		return nil, err
	}
	if paymentID != "" || remoteOrderID != "" {
		order.Confirmation = &models.PaymentConfirmation{
			RemotePaymentID: paymentID,
			RemoteOrderID:   remoteOrderID,
			Signature:       confSig,
		}
	}

	return order, nil
}
