package store

import (
	"context"
	"fmt"

	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const paymentColumns = `id, order_id, user_id, customer_email, amount, currency, method, status,
	provider_reference, receipt_number, failure_reason, created_at, updated_at`

// CreatePayment inserts a payment and its first history row. A second active
// payment for the same order fails with ErrDuplicate.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment, change models.StatusChange, idempotencyKey string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO payments (order_id, user_id, customer_email, amount, currency, method, status, provider_reference)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at`,
			payment.OrderID, payment.UserID, payment.CustomerEmail, payment.Amount,
			payment.Currency, payment.Method, payment.Status, payment.ProviderReference,
		).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", mapError(err))
		}

		if err := insertPaymentHistory(ctx, tx, payment.ID, change); err != nil {
			return err
		}

		if idempotencyKey != "" {
			return completeKeyTx(ctx, tx, paymentIdempotencyTable, idempotencyKey, payment.ID)
		}
		return nil
	})
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if err != nil {
		return nil, mapError(err)
	}
	return &payment, nil
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1", orderID)
	if err != nil {
		return nil, mapError(err)
	}
	return &payment, nil
}

// PaymentExistsForOrder reports whether any payment was ever created for the order
func (s *Store) PaymentExistsForOrder(ctx context.Context, orderID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE order_id = $1)", orderID)
	return exists, err
}

// UpdatePaymentLocked runs fn against the payment while holding its row lock.
// When fn returns a change the mutable columns are written back, and a history
// row is appended if the status moved. The bool reports whether anything was written.
func (s *Store) UpdatePaymentLocked(ctx context.Context, id int64,
	fn func(payment *models.Payment) (*models.StatusChange, error)) (*models.Payment, bool, error) {

	var payment models.Payment
	var changed bool

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &payment,
			"SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id); err != nil {
			return mapError(err)
		}
		previous := payment.Status

		change, err := fn(&payment)
		if err != nil {
			return err
		}
		if change == nil {
			return nil
		}

		if err := tx.GetContext(ctx, &payment.UpdatedAt, `
			UPDATE payments
			SET status = $1, provider_reference = $2, receipt_number = $3, failure_reason = $4, updated_at = NOW()
			WHERE id = $5
			RETURNING updated_at`,
			payment.Status, payment.ProviderReference, payment.ReceiptNumber, payment.FailureReason, payment.ID,
		); err != nil {
			return fmt.Errorf("failed to update payment: %w", mapError(err))
		}

		if payment.Status != previous {
			if err := insertPaymentHistory(ctx, tx, payment.ID, *change); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &payment, changed, nil
}

func insertPaymentHistory(ctx context.Context, tx *sqlx.Tx, paymentID int64, change models.StatusChange) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO payment_status_history (payment_id, status, description) VALUES ($1, $2, $3)",
		paymentID, change.Status, change.Description)
	if err != nil {
		return fmt.Errorf("failed to insert payment history: %w", err)
	}
	return nil
}
