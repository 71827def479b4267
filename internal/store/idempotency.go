package store

import (
	"context"
	"fmt"

	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const (
	orderIdempotencyTable   = "order_idempotency_keys"
	paymentIdempotencyTable = "payment_idempotency_keys"
)

// IdempotencyKeys is the ledger table of one service.
type IdempotencyKeys struct {
	db    *sqlx.DB
	table string
}

// OrderIdempotencyKeys returns the order service ledger.
func (s *Store) OrderIdempotencyKeys() *IdempotencyKeys {
	return &IdempotencyKeys{db: s.db, table: orderIdempotencyTable}
}

// PaymentIdempotencyKeys returns the payment service ledger.
func (s *Store) PaymentIdempotencyKeys() *IdempotencyKeys {
	return &IdempotencyKeys{db: s.db, table: paymentIdempotencyTable}
}

// Insert adds a speculative record. It returns false, without error, when the
// key already exists; the primary key makes exactly one concurrent insert win.
func (k *IdempotencyKeys) Insert(ctx context.Context, rec *models.IdempotencyKey) (bool, error) {
	res, err := k.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (idempotency_key, user_id, request_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO NOTHING`, k.table),
		rec.Key, rec.UserID, rec.RequestHash)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the record for key, or ErrNotFound.
func (k *IdempotencyKeys) Get(ctx context.Context, key string) (*models.IdempotencyKey, error) {
	var rec models.IdempotencyKey
	err := k.db.GetContext(ctx, &rec, fmt.Sprintf(
		"SELECT idempotency_key, user_id, request_hash, resource_id, created_at FROM %s WHERE idempotency_key = $1",
		k.table), key)
	if err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

// Complete back-fills the resource id. A record that is already complete is left alone.
func (k *IdempotencyKeys) Complete(ctx context.Context, key string, resourceID int64) error {
	_, err := k.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET resource_id = $1 WHERE idempotency_key = $2 AND resource_id IS NULL", k.table),
		resourceID, key)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Delete removes a speculative record so the key can be retried. Completed
// records are never removed.
func (k *IdempotencyKeys) Delete(ctx context.Context, key string) error {
	_, err := k.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE idempotency_key = $1 AND resource_id IS NULL", k.table), key)
	if err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

// completeKeyTx fences the resource insert of tx: it succeeds only while the
// record is still pending. Another execution that completed the key first, or
// an abandoned record, yields ErrKeyAlreadyCompleted.
func completeKeyTx(ctx context.Context, tx *sqlx.Tx, table, key string, resourceID int64) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET resource_id = $1 WHERE idempotency_key = $2 AND resource_id IS NULL", table),
		resourceID, key)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	if n != 1 {
		return ErrKeyAlreadyCompleted
	}
	return nil
}
