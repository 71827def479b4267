package store

import (
	"context"
	"fmt"

	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, user_id, customer_email, status, payment_method, currency, total_amount,
	delivery_address, COALESCE(tracking_number, '') AS tracking_number, created_at, updated_at`

// CreateOrder inserts the order, its items, its tracking number and its first
// history row in one transaction. When idempotencyKey is set the ledger row is
// back-filled in the same transaction.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, change models.StatusChange, idempotencyKey string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO orders (user_id, customer_email, status, payment_method, currency, total_amount, delivery_address)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at`,
			order.UserID, order.CustomerEmail, order.Status, order.PaymentMethod,
			order.Currency, order.TotalAmount, order.DeliveryAddress,
		).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", mapError(err))
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			err := tx.QueryRowxContext(ctx, `
				INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price, line_total)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`,
				item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.LineTotal,
			).Scan(&item.ID)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", mapError(err))
			}
		}

		tracking := models.NewTrackingNumber(order.ID)
		if _, err := tx.ExecContext(ctx,
			"UPDATE orders SET tracking_number = $1 WHERE id = $2 AND tracking_number IS NULL",
			tracking, order.ID); err != nil {
			return fmt.Errorf("failed to assign tracking number: %w", mapError(err))
		}
		order.TrackingNumber = tracking

		if err := insertOrderHistory(ctx, tx, order.ID, change); err != nil {
			return err
		}

		if idempotencyKey != "" {
			if err := completeKeyTx(ctx, tx, orderIdempotencyTable, idempotencyKey, order.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, mapError(err)
	}

	if err := s.db.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", id); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}

// ListOrdersByUserID returns one page of a user's orders, without items, and
// the total number of orders the user has.
func (s *Store) ListOrdersByUserID(ctx context.Context, userID int64, page models.Page) ([]models.Order, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders WHERE user_id = $1", userID); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	sortField := "created_at"
	if page.SortField == "status" {
		sortField = "status"
	}
	direction := "ASC"
	if page.SortDesc {
		direction = "DESC"
	}

	query := fmt.Sprintf("SELECT %s FROM orders WHERE user_id = $1 ORDER BY %s %s, id %s LIMIT $2 OFFSET $3",
		orderColumns, sortField, direction, direction)

	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query, userID, page.Size, page.Number*page.Size); err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

// GetOrderHistory returns the status history of an order, oldest first
func (s *Store) GetOrderHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	history := []models.OrderStatusHistory{}
	err := s.db.SelectContext(ctx, &history,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id", orderID)
	return history, err
}

// UpdateOrderLocked runs fn against the order while holding its row lock. If fn
// returns a change the new status is written and a history row appended; the
// returned bool reports whether that happened.
func (s *Store) UpdateOrderLocked(ctx context.Context, id int64,
	fn func(order *models.Order) (*models.StatusChange, error)) (*models.Order, bool, error) {

	var order models.Order
	var changed bool

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &order,
			"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id); err != nil {
			return mapError(err)
		}

		change, err := fn(&order)
		if err != nil {
			return err
		}
		if change == nil {
			return nil
		}

		order.Status = change.Status
		if err := tx.GetContext(ctx, &order.UpdatedAt,
			"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at",
			order.Status, order.ID); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if err := insertOrderHistory(ctx, tx, order.ID, *change); err != nil {
			return err
		}
		changed = true

		return tx.SelectContext(ctx, &order.Items,
			"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
	})
	if err != nil {
		return nil, false, err
	}
	return &order, changed, nil
}

func insertOrderHistory(ctx context.Context, tx *sqlx.Tx, orderID int64, change models.StatusChange) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO order_status_history (order_id, status, description) VALUES ($1, $2, $3)",
		orderID, change.Status, change.Description)
	if err != nil {
		return fmt.Errorf("failed to insert order history: %w", err)
	}
	return nil
}
