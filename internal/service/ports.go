package service

import (
	"context"
	"errors"

	"commerce-service/internal/apperror"
	"commerce-service/internal/catalog"
	"commerce-service/internal/idempotency"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
)

// OrderRepository is the order service's view of its store.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order, change models.StatusChange, idempotencyKey string) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	ListOrdersByUserID(ctx context.Context, userID int64, page models.Page) ([]models.Order, int, error)
	GetOrderHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)
	UpdateOrderLocked(ctx context.Context, id int64,
		fn func(order *models.Order) (*models.StatusChange, error)) (*models.Order, bool, error)
}

// PaymentRepository is the payment service's view of its store.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *models.Payment, change models.StatusChange, idempotencyKey string) error
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	PaymentExistsForOrder(ctx context.Context, orderID int64) (bool, error)
	UpdatePaymentLocked(ctx context.Context, id int64,
		fn func(payment *models.Payment) (*models.StatusChange, error)) (*models.Payment, bool, error)
}

// Admitter runs the idempotency protocol for one command.
type Admitter interface {
	Admit(ctx context.Context, key string, userID int64, requestHash string) (*idempotency.Admission, error)
}

// ProductCatalog resolves products at order time.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id int64) (*catalog.ProductSnapshot, error)
}

// Publisher emits domain events on the bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

var (
	_ OrderRepository   = (*store.Store)(nil)
	_ PaymentRepository = (*store.Store)(nil)
	_ Admitter          = (*idempotency.Ledger)(nil)
	_ ProductCatalog    = (*catalog.Client)(nil)
)

func notFoundOr(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperror.NotFound(message)
	}
	return err
}
