package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"commerce-service/internal/apperror"
	"commerce-service/internal/auth"
	"commerce-service/internal/catalog"
	"commerce-service/internal/idempotency"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultCurrency = "USD"
	maxPageSize     = 100
)

// OrderService owns the order lifecycle
type OrderService struct {
	repo      OrderRepository
	ledger    Admitter
	catalog   ProductCatalog
	publisher Publisher
}

func NewOrderService(repo OrderRepository, ledger Admitter, catalog ProductCatalog, publisher Publisher) *OrderService {
	return &OrderService{
		repo:      repo,
		ledger:    ledger,
		catalog:   catalog,
		publisher: publisher,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items           []OrderItemRequest     `json:"items" binding:"required,min=1,dive"`
	DeliveryAddress models.DeliveryAddress `json:"delivery_address"`
	PaymentMethod   string                 `json:"payment_method" binding:"required"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// UpdateStatusRequest is an admin-driven transition
type UpdateStatusRequest struct {
	Status      string `json:"status" binding:"required"`
	Description string `json:"description"`
}

// PaymentOutcome is a payment result as seen by the order service.
type PaymentOutcome struct {
	Success       bool
	UserID        int64
	ReceiptNumber string
	Reason        string
}

// OrderPage is one page of a caller's orders.
type OrderPage struct {
	Orders     []models.Order `json:"orders"`
	Page       int            `json:"page"`
	Size       int            `json:"size"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

// Tracking is the delivery view of an order.
type Tracking struct {
	OrderID        int64                       `json:"order_id"`
	TrackingNumber string                      `json:"tracking_number"`
	Status         string                      `json:"status"`
	History        []models.OrderStatusHistory `json:"history"`
}

// CreateOrder prices the items against the catalog and persists a
// PENDING_PAYMENT order. A replayed idempotency key returns the earlier order.
func (s *OrderService) CreateOrder(ctx context.Context, caller auth.Identity, req *CreateOrderRequest, idempotencyKey string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder",
		attribute.Int64("user_id", caller.UserID))
	defer span.End()
	logger := util.Logger(ctx)

	if err := validateCreateOrder(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	hash, err := idempotency.HashRequest(caller.UserID, req)
	if err != nil {
		return nil, err
	}
	adm, err := s.ledger.Admit(ctx, idempotencyKey, caller.UserID, hash)
	if err != nil {
		return nil, err
	}

	switch adm.Outcome {
	case idempotency.Conflict:
		util.OrdersFailedTotal.WithLabelValues("idempotency_conflict").Inc()
		return nil, apperror.IdempotencyConflict()
	case idempotency.Replay:
		logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", idempotencyKey),
			zap.Int64("order_id", adm.ResourceID))
		order, err := s.repo.GetOrderByID(ctx, adm.ResourceID)
		if err != nil {
			return nil, notFoundOr(err, "Order not found")
		}
		s.republishPending(ctx, order)
		return order, nil
	}

	order, err := s.priceOrder(ctx, caller, req)
	if err != nil {
		adm.Abandon(ctx)
		return nil, err
	}

	if err := s.repo.CreateOrder(ctx, order, models.StatusChange{
		Status:      models.OrderStatusPendingPayment,
		Description: "Order created",
	}, idempotencyKey); err != nil {
		if errors.Is(err, store.ErrKeyAlreadyCompleted) {
			return s.replaySuperseded(ctx, adm, idempotencyKey)
		}
		adm.Abandon(ctx)
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	if err := adm.Complete(ctx, order.ID); err != nil {
		logger.Warn("Failed to complete idempotency key", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	util.OrdersCreatedTotal.Inc()
	logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("total_amount", order.TotalAmount.String()),
		zap.String("currency", order.Currency))

	s.publishCreated(ctx, order)
	return order, nil
}

func (s *OrderService) publishCreated(ctx context.Context, order *models.Order) {
	if err := s.publisher.Publish(ctx, models.EventTypeOrderCreated, orderCreatedPayload(order)); err != nil {
		util.Logger(ctx).Error("Failed to publish order.created event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// republishPending emits order.created again for a replayed order that is
// still waiting for payment, so a publish lost after the commit is recovered
// by the client's retry. The payment side skips orders it already charges.
func (s *OrderService) republishPending(ctx context.Context, order *models.Order) {
	if order.Status != models.OrderStatusPendingPayment {
		return
	}
	util.Logger(ctx).Info("Republishing order.created for pending order", zap.Int64("order_id", order.ID))
	s.publishCreated(ctx, order)
}

// replaySuperseded returns the order of the execution that completed the key
// while this one still ran. Nothing of this execution was committed.
func (s *OrderService) replaySuperseded(ctx context.Context, adm *idempotency.Admission, idempotencyKey string) (*models.Order, error) {
	id, ok, err := adm.Superseded(ctx)
	if err != nil || !ok {
		adm.Abandon(ctx)
		if err != nil {
			return nil, err
		}
		return nil, apperror.IdempotencyInFlight()
	}
	util.Logger(ctx).Warn("Idempotency key completed by a concurrent execution",
		zap.String("idempotency_key", idempotencyKey),
		zap.Int64("order_id", id))
	order, err := s.repo.GetOrderByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "Order not found")
	}
	return order, nil
}

func validateCreateOrder(req *CreateOrderRequest) error {
	if req == nil || len(req.Items) == 0 {
		return apperror.Validation("Order must contain at least one item").
			WithDetails(apperror.FieldError{Field: "items", Message: "must not be empty"})
	}
	for i, item := range req.Items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return apperror.Validation("Invalid order item").WithDetails(apperror.FieldError{
				Field:   fmt.Sprintf("items[%d]", i),
				Message: "product_id and quantity must be positive",
			})
		}
	}
	req.PaymentMethod = strings.ToUpper(req.PaymentMethod)
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		return apperror.Validation("Unsupported payment method").
			WithDetails(apperror.FieldError{Field: "payment_method", Message: "must be one of CARD, UPI, NET_BANKING, WALLET"})
	}
	return nil
}

// priceOrder snapshots every product and computes line totals.
func (s *OrderService) priceOrder(ctx context.Context, caller auth.Identity, req *CreateOrderRequest) (*models.Order, error) {
	items := make([]models.OrderItem, 0, len(req.Items))
	currency := ""

	for _, line := range req.Items {
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if errors.Is(err, catalog.ErrProductNotFound) {
			util.OrdersFailedTotal.WithLabelValues("product_not_found").Inc()
			return nil, apperror.ProductUnavailable(fmt.Sprintf("Product not found: %d", line.ProductID))
		}
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues("catalog_unavailable").Inc()
			return nil, apperror.UpstreamUnavailable("Product catalog unavailable", err)
		}

		if ok, reason := product.Available(line.Quantity); !ok {
			util.OrdersFailedTotal.WithLabelValues("product_unavailable").Inc()
			return nil, apperror.ProductUnavailable(fmt.Sprintf("%s: %d", reason, line.ProductID))
		}

		// a product without a currency takes the order's
		productCurrency := strings.ToUpper(product.Currency)
		if currency == "" {
			currency = productCurrency
		} else if productCurrency != "" && currency != productCurrency {
			util.OrdersFailedTotal.WithLabelValues("mixed_currency").Inc()
			return nil, apperror.Validation("Mixed currency orders are not supported")
		}

		items = append(items, models.OrderItem{
			ProductID:   line.ProductID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   product.Price,
			LineTotal:   product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))),
		})
	}

	if currency == "" {
		currency = defaultCurrency
	}

	return &models.Order{
		UserID:          caller.UserID,
		CustomerEmail:   caller.Email,
		Status:          models.OrderStatusPendingPayment,
		PaymentMethod:   req.PaymentMethod,
		Currency:        currency,
		TotalAmount:     models.SumLineTotals(items),
		DeliveryAddress: req.DeliveryAddress,
		Items:           items,
	}, nil
}

// GetOrder returns an order the caller owns, or any order for an admin.
func (s *OrderService) GetOrder(ctx context.Context, caller auth.Identity, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("Order not found: %d", orderID))
	}
	if !caller.CanAccess(order.UserID) {
		return nil, apperror.AccessDenied("You do not have access to this order")
	}
	return order, nil
}

// ListOrders pages through the caller's own orders.
func (s *OrderService) ListOrders(ctx context.Context, caller auth.Identity, page models.Page) (*OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if page.Number < 0 {
		page.Number = 0
	}
	if page.Size <= 0 {
		page.Size = 20
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}
	if page.SortField == "" {
		page.SortField, page.SortDesc = "created_at", true
	}

	orders, total, err := s.repo.ListOrdersByUserID(ctx, caller.UserID, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	return &OrderPage{
		Orders:     orders,
		Page:       page.Number,
		Size:       page.Size,
		Total:      total,
		TotalPages: (total + page.Size - 1) / page.Size,
	}, nil
}

// GetTracking returns the order's status history, oldest first.
func (s *OrderService) GetTracking(ctx context.Context, caller auth.Identity, orderID int64) (*Tracking, error) {
	order, err := s.GetOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.GetOrderHistory(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order history: %w", err)
	}
	return &Tracking{
		OrderID:        order.ID,
		TrackingNumber: order.TrackingNumber,
		Status:         order.Status,
		History:        history,
	}, nil
}

// UpdateStatus is the admin override. It records history and publishes a
// status event whatever the current state.
func (s *OrderService) UpdateStatus(ctx context.Context, caller auth.Identity, orderID int64, req *UpdateStatusRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus", attribute.Int64("order_id", orderID))
	defer span.End()

	if !caller.IsAdmin() {
		return nil, apperror.AccessDenied("Only administrators can update order status")
	}
	status := strings.ToUpper(req.Status)
	if !models.ValidOrderStatus(status) {
		return nil, apperror.Validation("Unknown order status: " + req.Status).
			WithDetails(apperror.FieldError{Field: "status", Message: "unknown status"})
	}
	description := req.Description
	if description == "" {
		description = "Status updated to " + status
	}

	order, _, err := s.repo.UpdateOrderLocked(ctx, orderID, func(o *models.Order) (*models.StatusChange, error) {
		return &models.StatusChange{Status: status, Description: description}, nil
	})
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("Order not found: %d", orderID))
	}

	util.OrderTransitionsTotal.WithLabelValues(status).Inc()
	util.Logger(ctx).Info("Order status updated by admin",
		zap.Int64("order_id", orderID),
		zap.Int64("admin_id", caller.UserID),
		zap.String("status", status))

	s.publishStatus(ctx, order, description)
	return order, nil
}

// ApplyPaymentOutcome moves a PENDING_PAYMENT order to CONFIRMED or
// PAYMENT_FAILED. Outcomes for orders in any other state are ignored, so
// redelivered and late events are harmless.
func (s *OrderService) ApplyPaymentOutcome(ctx context.Context, orderID int64, outcome PaymentOutcome) error {
	ctx, span := util.StartSpan(ctx, "OrderService.ApplyPaymentOutcome",
		attribute.Int64("order_id", orderID), attribute.Bool("success", outcome.Success))
	defer span.End()
	logger := util.Logger(ctx).With(zap.Int64("order_id", orderID))

	var description string
	order, changed, err := s.repo.UpdateOrderLocked(ctx, orderID, func(o *models.Order) (*models.StatusChange, error) {
		if outcome.UserID != 0 && o.UserID != outcome.UserID {
			util.OrderOutcomesIgnoredTotal.WithLabelValues("user_mismatch").Inc()
			logger.Warn("Payment outcome user does not own order, ignoring",
				zap.Int64("order_user_id", o.UserID), zap.Int64("payment_user_id", outcome.UserID))
			return nil, nil
		}
		if o.Status != models.OrderStatusPendingPayment {
			util.OrderOutcomesIgnoredTotal.WithLabelValues("not_pending").Inc()
			logger.Info("Order no longer awaits payment, ignoring outcome", zap.String("status", o.Status))
			return nil, nil
		}

		if outcome.Success {
			description = "Order confirmed"
			return &models.StatusChange{
				Status:      models.OrderStatusConfirmed,
				Description: "Payment confirmed: " + outcome.ReceiptNumber,
			}, nil
		}
		description = "Payment failed"
		reason := outcome.Reason
		if reason == "" {
			reason = description
		}
		return &models.StatusChange{Status: models.OrderStatusPaymentFailed, Description: reason}, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		util.OrderOutcomesIgnoredTotal.WithLabelValues("unknown_order").Inc()
		logger.Warn("Payment outcome for unknown order, dropping")
		return nil
	}
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to apply payment outcome: %w", err)
	}
	if !changed {
		return nil
	}

	util.OrderTransitionsTotal.WithLabelValues(order.Status).Inc()
	logger.Info("Order status changed by payment outcome", zap.String("status", order.Status))
	s.publishStatus(ctx, order, description)
	return nil
}

func (s *OrderService) publishStatus(ctx context.Context, order *models.Order, description string) {
	payload := models.OrderStatusUpdatedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Email:       order.CustomerEmail,
		Status:      order.Status,
		Description: description,
	}
	if err := s.publisher.Publish(ctx, models.EventTypeOrderStatusUpdated, payload); err != nil {
		util.Logger(ctx).Error("Failed to publish order.status.updated event",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func orderCreatedPayload(order *models.Order) models.OrderCreatedPayload {
	items := make([]models.OrderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemPayload{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			LineTotal:   item.LineTotal,
		})
	}
	return models.OrderCreatedPayload{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Email:         order.CustomerEmail,
		Currency:      order.Currency,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		Items:         items,
	}
}
