package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"commerce-service/internal/apperror"
	"commerce-service/internal/auth"
	"commerce-service/internal/gateway"
	"commerce-service/internal/idempotency"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const gatewayUnavailableReason = "Payment gateway unavailable"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// PaymentService owns the payment lifecycle
type PaymentService struct {
	repo       PaymentRepository
	ledger     Admitter
	gateway    gateway.Gateway
	publisher  Publisher
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

func NewPaymentService(repo PaymentRepository, ledger Admitter, gw gateway.Gateway, publisher Publisher, maxRetries int) *PaymentService {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PaymentService{
		repo:       repo,
		ledger:     ledger,
		gateway:    gw,
		publisher:  publisher,
		maxRetries: uint64(maxRetries),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// CreatePaymentRequest represents a request to pay for an order
type CreatePaymentRequest struct {
	OrderID  int64           `json:"order_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" binding:"required"`
	Method   string          `json:"method" binding:"required"`
}

// CreatePayment persists a PENDING payment, charges it through the gateway
// and applies the gateway's answer.
func (s *PaymentService) CreatePayment(ctx context.Context, caller auth.Identity, req *CreatePaymentRequest, idempotencyKey string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePayment",
		attribute.Int64("order_id", req.OrderID), attribute.Int64("user_id", caller.UserID))
	defer span.End()
	logger := util.Logger(ctx).With(zap.Int64("order_id", req.OrderID))

	if err := validateCreatePayment(req); err != nil {
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
		return nil, apperror.IdempotencyConflict()
	case idempotency.Replay:
		logger.Info("Duplicate payment request detected",
			zap.String("idempotency_key", idempotencyKey),
			zap.Int64("payment_id", adm.ResourceID))
		payment, err := s.repo.GetPaymentByID(ctx, adm.ResourceID)
		return payment, notFoundOr(err, "Payment not found")
	}

	payment := &models.Payment{
		OrderID:       req.OrderID,
		UserID:        caller.UserID,
		CustomerEmail: caller.Email,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Method:        req.Method,
		Status:        models.PaymentStatusPending,
	}
	if err := s.repo.CreatePayment(ctx, payment, models.StatusChange{
		Status:      models.PaymentStatusPending,
		Description: "Payment initiated",
	}, idempotencyKey); err != nil {
		if errors.Is(err, store.ErrKeyAlreadyCompleted) || errors.Is(err, store.ErrDuplicate) {
			// the active payment may be this key's, created by a concurrent execution
			if id, ok, rerr := adm.Superseded(ctx); rerr == nil && ok {
				logger.Warn("Idempotency key completed by a concurrent execution",
					zap.String("idempotency_key", idempotencyKey),
					zap.Int64("payment_id", id))
				payment, err := s.repo.GetPaymentByID(ctx, id)
				if err != nil {
					return nil, notFoundOr(err, "Payment not found")
				}
				return payment, nil
			}
		}
		adm.Abandon(ctx)
		switch {
		case errors.Is(err, store.ErrKeyAlreadyCompleted):
			return nil, apperror.IdempotencyInFlight()
		case errors.Is(err, store.ErrDuplicate):
			return nil, apperror.Conflict(fmt.Sprintf("Order %d already has an active payment", req.OrderID))
		}
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	if err := adm.Complete(ctx, payment.ID); err != nil {
		logger.Warn("Failed to complete idempotency key", zap.Int64("payment_id", payment.ID), zap.Error(err))
	}

	return s.ApplyGatewayResult(ctx, payment.ID, s.charge(ctx, payment))
}

func validateCreatePayment(req *CreatePaymentRequest) error {
	if !req.Amount.IsPositive() {
		return apperror.Validation("Amount must be greater than zero").
			WithDetails(apperror.FieldError{Field: "amount", Message: "must be greater than zero"})
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currencyPattern.MatchString(req.Currency) {
		return apperror.Validation("Currency must be a 3-letter code").
			WithDetails(apperror.FieldError{Field: "currency", Message: "must be a 3-letter ISO code"})
	}
	req.Method = strings.ToUpper(req.Method)
	if !models.ValidPaymentMethod(req.Method) {
		return apperror.Validation("Unsupported payment method").
			WithDetails(apperror.FieldError{Field: "method", Message: "must be one of CARD, UPI, NET_BANKING, WALLET"})
	}
	return nil
}

// ProcessOrderCreatedEvent opens a payment for a newly created order. An
// order that already has a payment is left alone.
func (s *PaymentService) ProcessOrderCreatedEvent(ctx context.Context, event *models.OrderCreatedPayload) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessOrderCreatedEvent",
		attribute.Int64("order_id", event.OrderID))
	defer span.End()
	logger := util.Logger(ctx).With(zap.Int64("order_id", event.OrderID))

	exists, err := s.repo.PaymentExistsForOrder(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to check existing payment: %w", err)
	}
	if exists {
		logger.Info("Payment already exists for order, skipping")
		return nil
	}

	method := event.PaymentMethod
	if !models.ValidPaymentMethod(method) {
		method = models.PaymentMethodCard
	}
	payment := &models.Payment{
		OrderID:       event.OrderID,
		UserID:        event.UserID,
		CustomerEmail: event.Email,
		Amount:        event.TotalAmount,
		Currency:      event.Currency,
		Method:        method,
		Status:        models.PaymentStatusPending,
	}
	err = s.repo.CreatePayment(ctx, payment, models.StatusChange{
		Status:      models.PaymentStatusPending,
		Description: "Payment initiated for order",
	}, "")
	if errors.Is(err, store.ErrDuplicate) {
		logger.Info("Concurrent payment created for order, skipping")
		return nil
	}
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to create payment: %w", err)
	}

	_, err = s.ApplyGatewayResult(ctx, payment.ID, s.charge(ctx, payment))
	return err
}

// charge calls the gateway, retrying infrastructure errors with backoff. A
// gateway that stays unreachable yields a FAILED result.
func (s *PaymentService) charge(ctx context.Context, payment *models.Payment) gateway.Result {
	logger := util.Logger(ctx).With(zap.Int64("payment_id", payment.ID), zap.String("provider", s.gateway.Name()))
	util.PaymentAttemptsTotal.Inc()

	var result gateway.Result
	operation := func() error {
		start := time.Now()
		res, err := s.gateway.Process(ctx, payment)
		label := "ok"
		if err != nil {
			label = "error"
		}
		util.GatewayLatency.WithLabelValues(s.gateway.Name(), label).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		logger.Warn("Payment gateway call failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		logger.Error("Payment gateway unavailable", zap.Error(err))
		return gateway.Failed(gatewayUnavailableReason)
	}
	return result
}

// ApplyGatewayResult moves a PENDING payment according to result. Terminal
// payments are never touched.
func (s *PaymentService) ApplyGatewayResult(ctx context.Context, paymentID int64, result gateway.Result) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ApplyGatewayResult",
		attribute.Int64("payment_id", paymentID), attribute.String("result", result.Status))
	defer span.End()
	logger := util.Logger(ctx).With(zap.Int64("payment_id", paymentID))

	transitioned := false
	payment, _, err := s.repo.UpdatePaymentLocked(ctx, paymentID, func(p *models.Payment) (*models.StatusChange, error) {
		if p.IsTerminal() {
			util.PaymentTerminalNoopTotal.Inc()
			logger.Info("Payment already terminal, ignoring result",
				zap.String("status", p.Status), zap.String("result", result.Status))
			return nil, nil
		}

		switch result.Status {
		case models.PaymentStatusCompleted:
			if p.ProviderReference == nil && result.ProviderReference != "" {
				ref := result.ProviderReference
				p.ProviderReference = &ref
			}
			if p.ReceiptNumber == nil {
				receipt := models.NewReceiptNumber(p.ID)
				p.ReceiptNumber = &receipt
			}
			p.Status = models.PaymentStatusCompleted
			transitioned = true
			return &models.StatusChange{Status: p.Status, Description: "Payment completed"}, nil

		case models.PaymentStatusFailed:
			reason := result.FailureReason
			if reason == "" {
				reason = "Payment failed"
			}
			p.FailureReason = &reason
			p.Status = models.PaymentStatusFailed
			transitioned = true
			return &models.StatusChange{Status: p.Status, Description: reason}, nil

		case models.PaymentStatusPending:
			if p.ProviderReference != nil || result.ProviderReference == "" {
				return nil, nil
			}
			ref := result.ProviderReference
			p.ProviderReference = &ref
			return &models.StatusChange{Status: p.Status, Description: "Awaiting provider confirmation"}, nil
		}
		return nil, fmt.Errorf("unknown gateway result status %q", result.Status)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, notFoundOr(err, fmt.Sprintf("Payment not found: %d", paymentID))
	}
	if !transitioned {
		return payment, nil
	}

	logger.Info("Payment status changed", zap.String("status", payment.Status))
	if payment.Status == models.PaymentStatusCompleted {
		util.PaymentSuccessTotal.Inc()
		s.publishCompleted(ctx, payment)
	} else {
		util.PaymentFailedTotal.Inc()
		s.publishFailed(ctx, payment)
	}
	return payment, nil
}

// MarkPaymentCompleted reconciles a provider confirmation.
func (s *PaymentService) MarkPaymentCompleted(ctx context.Context, paymentID int64, providerReference string) error {
	_, err := s.ApplyGatewayResult(ctx, paymentID, gateway.Completed(providerReference))
	return err
}

// MarkPaymentFailed reconciles a provider failure.
func (s *PaymentService) MarkPaymentFailed(ctx context.Context, paymentID int64, reason string) error {
	_, err := s.ApplyGatewayResult(ctx, paymentID, gateway.Failed(reason))
	return err
}

func (s *PaymentService) GetPayment(ctx context.Context, caller auth.Identity, paymentID int64) (*models.Payment, error) {
	payment, err := s.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("Payment not found: %d", paymentID))
	}
	if !caller.CanAccess(payment.UserID) {
		return nil, apperror.AccessDenied("You do not have access to this payment")
	}
	return payment, nil
}

// GetPaymentByOrder returns the latest payment for the order.
func (s *PaymentService) GetPaymentByOrder(ctx context.Context, caller auth.Identity, orderID int64) (*models.Payment, error) {
	payment, err := s.repo.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("No payment for order: %d", orderID))
	}
	if !caller.CanAccess(payment.UserID) {
		return nil, apperror.AccessDenied("You do not have access to this payment")
	}
	return payment, nil
}

func (s *PaymentService) GetReceipt(ctx context.Context, caller auth.Identity, paymentID int64) (*models.Receipt, error) {
	payment, err := s.GetPayment(ctx, caller, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.ReceiptNumber == nil {
		return nil, apperror.NotFound(fmt.Sprintf("No receipt for payment %d in status %s", paymentID, payment.Status))
	}
	return &models.Receipt{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		ReceiptNumber: *payment.ReceiptNumber,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Method:        payment.Method,
		Status:        payment.Status,
	}, nil
}

func (s *PaymentService) publishCompleted(ctx context.Context, p *models.Payment) {
	completed := models.PaymentCompletedPayload{
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		UserID:            p.UserID,
		Method:            p.Method,
		Currency:          p.Currency,
		Amount:            p.Amount,
		ReceiptNumber:     deref(p.ReceiptNumber),
		ProviderReference: deref(p.ProviderReference),
	}
	if err := s.publisher.Publish(ctx, models.EventTypePaymentCompleted, completed); err != nil {
		util.Logger(ctx).Error("Failed to publish payment.completed event", zap.Int64("payment_id", p.ID), zap.Error(err))
	}

	receipt := models.PaymentReceiptPayload{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		UserID:        p.UserID,
		Email:         p.CustomerEmail,
		ReceiptNumber: deref(p.ReceiptNumber),
		Amount:        p.Amount,
		Currency:      p.Currency,
	}
	if err := s.publisher.Publish(ctx, models.EventTypePaymentReceipt, receipt); err != nil {
		util.Logger(ctx).Error("Failed to publish payment.receipt event", zap.Int64("payment_id", p.ID), zap.Error(err))
	}
}

func (s *PaymentService) publishFailed(ctx context.Context, p *models.Payment) {
	failed := models.PaymentFailedPayload{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		UserID:        p.UserID,
		Method:        p.Method,
		Currency:      p.Currency,
		Amount:        p.Amount,
		FailureReason: deref(p.FailureReason),
	}
	if err := s.publisher.Publish(ctx, models.EventTypePaymentFailed, failed); err != nil {
		util.Logger(ctx).Error("Failed to publish payment.failed event", zap.Int64("payment_id", p.ID), zap.Error(err))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
