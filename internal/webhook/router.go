// Package webhook verifies asynchronous provider callbacks and turns them into
// payment outcomes.
package webhook

import (
	"context"

	"commerce-service/internal/apperror"
	"commerce-service/internal/util"

	"go.uber.org/zap"
)

// Outcome is a verified, provider-neutral payment result.
type Outcome struct {
	EventID           string
	EventType         string
	PaymentID         int64
	Success           bool
	ProviderReference string
	FailureReason     string
}

// Verifier authenticates a raw callback and extracts the outcome it carries.
// A nil outcome with a nil error means the event is valid but irrelevant.
type Verifier interface {
	Provider() string
	SignatureHeader() string
	Verify(ctx context.Context, payload []byte, signature string) (*Outcome, error)
}

// PaymentReconciler applies an outcome to a stored payment.
type PaymentReconciler interface {
	MarkPaymentCompleted(ctx context.Context, paymentID int64, providerReference string) error
	MarkPaymentFailed(ctx context.Context, paymentID int64, reason string) error
}

type Router struct {
	verifiers map[string]Verifier
	payments  PaymentReconciler
}

func NewRouter(payments PaymentReconciler, verifiers ...Verifier) *Router {
	r := &Router{verifiers: make(map[string]Verifier), payments: payments}
	for _, v := range verifiers {
		r.verifiers[v.Provider()] = v
	}
	return r
}

// SignatureHeader names the header carrying the provider's signature.
func (r *Router) SignatureHeader(provider string) (string, bool) {
	v, ok := r.verifiers[provider]
	if !ok {
		return "", false
	}
	return v.SignatureHeader(), true
}

// HandleProviderEvent verifies and applies one callback. Unknown payments and
// irrelevant event types are acknowledged without effect.
func (r *Router) HandleProviderEvent(ctx context.Context, provider string, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "webhook.HandleProviderEvent")
	defer span.End()
	logger := util.Logger(ctx).With(zap.String("provider", provider))

	v, ok := r.verifiers[provider]
	if !ok {
		util.WebhookEventsTotal.WithLabelValues(provider, "unknown_provider").Inc()
		return apperror.NotFound("Unknown webhook provider: " + provider)
	}

	outcome, err := v.Verify(ctx, payload, signature)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(provider, "rejected").Inc()
		logger.Warn("Webhook rejected", zap.Error(err))
		return err
	}
	if outcome == nil {
		util.WebhookEventsTotal.WithLabelValues(provider, "ignored").Inc()
		return nil
	}

	logger = logger.With(
		zap.String("event_id", outcome.EventID),
		zap.String("event_type", outcome.EventType),
		zap.Int64("payment_id", outcome.PaymentID))

	if outcome.Success {
		err = r.payments.MarkPaymentCompleted(ctx, outcome.PaymentID, outcome.ProviderReference)
	} else {
		err = r.payments.MarkPaymentFailed(ctx, outcome.PaymentID, outcome.FailureReason)
	}

	if apperror.HasCode(err, apperror.CodeNotFound) {
		util.WebhookEventsTotal.WithLabelValues(provider, "unknown_payment").Inc()
		logger.Warn("Webhook references unknown payment, dropping")
		return nil
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(provider, "error").Inc()
		util.RecordError(span, err)
		logger.Error("Failed to apply webhook outcome", zap.Error(err))
		return err
	}

	util.WebhookEventsTotal.WithLabelValues(provider, "applied").Inc()
	logger.Info("Webhook outcome applied", zap.Bool("success", outcome.Success))
	return nil
}
