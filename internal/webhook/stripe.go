package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"commerce-service/internal/apperror"
	"commerce-service/internal/util"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

const (
	ProviderStripe        = "stripe"
	StripeSignatureHeader = "Stripe-Signature"
)

// StripeVerifier checks Stripe-Signature against the endpoint secret.
type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

func (v *StripeVerifier) Provider() string        { return ProviderStripe }
func (v *StripeVerifier) SignatureHeader() string { return StripeSignatureHeader }

func (v *StripeVerifier) Verify(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	if v.secret == "" {
		return nil, apperror.InvalidWebhook("Webhook secret is not configured", nil)
	}
	if signature == "" {
		return nil, apperror.InvalidWebhook("Missing "+StripeSignatureHeader+" header", nil)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperror.InvalidWebhook("Invalid webhook signature", err)
	}
	if event.Data == nil {
		return nil, apperror.InvalidWebhook("Webhook event has no data", nil)
	}

	logger := util.Logger(ctx).With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	var outcome *Outcome
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, apperror.InvalidWebhook("Malformed checkout session", err)
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			logger.Info("Checkout session completed without payment, waiting",
				zap.String("payment_status", string(sess.PaymentStatus)))
			return nil, nil
		}
		ref := sess.ID
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			ref = sess.PaymentIntent.ID
		}
		outcome = &Outcome{Success: true, ProviderReference: ref}
		outcome.PaymentID, err = paymentIDFrom(sess.Metadata, sess.ClientReferenceID)

	case stripe.EventTypeCheckoutSessionExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, apperror.InvalidWebhook("Malformed checkout session", err)
		}
		outcome = &Outcome{FailureReason: "Checkout session expired"}
		outcome.PaymentID, err = paymentIDFrom(sess.Metadata, sess.ClientReferenceID)

	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperror.InvalidWebhook("Malformed payment intent", err)
		}
		outcome = &Outcome{Success: true, ProviderReference: pi.ID}
		outcome.PaymentID, err = paymentIDFrom(pi.Metadata, "")

	case stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperror.InvalidWebhook("Malformed payment intent", err)
		}
		reason := "Payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		outcome = &Outcome{FailureReason: reason, ProviderReference: pi.ID}
		outcome.PaymentID, err = paymentIDFrom(pi.Metadata, "")

	default:
		logger.Debug("Ignoring Stripe event type")
		return nil, nil
	}

	if err != nil {
		logger.Warn("Stripe event carries no usable payment id, dropping", zap.Error(err))
		return nil, nil
	}

	outcome.EventID = event.ID
	outcome.EventType = string(event.Type)
	return outcome, nil
}

func paymentIDFrom(metadata map[string]string, clientReference string) (int64, error) {
	raw := metadata["paymentId"]
	if raw == "" {
		raw = clientReference
	}
	if raw == "" {
		return 0, fmt.Errorf("no paymentId metadata")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse paymentId %q: %w", raw, err)
	}
	return id, nil
}
