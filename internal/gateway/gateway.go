package gateway

import (
	"context"
	"fmt"
	"strings"

	"commerce-service/config"
	"commerce-service/internal/models"
)

const (
	ProviderMock   = "mock"
	ProviderStripe = "stripe"
)

// Result is the gateway's immediate answer for one payment. Business declines
// are FAILED results, never errors.
type Result struct {
	Status            string
	ProviderReference string
	FailureReason     string
}

func Completed(ref string) Result {
	return Result{Status: models.PaymentStatusCompleted, ProviderReference: ref}
}

// Pending means the outcome arrives later through a webhook; ref is what the
// caller presents to the customer (a hosted checkout URL).
func Pending(ref string) Result {
	return Result{Status: models.PaymentStatusPending, ProviderReference: ref}
}

func Failed(reason string) Result {
	return Result{Status: models.PaymentStatusFailed, FailureReason: reason}
}

// Gateway charges a payment. An error means the gateway could not be reached
// or refused the request for infrastructure reasons.
type Gateway interface {
	Name() string
	Process(ctx context.Context, payment *models.Payment) (Result, error)
}

// New selects the gateway once, at startup.
func New(cfg config.GatewayConfig) (Gateway, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderMock:
		return NewMockGateway(), nil
	case ProviderStripe:
		if cfg.StripeSecretKey == "" {
			return nil, fmt.Errorf("payment gateway %q requires STRIPE_SECRET_KEY", ProviderStripe)
		}
		return NewStripeGateway(cfg.StripeSecretKey, cfg.AfterCompletionURL, cfg.Timeout, nil), nil
	default:
		return nil, fmt.Errorf("unknown payment gateway %q", cfg.Provider)
	}
}
