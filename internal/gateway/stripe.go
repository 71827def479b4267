package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"go.uber.org/zap"
)

// StripeGateway opens a hosted Checkout session per payment. The outcome
// arrives later through the Stripe webhook.
type StripeGateway struct {
	sessions           session.Client
	afterCompletionURL string
}

// NewStripeGateway creates the gateway. backend may be nil to use the Stripe API.
func NewStripeGateway(secretKey, afterCompletionURL string, timeout time.Duration, backend stripe.Backend) *StripeGateway {
	if backend == nil {
		// retries are driven by the payment service
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient:        &http.Client{Timeout: timeout},
			MaxNetworkRetries: stripe.Int64(0),
		})
	}
	return &StripeGateway{
		sessions:           session.Client{B: backend, Key: secretKey},
		afterCompletionURL: afterCompletionURL,
	}
}

func (g *StripeGateway) Name() string { return ProviderStripe }

func (g *StripeGateway) Process(ctx context.Context, payment *models.Payment) (Result, error) {
	if !payment.Amount.IsPositive() {
		return Failed("Invalid amount"), nil
	}

	paymentID := strconv.FormatInt(payment.ID, 10)
	orderID := strconv.FormatInt(payment.OrderID, 10)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.afterCompletionURL),
		CancelURL:         stripe.String(g.afterCompletionURL),
		ClientReferenceID: stripe.String(paymentID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(normalizeCurrency(payment.Currency)),
					UnitAmount: stripe.Int64(toMinorUnits(payment.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Order #%d", payment.OrderID)),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"paymentId": paymentID,
				"orderId":   orderID,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("paymentId", paymentID)
	params.AddMetadata("orderId", orderID)
	if payment.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(payment.CustomerEmail)
	}
	// retried creates for the same payment return the same session
	params.SetIdempotencyKey("payment-" + paymentID)

	sess, err := g.sessions.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && isDecline(stripeErr) {
			util.Logger(ctx).Warn("Stripe rejected checkout session",
				zap.Int64("payment_id", payment.ID),
				zap.String("stripe_error_type", string(stripeErr.Type)),
				zap.String("stripe_error_code", string(stripeErr.Code)))
			return Failed(stripeErr.Msg), nil
		}
		return Result{}, fmt.Errorf("stripe checkout session: %w", err)
	}

	return Pending(sess.URL), nil
}

func isDecline(err *stripe.Error) bool {
	return err.Type == stripe.ErrorTypeCard || err.Type == stripe.ErrorTypeInvalidRequest
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func normalizeCurrency(currency string) string {
	if currency == "" {
		return "usd"
	}
	return strings.ToLower(currency)
}
