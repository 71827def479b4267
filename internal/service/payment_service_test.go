package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"commerce-service/internal/apperror"
	"commerce-service/internal/gateway"
	"commerce-service/internal/idempotency"
	"commerce-service/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentFixture struct {
	svc  *PaymentService
	repo *memPayments
	keys *memKeys
	pub  *capturePublisher
}

func newPaymentFixture(gw gateway.Gateway) *paymentFixture {
	return newPaymentFixtureWithTTL(gw, time.Second)
}

func newPaymentFixtureWithTTL(gw gateway.Gateway, lockTTL time.Duration) *paymentFixture {
	f := &paymentFixture{repo: newMemPayments(), keys: newMemKeys(), pub: &capturePublisher{}}
	f.repo.keys = f.keys
	ledger := idempotency.NewLedger("payment", f.keys, idempotency.NewLocalLocker(), lockTTL)
	f.svc = NewPaymentService(f.repo, ledger, gw, f.pub, 2)
	f.svc.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return f
}

func paymentRequest(orderID int64) *CreatePaymentRequest {
	return &CreatePaymentRequest{OrderID: orderID, Amount: decimal.NewFromInt(200), Currency: "usd", Method: "CARD"}
}

func TestCreatePaymentWithMockGateway(t *testing.T) {
	f := newPaymentFixture(gateway.NewMockGateway())

	payment, err := f.svc.CreatePayment(context.Background(), customer, paymentRequest(10), "")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, "USD", payment.Currency)
	require.NotNil(t, payment.ReceiptNumber)
	assert.True(t, strings.HasPrefix(*payment.ReceiptNumber, "RCPT-1-"))
	require.NotNil(t, payment.ProviderReference)
	assert.True(t, strings.HasPrefix(*payment.ProviderReference, "MOCK-"))
	assert.Equal(t, []string{models.EventTypePaymentCompleted, models.EventTypePaymentReceipt}, f.pub.types())

	var receipt models.PaymentReceiptPayload
	require.NoError(t, f.pub.last(models.EventTypePaymentReceipt, &receipt))
	assert.Equal(t, "jane@example.com", receipt.Email)
	assert.Equal(t, *payment.ReceiptNumber, receipt.ReceiptNumber)

	assert.Len(t, f.repo.history[payment.ID], 2)
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newPaymentFixture(gateway.NewMockGateway())

	tests := []struct {
		name   string
		mutate func(r *CreatePaymentRequest)
	}{
		{"zero amount", func(r *CreatePaymentRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *CreatePaymentRequest) { r.Amount = decimal.NewFromInt(-5) }},
		{"short currency", func(r *CreatePaymentRequest) { r.Currency = "US" }},
		{"missing currency", func(r *CreatePaymentRequest) { r.Currency = "" }},
		{"bad method", func(r *CreatePaymentRequest) { r.Method = "CASH" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := paymentRequest(10)
			tt.mutate(req)
			_, err := f.svc.CreatePayment(context.Background(), customer, req, "")
			assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "got %v", err)
		})
	}
	assert.Equal(t, 0, f.repo.count())
}

func TestCreatePaymentIdempotentReplay(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{gateway.Completed("ch_1")}}
	f := newPaymentFixture(gw)
	ctx := context.Background()

	first, err := f.svc.CreatePayment(ctx, customer, paymentRequest(10), "pay-key")
	require.NoError(t, err)
	second, err := f.svc.CreatePayment(ctx, customer, paymentRequest(10), "pay-key")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.PaymentStatusCompleted, second.Status)
	assert.Equal(t, 1, gw.calls)
	assert.Equal(t, 1, f.repo.count())

	other := paymentRequest(10)
	other.Amount = decimal.NewFromInt(1)
	_, err = f.svc.CreatePayment(ctx, customer, other, "pay-key")
	assert.True(t, apperror.HasCode(err, apperror.CodeIdempotencyConflict))
}

func TestCreatePaymentKeyOutlivesLock(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{gateway.Completed("ch_1")}}
	f := newPaymentFixtureWithTTL(gw, 5*time.Millisecond)
	ctx := context.Background()

	// the first execution stalls before its insert until its lock expires and
	// a retry with the same key runs to completion
	var retried *models.Payment
	var retryErr error
	f.repo.beforeCreate = func() {
		f.repo.beforeCreate = nil
		time.Sleep(20 * time.Millisecond)
		retried, retryErr = f.svc.CreatePayment(ctx, customer, paymentRequest(10), "pay-key")
	}

	first, err := f.svc.CreatePayment(ctx, customer, paymentRequest(10), "pay-key")
	require.NoError(t, err)
	require.NoError(t, retryErr)

	assert.Equal(t, retried.ID, first.ID)
	assert.Equal(t, models.PaymentStatusCompleted, first.Status)
	assert.Equal(t, 1, f.repo.count())
	assert.Equal(t, 1, gw.calls)
	assert.Equal(t, []string{models.EventTypePaymentCompleted, models.EventTypePaymentReceipt}, f.pub.types())
}

func TestCreatePaymentActivePaymentConflict(t *testing.T) {
	f := newPaymentFixture(gateway.NewMockGateway())
	ctx := context.Background()

	_, err := f.svc.CreatePayment(ctx, customer, paymentRequest(10), "")
	require.NoError(t, err)
	_, err = f.svc.CreatePayment(ctx, customer, paymentRequest(10), "")
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict))
	assert.Equal(t, 1, f.repo.count())
}

func TestGatewayOutageDegradesToFailed(t *testing.T) {
	outage := errors.New("dial tcp: i/o timeout")
	gw := &scriptedGateway{errs: []error{outage, outage, outage}}
	f := newPaymentFixture(gw)

	payment, err := f.svc.CreatePayment(context.Background(), customer, paymentRequest(10), "")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.FailureReason)
	assert.Equal(t, gatewayUnavailableReason, *payment.FailureReason)
	assert.Nil(t, payment.ReceiptNumber)
	assert.Equal(t, 3, gw.calls, "one call plus two retries")
	assert.Equal(t, []string{models.EventTypePaymentFailed}, f.pub.types())
}

func TestGatewayTransientErrorIsRetried(t *testing.T) {
	gw := &scriptedGateway{
		errs:    []error{errors.New("connection reset")},
		results: []gateway.Result{{}, gateway.Completed("ch_2")},
	}
	f := newPaymentFixture(gw)

	payment, err := f.svc.CreatePayment(context.Background(), customer, paymentRequest(10), "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, "ch_2", *payment.ProviderReference)
	assert.Equal(t, 2, gw.calls)
}

func TestGatewayDeclineIsNotRetried(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{gateway.Failed("Your card was declined.")}}
	f := newPaymentFixture(gw)

	payment, err := f.svc.CreatePayment(context.Background(), customer, paymentRequest(10), "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, "Your card was declined.", *payment.FailureReason)
	assert.Equal(t, 1, gw.calls)
}

func TestPendingThenWebhookReconciliation(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{gateway.Pending("https://checkout.stripe.com/c/pay/cs_1")}}
	f := newPaymentFixture(gw)
	ctx := context.Background()

	payment, err := f.svc.CreatePayment(ctx, customer, paymentRequest(10), "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", *payment.ProviderReference)
	assert.Empty(t, f.pub.types())

	require.NoError(t, f.svc.MarkPaymentCompleted(ctx, payment.ID, "pi_1"))
	completed, _ := f.repo.GetPaymentByID(ctx, payment.ID)
	assert.Equal(t, models.PaymentStatusCompleted, completed.Status)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", *completed.ProviderReference, "reference is only set once")
	require.NotNil(t, completed.ReceiptNumber)

	// duplicate webhook deliveries change nothing
	require.NoError(t, f.svc.MarkPaymentCompleted(ctx, payment.ID, "pi_other"))
	require.NoError(t, f.svc.MarkPaymentFailed(ctx, payment.ID, "expired"))

	after, _ := f.repo.GetPaymentByID(ctx, payment.ID)
	assert.Equal(t, completed.Status, after.Status)
	assert.Equal(t, *completed.ReceiptNumber, *after.ReceiptNumber)
	assert.Equal(t, *completed.ProviderReference, *after.ProviderReference)
	assert.Nil(t, after.FailureReason)
	assert.Equal(t, []string{models.EventTypePaymentCompleted, models.EventTypePaymentReceipt}, f.pub.types())
}

func TestMarkPaymentUnknown(t *testing.T) {
	f := newPaymentFixture(gateway.NewMockGateway())

	err := f.svc.MarkPaymentFailed(context.Background(), 404, "expired")
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}

func TestProcessOrderCreatedEvent(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{gateway.Completed("ch_3")}}
	f := newPaymentFixture(gw)
	ctx := context.Background()

	event := &models.OrderCreatedPayload{
		OrderID: 21, UserID: customer.UserID, Email: customer.Email,
		Currency: "USD", TotalAmount: decimal.RequireFromString("200.00"), PaymentMethod: "UPI",
	}
	require.NoError(t, f.svc.ProcessOrderCreatedEvent(ctx, event))
	require.NoError(t, f.svc.ProcessOrderCreatedEvent(ctx, event))

	assert.Equal(t, 1, f.repo.count())
	assert.Equal(t, 1, gw.calls)

	payment, err := f.repo.GetPaymentByOrderID(ctx, 21)
	require.NoError(t, err)
	assert.True(t, payment.Amount.Equal(event.TotalAmount))
	assert.Equal(t, event.Currency, payment.Currency)
	assert.Equal(t, models.PaymentMethodUPI, payment.Method)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
}

func TestPaymentReads(t *testing.T) {
	gw := &scriptedGateway{results: []gateway.Result{gateway.Pending("cs_url"), gateway.Completed("ch_4")}}
	f := newPaymentFixture(gw)
	ctx := context.Background()

	pending, err := f.svc.CreatePayment(ctx, customer, paymentRequest(10), "")
	require.NoError(t, err)

	_, err = f.svc.GetReceipt(ctx, customer, pending.ID)
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))

	require.NoError(t, f.svc.MarkPaymentCompleted(ctx, pending.ID, "pi_4"))

	receipt, err := f.svc.GetReceipt(ctx, customer, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), receipt.OrderID)
	assert.Equal(t, models.PaymentStatusCompleted, receipt.Status)

	_, err = f.svc.GetPayment(ctx, stranger, pending.ID)
	assert.True(t, apperror.HasCode(err, apperror.CodeForbidden))

	byOrder, err := f.svc.GetPaymentByOrder(ctx, admin, 10)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, byOrder.ID)

	_, err = f.svc.GetPaymentByOrder(ctx, customer, 99)
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}
