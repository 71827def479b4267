package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "order.created"
	EventTypeOrderStatusUpdated = "order.status.updated"
	EventTypePaymentCompleted   = "payment.completed"
	EventTypePaymentFailed      = "payment.failed"
	EventTypePaymentReceipt     = "payment.receipt"
)

// Envelope wraps every event published on the bus. It is immutable once published.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

type OrderCreatedPayload struct {
	OrderID       int64              `json:"orderId"`
	UserID        int64              `json:"userId"`
	Email         string             `json:"email,omitempty"`
	Currency      string             `json:"currency"`
	TotalAmount   decimal.Decimal    `json:"totalAmount"`
	PaymentMethod string             `json:"paymentMethod"`
	Items         []OrderItemPayload `json:"items"`
}

type OrderItemPayload struct {
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
}

type OrderStatusUpdatedPayload struct {
	OrderID     int64  `json:"orderId"`
	UserID      int64  `json:"userId"`
	Email       string `json:"email,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

type PaymentCompletedPayload struct {
	PaymentID         int64           `json:"paymentId"`
	OrderID           int64           `json:"orderId"`
	UserID            int64           `json:"userId"`
	Method            string          `json:"method"`
	Currency          string          `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	ReceiptNumber     string          `json:"receiptNumber"`
	ProviderReference string          `json:"providerReference,omitempty"`
}

type PaymentFailedPayload struct {
	PaymentID     int64           `json:"paymentId"`
	OrderID       int64           `json:"orderId"`
	UserID        int64           `json:"userId"`
	Method        string          `json:"method"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	FailureReason string          `json:"failureReason"`
}

// PaymentReceiptPayload is consumed by the notification collaborator.
type PaymentReceiptPayload struct {
	PaymentID     int64           `json:"paymentId"`
	OrderID       int64           `json:"orderId"`
	UserID        int64           `json:"userId"`
	Email         string          `json:"email,omitempty"`
	ReceiptNumber string          `json:"receiptNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}
