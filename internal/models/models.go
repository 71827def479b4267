package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order statuses
const (
	OrderStatusPendingPayment = "PENDING_PAYMENT"
	OrderStatusConfirmed      = "CONFIRMED"
	OrderStatusPaymentFailed  = "PAYMENT_FAILED"
	OrderStatusShipped        = "SHIPPED"
	OrderStatusDelivered      = "DELIVERED"
	OrderStatusCancelled      = "CANCELLED"
)

// Payment statuses
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
)

// Payment methods
const (
	PaymentMethodCard       = "CARD"
	PaymentMethodUPI        = "UPI"
	PaymentMethodNetBanking = "NET_BANKING"
	PaymentMethodWallet     = "WALLET"
)

var orderStatuses = map[string]bool{
	OrderStatusPendingPayment: true,
	OrderStatusConfirmed:      true,
	OrderStatusPaymentFailed:  true,
	OrderStatusShipped:        true,
	OrderStatusDelivered:      true,
	OrderStatusCancelled:      true,
}

var paymentMethods = map[string]bool{
	PaymentMethodCard:       true,
	PaymentMethodUPI:        true,
	PaymentMethodNetBanking: true,
	PaymentMethodWallet:     true,
}

// ValidOrderStatus reports whether s names an order status.
func ValidOrderStatus(s string) bool { return orderStatuses[s] }

// ValidPaymentMethod reports whether m names a supported payment method.
func ValidPaymentMethod(m string) bool { return paymentMethods[m] }

// DeliveryAddress is a snapshot of the shipping address taken at order creation.
// Stored as a JSONB column.
type DeliveryAddress struct {
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code" binding:"required"`
	Country    string `json:"country" binding:"required"`
}

func (a DeliveryAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *DeliveryAddress) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = DeliveryAddress{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported delivery address type %T", src)
	}
}

// Order represents a customer order
type Order struct {
	ID              int64           `db:"id" json:"id"`
	UserID          int64           `db:"user_id" json:"user_id"`
	CustomerEmail   string          `db:"customer_email" json:"customer_email,omitempty"`
	Status          string          `db:"status" json:"status"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	Currency        string          `db:"currency" json:"currency"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	DeliveryAddress DeliveryAddress `db:"delivery_address" json:"delivery_address"`
	TrackingNumber  string          `db:"tracking_number" json:"tracking_number"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	Items           []OrderItem     `db:"-" json:"items"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal   decimal.Decimal `db:"line_total" json:"line_total"`
}

// SumLineTotals returns the sum of the line totals of items.
func SumLineTotals(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal)
	}
	return total
}

// OrderStatusHistory is an append-only audit row, one per order transition.
type OrderStatusHistory struct {
	ID          int64     `db:"id" json:"id"`
	OrderID     int64     `db:"order_id" json:"order_id"`
	Status      string    `db:"status" json:"status"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Payment represents a payment attempt for one order
type Payment struct {
	ID                int64           `db:"id" json:"id"`
	OrderID           int64           `db:"order_id" json:"order_id"`
	UserID            int64           `db:"user_id" json:"user_id"`
	CustomerEmail     string          `db:"customer_email" json:"customer_email,omitempty"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Method            string          `db:"method" json:"method"`
	Status            string          `db:"status" json:"status"`
	ProviderReference *string         `db:"provider_reference" json:"provider_reference,omitempty"`
	ReceiptNumber     *string         `db:"receipt_number" json:"receipt_number,omitempty"`
	FailureReason     *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the payment can no longer change.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}

// Receipt is the customer-facing view of a completed payment.
type Receipt struct {
	PaymentID     int64           `json:"payment_id"`
	OrderID       int64           `json:"order_id"`
	ReceiptNumber string          `json:"receipt_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	Status        string          `json:"status"`
}

// StatusChange describes a transition to be recorded in a status history table.
type StatusChange struct {
	Status      string
	Description string
}

// IdempotencyKey maps a caller-supplied key to the request it admitted.
// ResourceID stays nil until the command that inserted the row completes.
type IdempotencyKey struct {
	Key         string    `db:"idempotency_key"`
	UserID      int64     `db:"user_id"`
	RequestHash string    `db:"request_hash"`
	ResourceID  *int64    `db:"resource_id"`
	CreatedAt   time.Time `db:"created_at"`
}

// Page selects a window of a listing.
type Page struct {
	Number    int
	Size      int
	SortField string
	SortDesc  bool
}

var ErrInvalidSort = errors.New("invalid sort")

// ParseSort accepts "field" or "field,asc|desc" for the sortable order fields.
func ParseSort(s string) (field string, desc bool, err error) {
	if s == "" {
		return "created_at", true, nil
	}
	parts := strings.Split(s, ",")
	field = strings.TrimSpace(parts[0])
	if field != "created_at" && field != "status" {
		return "", false, ErrInvalidSort
	}
	desc = true
	if len(parts) > 1 {
		switch strings.ToLower(strings.TrimSpace(parts[1])) {
		case "asc":
			desc = false
		case "desc":
		default:
			return "", false, ErrInvalidSort
		}
	}
	return field, desc, nil
}

func shortToken() string {
	return uuid.New().String()[:8]
}

// NewTrackingNumber builds the tracking number assigned once to a persisted order.
func NewTrackingNumber(orderID int64) string {
	return fmt.Sprintf("TRK-%d-%s", orderID, shortToken())
}

// NewReceiptNumber builds the receipt number assigned once when a payment completes.
func NewReceiptNumber(paymentID int64) string {
	return fmt.Sprintf("RCPT-%d-%s", paymentID, shortToken())
}
