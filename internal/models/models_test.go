package models

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSort(t *testing.T) {
	tests := []struct {
		in    string
		field string
		desc  bool
		err   bool
	}{
		{"", "created_at", true, false},
		{"status", "status", true, false},
		{"status,asc", "status", false, false},
		{"created_at, DESC", "created_at", true, false},
		{"total_amount", "", false, true},
		{"status,sideways", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			field, desc, err := ParseSort(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidSort)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.desc, desc)
		})
	}
}

func TestSumLineTotals(t *testing.T) {
	items := []OrderItem{
		{LineTotal: decimal.RequireFromString("19.99")},
		{LineTotal: decimal.RequireFromString("0.01")},
	}
	assert.True(t, SumLineTotals(items).Equal(decimal.NewFromInt(20)))
	assert.True(t, SumLineTotals(nil).IsZero())
}

func TestDeliveryAddressRoundTripsThroughJSONB(t *testing.T) {
	addr := DeliveryAddress{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}

	v, err := addr.Value()
	require.NoError(t, err)

	var scanned DeliveryAddress
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, addr, scanned)

	require.NoError(t, scanned.Scan(nil))
	assert.Equal(t, DeliveryAddress{}, scanned)
	assert.Error(t, scanned.Scan(42))
}

func TestGeneratedNumbers(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewTrackingNumber(12), "TRK-12-"))
	assert.True(t, strings.HasPrefix(NewReceiptNumber(3), "RCPT-3-"))
	assert.NotEqual(t, NewReceiptNumber(3), NewReceiptNumber(3))
}

func TestPaymentIsTerminal(t *testing.T) {
	assert.False(t, (&Payment{Status: PaymentStatusPending}).IsTerminal())
	assert.True(t, (&Payment{Status: PaymentStatusCompleted}).IsTerminal())
	assert.True(t, (&Payment{Status: PaymentStatusFailed}).IsTerminal())
	assert.True(t, ValidPaymentMethod(PaymentMethodNetBanking))
	assert.False(t, ValidOrderStatus("SHIPPING"))
}
