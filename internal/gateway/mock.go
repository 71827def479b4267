package gateway

import (
	"context"

	"commerce-service/internal/models"

	"github.com/google/uuid"
)

// MockGateway completes every payment with a positive amount.
type MockGateway struct{}

func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (g *MockGateway) Name() string { return ProviderMock }

func (g *MockGateway) Process(_ context.Context, payment *models.Payment) (Result, error) {
	if !payment.Amount.IsPositive() {
		return Failed("Invalid amount"), nil
	}
	return Completed("MOCK-" + uuid.New().String()), nil
}
