package facilitator

import (
	"context"

	"x402-gateway/internal/model"
)

// Mock implements Facilitator for testing.
// Each method can be configured via function fields.
type Mock struct {
	VerifyFunc func(ctx context.Context, req *model.FacilitatorRequest) (*model.VerifyResponse, error)
	SettleFunc func(ctx context.Context, req *model.FacilitatorRequest) (*model.SettleResponse, error)

	// Calls counts invocations of either method.
	Calls int
}

// Verify calls the configured VerifyFunc or reports a valid payment.
func (m *Mock) Verify(ctx context.Context, req *model.FacilitatorRequest) (*model.VerifyResponse, error) {
	m.Calls++
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, req)
	}
	return &model.VerifyResponse{IsValid: true}, nil
}

// Settle calls the configured SettleFunc or returns an error.
func (m *Mock) Settle(ctx context.Context, req *model.FacilitatorRequest) (*model.SettleResponse, error) {
	m.Calls++
	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, req)
	}
	return nil, &StatusError{StatusCode: 501, Body: "settle not configured"}
}

// Verify Mock implements Facilitator interface at compile time.
var _ Facilitator = (*Mock)(nil)
