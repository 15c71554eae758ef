// Package facilitator is the upstream x402 facilitator client.
//
// The gateway never settles payments itself; once a request clears evidence
// and risk checks it is forwarded here. Implementations must be safe for
// concurrent use.
package facilitator

import (
	"context"
	"errors"
	"fmt"

	"x402-gateway/internal/model"
)

// Facilitator abstracts the upstream verify/settle service.
type Facilitator interface {
	// Verify asks the facilitator whether the payment is valid for the requirements.
	Verify(ctx context.Context, req *model.FacilitatorRequest) (*model.VerifyResponse, error)

	// Settle asks the facilitator to execute the payment.
	Settle(ctx context.Context, req *model.FacilitatorRequest) (*model.SettleResponse, error)
}

var (
	// ErrUnavailable means the facilitator could not be reached at all.
	ErrUnavailable = errors.New("facilitator unavailable")
	// ErrUpstream covers transport failures after connecting and unusable 200 bodies.
	ErrUpstream = errors.New("facilitator request failed")
)

// StatusError is a non-200 facilitator response. The gateway passes the
// status and text through to its caller.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator returned %d: %s", e.StatusCode, e.Body)
}

// Op names a facilitator call in logs, metrics and debug snapshots.
type Op string

const (
	OpVerify Op = "verify"
	OpSettle Op = "settle"
)
